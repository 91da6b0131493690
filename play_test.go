package modplay

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// go test -v -race ./...

const testRate = 8000

// mockDecoder выдаёт chunks полных кусков, затем конец потока.
type mockDecoder struct {
	mu       sync.Mutex
	chunks   int
	faultAt  int // номер чтения (с 1), которое падает
	panicAt  int // номер чтения (с 1), которое паникует
	notes    map[int][]Notification
	jitter   map[int]float64 // сдвиг позиции после чтения i
	duration float64

	reads    int
	produced int64
	rate     int
	base     float64
	seeks    []float64
	frees    int
	pending  []Notification
}

func (m *mockDecoder) Duration() float64 { return m.duration }

func (m *mockDecoder) ReadChunk(sampleRate, frames int) (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	m.rate = sampleRate
	m.pending = append(m.pending, m.notes[m.reads]...)
	if m.reads == m.panicAt {
		panic("decoder exploded")
	}
	if m.reads == m.faultAt {
		return -1, nil, nil
	}
	if m.reads > m.chunks {
		return 0, nil, nil
	}

	pcm := make([]byte, frames*BytesPerFrame)
	for i := 0; i < len(pcm); i += BytesPerSample {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(1000))
	}
	m.produced += int64(frames)
	return frames, pcm, nil
}

func (m *mockDecoder) PollNotifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	notes := m.pending
	m.pending = nil
	return notes
}

func (m *mockDecoder) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base + framesToSeconds(m.produced, m.rate) + m.jitter[m.reads]
}

func (m *mockDecoder) SeekSeconds(seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeks = append(m.seeks, seconds)
	m.base = seconds
	m.produced = 0
	return nil
}

func (m *mockDecoder) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frees++
}

func (m *mockDecoder) counts() (reads, frees int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.frees
}

// plainDecoder прячет необязательные возможности декодера.
type plainDecoder struct {
	Decoder
}

// mockSink записывает вызовы. С release каждый Write ждёт разрешения.
type mockSink struct {
	mu       sync.Mutex
	log      []string
	writes   int
	closes   int
	pauses   int
	resumes  int
	last     []byte
	writeErr error

	started chan struct{}
	release chan struct{}
}

func newGatedSink() *mockSink {
	return &mockSink{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *mockSink) Write(pcm []byte) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes++
	s.log = append(s.log, "write")
	s.last = append(s.last[:0], pcm...)
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.log = append(s.log, "close")
	return nil
}

func (s *mockSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses++
}

func (s *mockSink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
}

func (s *mockSink) snapshot() (writes, closes int, log []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.closes, append([]string(nil), s.log...)
}

// mockBackend отдаёт заготовленный декодер для любого файла.
type mockBackend struct {
	dec    Decoder
	reject bool
}

func (b *mockBackend) Name() string { return "mock" }

func (b *mockBackend) Open(path string, data []byte) (Decoder, error) {
	if b.reject {
		return nil, ErrUnsupportedFormat
	}
	return b.dec, nil
}

// recorder собирает события наблюдателя.
type recorder struct {
	mu        sync.Mutex
	positions []float64
	messages  []string
	finished  []FinishReason

	// состояние потока и декодера в момент Finished
	closedAtFinish bool
	freedAtFinish  bool
}

func (r *recorder) observer(sink *mockSink, dec *mockDecoder) Observer {
	return Observer{
		PositionChanged: func(elapsed, total float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.positions = append(r.positions, elapsed)
		},
		Message: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, text)
		},
		Finished: func(reason FinishReason) {
			_, closes, _ := sink.snapshot()
			_, frees := dec.counts()
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished = append(r.finished, reason)
			r.closedAtFinish = closes == 1
			r.freedAtFinish = frees == 1
		},
	}
}

func (r *recorder) snapshot() (positions []float64, finished []FinishReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.positions...), append([]FinishReason(nil), r.finished...)
}

func writeTempModule(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mod")
	if err := os.WriteFile(path, []byte("module data"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPlayer(dec Decoder, sink Sink) *Player {
	return NewPlayer(NewLoader(&mockBackend{dec: dec}), SinkFunc(func(rate, frames int) (Sink, error) {
		return sink, nil
	}), WithStopTimeout(2*time.Second))
}

func startSession(t *testing.T, dec *mockDecoder, sink *mockSink) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	p := newTestPlayer(dec, sink)
	c, err := p.Start(SessionParams{
		Path:         writeTempModule(t),
		SampleRate:   testRate,
		BufferFrames: 80,
		PollInterval: 5 * time.Millisecond,
	}, rec.observer(sink, dec))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return c, rec
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: worker did not exit")
	}
}

// Три куска и конец: три позиции, один finished, close после последней записи.
func TestNaturalEndOfStream(t *testing.T) {
	dec := &mockDecoder{chunks: 3, duration: 0.03}
	sink := &mockSink{}
	c, rec := startSession(t, dec, sink)
	waitDone(t, c)

	positions, finished := rec.snapshot()
	if len(positions) != 3 {
		t.Errorf("positions = %v, want 3 updates", positions)
	}
	if len(finished) != 1 || finished[0] != FinishClean {
		t.Errorf("finished = %v, want [clean]", finished)
	}
	writes, closes, log := sink.snapshot()
	if writes != 3 || closes != 1 {
		t.Errorf("writes = %d, closes = %d; want 3, 1", writes, closes)
	}
	if got := strings.Join(log, ","); got != "write,write,write,close" {
		t.Errorf("sink calls = %s", got)
	}
	if !rec.closedAtFinish || !rec.freedAtFinish {
		t.Error("finished must fire after the sink is closed and the module freed")
	}
	if c.Status() != StatusFinished {
		t.Errorf("status = %v, want Finished", c.Status())
	}
	if s := c.Session(); s.FramesEmitted != 240 || s.BytesEmitted != 240*BytesPerFrame {
		t.Errorf("session counters = %d frames, %d bytes", s.FramesEmitted, s.BytesEmitted)
	}
}

// Сбой на втором чтении завершает сеанс, плохой кусок не пишется.
func TestDecodeFault(t *testing.T) {
	dec := &mockDecoder{chunks: 5, faultAt: 2}
	sink := &mockSink{}
	c, rec := startSession(t, dec, sink)
	waitDone(t, c)

	positions, finished := rec.snapshot()
	if len(positions) != 1 {
		t.Errorf("positions = %v, want 1 update", positions)
	}
	if len(finished) != 1 || finished[0] != FinishFault {
		t.Errorf("finished = %v, want [fault]", finished)
	}
	if writes, _, _ := sink.snapshot(); writes != 1 {
		t.Errorf("writes = %d, want 1", writes)
	}
	if reads, _ := dec.counts(); reads != 2 {
		t.Errorf("reads = %d, want 2 (no retry)", reads)
	}
	if c.Status() != StatusFinished {
		t.Errorf("status = %v, want Finished", c.Status())
	}
}

// Пауза между 1 и 2 куском останавливает чтение и запись до возобновления.
func TestPauseBetweenChunks(t *testing.T) {
	dec := &mockDecoder{chunks: 3}
	sink := newGatedSink()
	c, rec := startSession(t, dec, sink)

	<-sink.started
	if got := c.PauseToggle(); got != StatusPaused {
		t.Fatalf("PauseToggle() = %v, want Paused", got)
	}
	sink.release <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	if reads, _ := dec.counts(); reads != 1 {
		t.Errorf("reads while paused = %d, want 1", reads)
	}
	if writes, _, _ := sink.snapshot(); writes != 1 {
		t.Errorf("writes while paused = %d, want 1", writes)
	}
	positions, _ := rec.snapshot()
	paused := c.Position()

	if got := c.PauseToggle(); got != StatusPlaying {
		t.Fatalf("PauseToggle() = %v, want Playing", got)
	}
	for i := 0; i < 2; i++ {
		<-sink.started
		sink.release <- struct{}{}
	}
	waitDone(t, c)

	all, finished := rec.snapshot()
	if len(positions) != 1 || len(all) != 3 {
		t.Fatalf("positions before/after resume = %v / %v", positions, all)
	}
	if all[1] <= paused {
		t.Errorf("position after resume %v should continue from %v", all[1], paused)
	}
	if len(finished) != 1 {
		t.Errorf("finished = %v", finished)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.pauses != 1 || sink.resumes != 1 {
		t.Errorf("sink pauses/resumes = %d/%d, want 1/1", sink.pauses, sink.resumes)
	}
}

// Stop, пока воркер висит в Write: он выходит после записи без finished.
func TestStopDuringWrite(t *testing.T) {
	dec := &mockDecoder{chunks: 100}
	sink := newGatedSink()
	c, rec := startSession(t, dec, sink)

	<-sink.started
	errCh := make(chan error, 1)
	go func() { errCh <- c.Stop(2 * time.Second) }()

	for !c.stopRequested.Load() {
		time.Sleep(time.Millisecond)
	}
	sink.release <- struct{}{}

	if err := <-errCh; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitDone(t, c)

	positions, finished := rec.snapshot()
	if len(finished) != 0 {
		t.Errorf("finished = %v, want none after stop", finished)
	}
	if len(positions) != 0 {
		t.Errorf("positions = %v, want none after stop", positions)
	}
	if c.Status() != StatusStopped {
		t.Errorf("status = %v, want Stopped", c.Status())
	}
	if reads, frees := dec.counts(); reads != 1 || frees != 1 {
		t.Errorf("reads = %d, frees = %d; want 1, 1", reads, frees)
	}
}

// Отсутствующий файл сообщается сразу, поток не открывается.
func TestStartUnreadable(t *testing.T) {
	opened := 0
	p := NewPlayer(NewLoader(&mockBackend{dec: &mockDecoder{}}), SinkFunc(func(rate, frames int) (Sink, error) {
		opened++
		return &mockSink{}, nil
	}))

	c, err := p.Start(SessionParams{Path: filepath.Join(t.TempDir(), "missing.mod")}, Observer{})
	if c != nil {
		t.Error("controller returned for unreadable file")
	}
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("error = %v, want ErrUnreadable", err)
	}
	var le *LoadError
	if !errors.As(err, &le) || le.Kind != Unreadable {
		t.Errorf("error = %#v, want LoadError{Unreadable}", err)
	}
	if opened != 0 {
		t.Errorf("sink opened %d times", opened)
	}
	if p.Current() != nil {
		t.Error("no session should be current")
	}
}

func TestStartUnsupported(t *testing.T) {
	p := NewPlayer(NewLoader(&mockBackend{reject: true}), SinkFunc(func(rate, frames int) (Sink, error) {
		t.Error("sink must not be opened")
		return nil, nil
	}))
	_, err := p.Start(SessionParams{Path: writeTempModule(t)}, Observer{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("error = %v, want ErrUnsupported", err)
	}
	if !strings.Contains(err.Error(), "mock") {
		t.Errorf("error %q should name the rejecting backend", err)
	}
}

func TestStartDeviceError(t *testing.T) {
	dec := &mockDecoder{chunks: 1}
	p := NewPlayer(NewLoader(&mockBackend{dec: dec}), SinkFunc(func(rate, frames int) (Sink, error) {
		return nil, errors.New("no device")
	}))
	_, err := p.Start(SessionParams{Path: writeTempModule(t)}, Observer{})

	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want DeviceError", err)
	}
	if _, frees := dec.counts(); frees != 1 {
		t.Errorf("decoder frees = %d, want 1", frees)
	}
}

func TestSinkWriteErrorIsFault(t *testing.T) {
	dec := &mockDecoder{chunks: 3}
	sink := &mockSink{writeErr: errors.New("underrun")}
	c, rec := startSession(t, dec, sink)
	waitDone(t, c)

	_, finished := rec.snapshot()
	if len(finished) != 1 || finished[0] != FinishFault {
		t.Errorf("finished = %v, want [fault]", finished)
	}
	if _, closes, _ := sink.snapshot(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	dec := &mockDecoder{chunks: 1 << 20}
	sink := &mockSink{}
	c, rec := startSession(t, dec, sink)

	for i := 0; i < 3; i++ {
		if err := c.Stop(time.Second); err != nil {
			t.Fatalf("Stop() #%d error = %v", i+1, err)
		}
	}
	waitDone(t, c)

	if _, closes, _ := sink.snapshot(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
	if _, frees := dec.counts(); frees != 1 {
		t.Errorf("frees = %d, want 1", frees)
	}
	if _, finished := rec.snapshot(); len(finished) != 0 {
		t.Errorf("finished = %v after stop", finished)
	}
	if got := c.PauseToggle(); got != StatusStopped {
		t.Errorf("PauseToggle() on stopped session = %v", got)
	}
}

// Зависший в потоке воркер бросаем по таймауту, и он молчит.
func TestStopTimeoutAbandonsWorker(t *testing.T) {
	dec := &mockDecoder{chunks: 10}
	sink := newGatedSink()
	c, rec := startSession(t, dec, sink)
	<-sink.started

	err := c.Stop(30 * time.Millisecond)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop() error = %v, want ErrStopTimeout", err)
	}
	if c.Status() != StatusStopped {
		t.Errorf("status = %v, want Stopped", c.Status())
	}
	if err := c.Stop(30 * time.Millisecond); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	// Отпускаем воркер: он должен прибраться, ничего не сообщив.
	sink.release <- struct{}{}
	waitDone(t, c)

	positions, finished := rec.snapshot()
	if len(positions) != 0 || len(finished) != 0 {
		t.Errorf("events after abandon: positions %v, finished %v", positions, finished)
	}
	if _, closes, _ := sink.snapshot(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
}

func TestSongEndNotification(t *testing.T) {
	tests := []struct {
		name   string
		chunks int
		note   Notification
		want   FinishReason
	}{
		{"happy end", 5, SongEndNotification(true, "done"), FinishClean},
		{"replayer choked", 5, SongEndNotification(false, "bad module"), FinishFault},
		{"unhappy end with empty read", 1, SongEndNotification(false, "bad module"), FinishFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &mockDecoder{chunks: tt.chunks, notes: map[int][]Notification{2: {tt.note}}}
			sink := &mockSink{}
			c, rec := startSession(t, dec, sink)
			waitDone(t, c)

			_, finished := rec.snapshot()
			if len(finished) != 1 || finished[0] != tt.want {
				t.Errorf("finished = %v, want [%v]", finished, tt.want)
			}
			if writes, _, _ := sink.snapshot(); writes != 1 {
				t.Errorf("writes = %d, want 1", writes)
			}
		})
	}
}

func TestMessagesForwarded(t *testing.T) {
	dec := &mockDecoder{chunks: 2, notes: map[int][]Notification{1: {MessageNotification("hello from the replayer")}}}
	sink := &mockSink{}
	c, rec := startSession(t, dec, sink)
	waitDone(t, c)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 1 || rec.messages[0] != "hello from the replayer" {
		t.Errorf("messages = %v", rec.messages)
	}
	if len(rec.finished) != 1 || rec.finished[0] != FinishClean {
		t.Errorf("finished = %v", rec.finished)
	}
}

func TestDecoderPanicBecomesFault(t *testing.T) {
	dec := &mockDecoder{chunks: 5, panicAt: 2}
	sink := &mockSink{}
	c, rec := startSession(t, dec, sink)
	waitDone(t, c)

	_, finished := rec.snapshot()
	if len(finished) != 1 || finished[0] != FinishFault {
		t.Errorf("finished = %v, want [fault]", finished)
	}
	if _, closes, _ := sink.snapshot(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
	if _, frees := dec.counts(); frees != 1 {
		t.Errorf("frees = %d, want 1", frees)
	}
}

func TestPositionsMonotonic(t *testing.T) {
	dec := &mockDecoder{chunks: 5, jitter: map[int]float64{3: -0.015, 4: -0.012}}
	sink := &mockSink{}
	c, rec := startSession(t, dec, sink)
	waitDone(t, c)

	positions, _ := rec.snapshot()
	if len(positions) != 5 {
		t.Fatalf("positions = %v", positions)
	}
	for i := 1; i < len(positions); i++ {
		if positions[i] < positions[i-1] {
			t.Errorf("position went back: %v", positions)
		}
	}
}

func TestSeekAppliedBeforeNextRead(t *testing.T) {
	dec := &mockDecoder{chunks: 3}
	sink := newGatedSink()
	c, rec := startSession(t, dec, sink)

	<-sink.started
	if err := c.Seek(10); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	sink.release <- struct{}{}
	for i := 0; i < 2; i++ {
		<-sink.started
		sink.release <- struct{}{}
	}
	waitDone(t, c)

	dec.mu.Lock()
	seeks := append([]float64(nil), dec.seeks...)
	dec.mu.Unlock()
	if len(seeks) != 1 || seeks[0] != 10 {
		t.Errorf("seeks = %v, want [10]", seeks)
	}
	positions, _ := rec.snapshot()
	if len(positions) != 3 || positions[1] < 10 {
		t.Errorf("positions = %v, want the second update past 10s", positions)
	}
}

func TestSeekNotSupported(t *testing.T) {
	inner := &mockDecoder{chunks: 1 << 20}
	sink := &mockSink{}
	p := newTestPlayer(plainDecoder{inner}, sink)
	c, err := p.Start(SessionParams{Path: writeTempModule(t), SampleRate: testRate, BufferFrames: 80}, Observer{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if err := c.Seek(1); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("Seek() error = %v, want ErrNotSeekable", err)
	}
}

func TestStartSupersedesPrevious(t *testing.T) {
	first := &mockDecoder{chunks: 1 << 20}
	second := &mockDecoder{chunks: 1 << 20}
	backend := &mockBackend{dec: first}
	p := NewPlayer(NewLoader(backend), SinkFunc(func(rate, frames int) (Sink, error) {
		return &mockSink{}, nil
	}), WithStopTimeout(2*time.Second))

	params := SessionParams{Path: writeTempModule(t), SampleRate: testRate, BufferFrames: 80}
	c1, err := p.Start(params, Observer{})
	if err != nil {
		t.Fatal(err)
	}
	backend.dec = second
	c2, err := p.Start(params, Observer{})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-c1.Done():
	default:
		t.Error("first session must be joined before the second starts")
	}
	if c1.Status() != StatusStopped {
		t.Errorf("first status = %v, want Stopped", c1.Status())
	}
	if p.Current() != c2 {
		t.Error("second session should be current")
	}
	if c1.ID() == c2.ID() {
		t.Error("sessions share an id")
	}

	if err := p.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := p.Stop(); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Stop() error = %v, want ErrNoSession", err)
	}
}

func TestSoftwareVolume(t *testing.T) {
	dec := &mockDecoder{chunks: 1}
	sink := &mockSink{}
	p := newTestPlayer(dec, sink)
	c, err := p.Start(SessionParams{Path: writeTempModule(t), SampleRate: testRate, BufferFrames: 4, Volume: 0.5}, Observer{})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, c)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if got := int16(binary.LittleEndian.Uint16(sink.last)); got != 500 {
		t.Errorf("first sample = %d, want 500", got)
	}
}
