package modplay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// OtoDevice - системный аудиовыход. oto допускает один контекст на процесс,
// поэтому устройство создаётся один раз при старте и передаётся Player.
// Каждый сеанс открывает на нём свой поток.
type OtoDevice struct {
	ctx          *oto.Context
	sampleRate   int
	drainTimeout time.Duration
	logger       zerolog.Logger
}

// NewOtoDevice инициализирует аудиовыход на частоте sampleRate.
// bufferFrames задаёт аппаратный буфер, ноль оставляет выбор за oto.
func NewOtoDevice(sampleRate, bufferFrames int, logger zerolog.Logger) (*OtoDevice, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	if bufferFrames > 0 {
		op.BufferSize = time.Duration(float64(bufferFrames) / float64(sampleRate) * float64(time.Second))
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, &DeviceError{Op: "init", Err: err}
	}
	<-readyChan

	logger.Debug().Int("rate", sampleRate).Msg("audio device ready")
	return &OtoDevice{
		ctx:          ctx,
		sampleRate:   sampleRate,
		drainTimeout: time.Second,
		logger:       logger,
	}, nil
}

// SampleRate возвращает частоту, с которой инициализировано устройство.
func (d *OtoDevice) SampleRate() int { return d.sampleRate }

// Open создаёт блокирующий поток на устройстве. Частота потока должна
// совпадать с частотой устройства: контекст oto нельзя пересоздать.
func (d *OtoDevice) Open(sampleRate, bufferFrames int) (Sink, error) {
	if sampleRate != d.sampleRate {
		return nil, &DeviceError{
			Op:  "open",
			Err: fmt.Errorf("device runs at %d Hz, stream wants %d Hz", d.sampleRate, sampleRate),
		}
	}
	if err := d.ctx.Err(); err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}

	if bufferFrames <= 0 {
		bufferFrames = DefaultBufferFrames
	}
	queue := newPCMQueue(bufferFrames * BytesPerFrame * 2)
	player := d.ctx.NewPlayer(queue)
	player.SetBufferSize(bufferFrames * BytesPerFrame * 2)
	// Очередь никогда не блокирует чтение, поэтому Play безопасен и там,
	// где oto читает синхронно.
	player.Play()

	d.logger.Debug().Int("rate", sampleRate).Int("frames", bufferFrames).Msg("audio stream opened")
	return &otoSink{
		player:       player,
		queue:        queue,
		drainTimeout: d.drainTimeout,
	}, nil
}

// otoSink кормит плеер oto через pcmQueue: Write ждёт, пока плеер
// не выберет место в очереди.
type otoSink struct {
	player       *oto.Player
	queue        *pcmQueue
	drainTimeout time.Duration

	paused    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *otoSink) Write(pcm []byte) error {
	if err := s.player.Err(); err != nil {
		return &DeviceError{Op: "write", Err: err}
	}
	if _, err := s.queue.Write(pcm); err != nil {
		return &DeviceError{Op: "write", Err: err}
	}
	return nil
}

func (s *otoSink) Pause() {
	s.paused.Store(true)
	s.player.Pause()
}

func (s *otoSink) Resume() {
	s.paused.Store(false)
	s.player.Play()
}

func (s *otoSink) SetVolume(volume float64) {
	s.player.SetVolume(volume)
}

// Close завершает поток и ограниченное время ждёт, пока доиграет очередь.
func (s *otoSink) Close() error {
	s.closeOnce.Do(func() {
		s.queue.Close()

		if !s.paused.Load() {
			deadline := time.Now().Add(s.drainTimeout)
			for s.player.IsPlaying() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
		}

		s.player.Pause()
		s.closeErr = s.player.Close()
	})
	return s.closeErr
}

var errQueueClosed = errors.New("pcm queue closed")

// pcmQueue - ограниченная очередь PCM между воркером и плеером oto.
// Write блокируется, пока очередь полна. Read не блокируется никогда:
// пустая очередь отдаёт тишину, закрытая и пустая - io.EOF.
type pcmQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	max    int
	closed bool
}

func newPCMQueue(max int) *pcmQueue {
	q := &pcmQueue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *pcmQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Кусок больше max всё равно принимаем, иначе ждали бы вечно.
	for len(q.buf) > 0 && len(q.buf)+len(p) > q.max && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return 0, errQueueClosed
	}
	q.buf = append(q.buf, p...)
	return len(p), nil
}

func (q *pcmQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) == 0 {
		if q.closed {
			return 0, io.EOF
		}
		clear(p)
		return len(p), nil
	}
	n := copy(p, q.buf)
	q.buf = q.buf[:copy(q.buf, q.buf[n:])]
	q.cond.Broadcast()
	return n, nil
}

// Close будит ждущих писателей. Уже записанное ещё можно дочитать.
func (q *pcmQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}

// Len возвращает число байт в очереди.
func (q *pcmQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
