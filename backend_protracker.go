package modplay

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeozeozeo/gomodplay/pkg/mod"
)

const (
	// Строка при скорости 6 и темпе 125 длится 6 * 20 мс.
	modRowSeconds  = 0.12
	modPatternRows = 64

	// Если песня не сообщила о конце, обрываем её на этой доле оценки длины.
	modOverrunFactor = 2
)

// ProTrackerBackend играет четырёх- и многоканальные MOD на чистом Go,
// без libxmp. Другие трекерные форматы оставляет следующим движкам.
type ProTrackerBackend struct{}

func NewProTrackerBackend() *ProTrackerBackend { return &ProTrackerBackend{} }

func (b *ProTrackerBackend) Name() string { return "gomodplay" }

func (b *ProTrackerBackend) Open(path string, data []byte) (Decoder, error) {
	if len(data) < modTagOffset+4 {
		return nil, fmt.Errorf("too short for MOD: %w", ErrUnsupportedFormat)
	}
	tag := string(data[modTagOffset : modTagOffset+4])
	if _, ok := modChannels(tag); !ok {
		return nil, fmt.Errorf("no MOD tag: %w", ErrUnsupportedFormat)
	}

	d := &modDecoder{data: data}
	// Пробная загрузка на стандартной частоте: битый модуль отсеиваем здесь,
	// а не в воркере.
	if err := d.reset(DefaultSampleRate); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", tag, err, ErrUnsupportedFormat)
	}
	d.metadata = d.songMetadata(tag)
	return d, nil
}

// modDecoder рендерит MOD через gomodplay. Плеер пересоздаётся при смене
// частоты и при перемотке: назад он ходить не умеет.
type modDecoder struct {
	data     []byte
	player   *mod.Player
	metadata Metadata

	rate     int
	produced int64
	buf      []byte
	pending  []Notification
	ended    bool
	freed    bool
}

func (d *modDecoder) reset(rate int) error {
	player, err := mod.NewPlayer(d.data, uint32(rate))
	if err != nil {
		return err
	}
	player.Play()
	d.player = player
	d.rate = rate
	d.produced = 0
	d.ended = false
	return nil
}

func (d *modDecoder) songMetadata(tag string) Metadata {
	song := d.player.Song
	md := Metadata{
		Title:     modName(song.Name),
		Format:    "Protracker MOD (" + tag + ")",
		Tracker:   "Protracker",
		Channels:  int(song.NumChannels),
		Positions: int(song.SongLength),
	}
	for i, s := range song.Samples {
		if s == nil {
			continue
		}
		md.Instruments = append(md.Instruments, Instrument{Index: i + 1, Name: modName(s.Name)})
	}
	return md
}

func modName(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

// Metadata отдаёт то, что разобрал сам плеер. Loader дополнит это заголовком.
func (d *modDecoder) Metadata() Metadata { return d.metadata }

// Duration - оценка при скорости и темпе по умолчанию.
func (d *modDecoder) Duration() float64 {
	if d.player == nil || d.player.Song == nil {
		return 0
	}
	return float64(d.player.Song.SongLength) * modPatternRows * modRowSeconds
}

func (d *modDecoder) ReadChunk(sampleRate, frames int) (int, []byte, error) {
	if d.freed {
		return 0, nil, errors.New("decoder already freed")
	}
	if d.ended {
		return 0, nil, nil
	}
	if sampleRate != d.rate {
		pos := d.Position()
		if err := d.reset(sampleRate); err != nil {
			return 0, nil, err
		}
		if err := d.skip(pos); err != nil {
			return 0, nil, err
		}
	}

	size := frames * BytesPerFrame
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	n, err := io.ReadFull(d.player, d.buf[:size])
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, nil, err
	}
	n -= n % BytesPerFrame
	d.produced += int64(n / BytesPerFrame)

	if reason, done := d.songOver(); done || n == 0 {
		if !done {
			reason = "end of stream"
		}
		d.ended = true
		d.pending = append(d.pending, SongEndNotification(true, reason))
		return 0, nil, nil
	}

	pcm := make([]byte, n)
	copy(pcm, d.buf[:n])
	return n / BytesPerFrame, pcm, nil
}

// songOver сообщает, закончилась ли песня. Повтор с начала тоже считается
// концом: иначе модуль с переходом назад играл бы вечно.
func (d *modDecoder) songOver() (string, bool) {
	st := d.player.State
	switch {
	case st == nil:
		return "", false
	case st.SongHasEnded:
		return "song ended", true
	case st.HasLooped:
		return "song looped", true
	}
	if limit := d.Duration() * modOverrunFactor; limit > 0 && d.Position() > limit {
		return "length limit", true
	}
	return "", false
}

func (d *modDecoder) PollNotifications() []Notification {
	notes := d.pending
	d.pending = nil
	return notes
}

func (d *modDecoder) Position() float64 {
	return framesToSeconds(d.produced, d.rate)
}

// SeekSeconds начинает песню заново и проматывает её до seconds.
func (d *modDecoder) SeekSeconds(seconds float64) error {
	if d.freed {
		return errors.New("decoder already freed")
	}
	if err := d.reset(d.rate); err != nil {
		return err
	}
	return d.skip(seconds)
}

// skip рендерит и выбрасывает звук до позиции seconds.
func (d *modDecoder) skip(seconds float64) error {
	target := int64(seconds * float64(d.rate))
	chunk := make([]byte, DefaultBufferFrames*BytesPerFrame)
	for d.produced < target {
		want := min(int64(len(chunk)/BytesPerFrame), target-d.produced)
		n, err := io.ReadFull(d.player, chunk[:want*BytesPerFrame])
		d.produced += int64(n / BytesPerFrame)
		if err != nil || n == 0 {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || n == 0 {
				d.ended = true
				return nil
			}
			return err
		}
		if _, done := d.songOver(); done {
			d.ended = true
			return nil
		}
	}
	return nil
}

func (d *modDecoder) Free() {
	d.freed = true
	d.player = nil
	d.buf = nil
}
