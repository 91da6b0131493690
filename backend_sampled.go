package modplay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/gopxl/beep/v2"
	"github.com/hajimehoshi/go-mp3"
	"github.com/youpy/go-wav"
)

// SampledBackend играет готовое аудио (MP3 и WAV) через те же сеансы,
// что и трекерные модули.
type SampledBackend struct{}

func NewSampledBackend() *SampledBackend {
	return &SampledBackend{}
}

func (b *SampledBackend) Name() string { return "sampled" }

func (b *SampledBackend) Open(path string, data []byte) (Decoder, error) {
	if _, err := ParseModuleInfo(data); err == nil {
		return nil, fmt.Errorf("tracker module: %w", ErrUnsupportedFormat)
	}

	var (
		src    pcmSource
		format string
		err    error
	)
	switch {
	case isWAV(data):
		src, err = newWAVSource(data)
		format = "WAV"
	case isMP3(data, path):
		src, err = newMP3Source(data)
		format = "MP3"
	default:
		return nil, fmt.Errorf("not mp3 or wav: %w", ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", format, err, ErrUnsupportedFormat)
	}

	md := Metadata{Format: format, Channels: src.channels()}
	if m, err := tag.ReadFrom(bytes.NewReader(data)); err == nil {
		md.Title = m.Title()
		md.Artist = m.Artist()
		md.Album = m.Album()
		md.Comment = m.Comment()
	}
	if md.Title == "" {
		md.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &sampledDecoder{src: src, stream: src, metadata: md}, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte, path string) bool {
	if bytes.HasPrefix(data, []byte("ID3")) {
		return true
	}
	if len(data) >= 2 && data[0] == 0xff && data[1]&0xe0 == 0xe0 {
		return true
	}
	return strings.EqualFold(filepath.Ext(path), ".mp3")
}

// pcmSource - декодированный поток на родной частоте.
type pcmSource interface {
	beep.Streamer
	rate() int
	channels() int
	// frames - полная длина в родных кадрах.
	frames() int
	// seek переходит к родному кадру f.
	seek(f int) error
}

// sampledDecoder приводит pcmSource к Decoder и передискретизирует
// на частоту сеанса.
type sampledDecoder struct {
	src      pcmSource
	stream   beep.Streamer
	metadata Metadata

	outRate  int
	buf      [][2]float64
	baseSec  float64
	outFrame int64
	freed    bool
}

func (d *sampledDecoder) Duration() float64 {
	return framesToSeconds(int64(d.src.frames()), d.src.rate())
}

func (d *sampledDecoder) ReadChunk(sampleRate, frames int) (int, []byte, error) {
	if d.freed {
		return 0, nil, errors.New("decoder already freed")
	}
	if sampleRate != d.outRate {
		d.outRate = sampleRate
		d.resample()
	}
	if cap(d.buf) < frames {
		d.buf = make([][2]float64, frames)
	}
	d.buf = d.buf[:frames]

	n, ok := d.stream.Stream(d.buf)
	if !ok || n == 0 {
		if err := d.stream.Err(); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil
	}

	pcm := make([]byte, n*BytesPerFrame)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*4:], uint16(floatToInt16(d.buf[i][0])))
		binary.LittleEndian.PutUint16(pcm[i*4+2:], uint16(floatToInt16(d.buf[i][1])))
	}
	d.outFrame += int64(n)
	return n, pcm, nil
}

// resample пересобирает цепочку после смены частоты или перемотки.
func (d *sampledDecoder) resample() {
	if d.outRate == 0 || d.outRate == d.src.rate() {
		d.stream = d.src
		return
	}
	d.stream = beep.Resample(4, beep.SampleRate(d.src.rate()), beep.SampleRate(d.outRate), d.src)
}

func (d *sampledDecoder) PollNotifications() []Notification { return nil }

func (d *sampledDecoder) Position() float64 {
	return d.baseSec + framesToSeconds(d.outFrame, d.outRate)
}

func (d *sampledDecoder) SeekSeconds(seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}
	target := int(seconds * float64(d.src.rate()))
	if target > d.src.frames() {
		target = d.src.frames()
	}
	if err := d.src.seek(target); err != nil {
		return err
	}
	d.baseSec = framesToSeconds(int64(target), d.src.rate())
	d.outFrame = 0
	d.resample()
	return nil
}

func (d *sampledDecoder) Metadata() Metadata { return d.metadata }

func (d *sampledDecoder) Free() {
	d.freed = true
	d.buf = nil
}

func floatToInt16(v float64) int16 {
	v = math.Max(-1, math.Min(1, v))
	return int16(math.Round(v * 32767))
}

// mp3Source декодирует через go-mp3, он всегда отдаёт 16-битное стерео.
type mp3Source struct {
	dec *mp3.Decoder
	raw []byte
	err error
}

func newMP3Source(data []byte) (*mp3Source, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &mp3Source{dec: dec}, nil
}

func (s *mp3Source) Stream(samples [][2]float64) (int, bool) {
	if s.err != nil {
		return 0, false
	}
	need := len(samples) * BytesPerFrame
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	s.raw = s.raw[:need]

	n, err := io.ReadFull(s.dec, s.raw)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		s.err = err
	}
	frames := n / BytesPerFrame
	for i := 0; i < frames; i++ {
		samples[i][0] = float64(int16(binary.LittleEndian.Uint16(s.raw[i*4:]))) / 32768
		samples[i][1] = float64(int16(binary.LittleEndian.Uint16(s.raw[i*4+2:]))) / 32768
	}
	return frames, frames > 0
}

func (s *mp3Source) Err() error    { return s.err }
func (s *mp3Source) rate() int     { return s.dec.SampleRate() }
func (s *mp3Source) channels() int { return 2 }
func (s *mp3Source) frames() int   { return int(s.dec.Length() / BytesPerFrame) }

func (s *mp3Source) seek(f int) error {
	_, err := s.dec.Seek(int64(f)*BytesPerFrame, io.SeekStart)
	return err
}

// wavSource декодирует PCM WAV через youpy/go-wav.
type wavSource struct {
	data    []byte
	r       *wav.Reader
	format  *wav.WavFormat
	total   int
	pending []wav.Sample
	err     error
}

func newWAVSource(data []byte) (*wavSource, error) {
	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	if err != nil {
		return nil, err
	}
	if format.SampleRate == 0 || format.NumChannels == 0 {
		return nil, errors.New("invalid wav format")
	}
	s := &wavSource{data: data, r: r, format: format}
	if d, err := r.Duration(); err == nil {
		s.total = int(math.Round(d.Seconds() * float64(format.SampleRate)))
	}
	return s, nil
}

func (s *wavSource) Stream(samples [][2]float64) (int, bool) {
	if s.err != nil {
		return 0, false
	}
	n := 0
	for n < len(samples) {
		if len(s.pending) == 0 {
			batch, err := s.r.ReadSamples(uint32(len(samples) - n))
			s.pending = batch
			if len(batch) == 0 {
				if err != nil && !errors.Is(err, io.EOF) {
					s.err = err
				}
				break
			}
		}
		take := min(len(s.pending), len(samples)-n)
		for i := 0; i < take; i++ {
			sm := s.pending[i]
			left := s.r.FloatValue(sm, 0)
			right := left
			if s.format.NumChannels > 1 {
				right = s.r.FloatValue(sm, 1)
			}
			samples[n+i] = [2]float64{left, right}
		}
		s.pending = s.pending[take:]
		n += take
	}
	return n, n > 0
}

func (s *wavSource) Err() error    { return s.err }
func (s *wavSource) rate() int     { return int(s.format.SampleRate) }
func (s *wavSource) channels() int { return int(s.format.NumChannels) }
func (s *wavSource) frames() int   { return s.total }

// seek открывает чтение заново и проматывает вперёд: RIFF читается только вперёд.
func (s *wavSource) seek(f int) error {
	s.r = wav.NewReader(bytes.NewReader(s.data))
	if _, err := s.r.Format(); err != nil {
		return err
	}
	s.pending = nil
	s.err = nil
	for f > 0 {
		batch, err := s.r.ReadSamples(uint32(min(f, 4096)))
		f -= len(batch)
		if len(batch) == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		}
	}
	return nil
}
