package modplay

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVFile пишет сеанс в 16-битный стерео WAV вместо устройства.
// Темп записи не ограничен, сеанс идёт с той скоростью, какую даст декодер.
type WAVFile struct {
	Path string
}

// NewWAVFile возвращает SinkOpener, пишущий в path. Каждый Open обрезает файл.
func NewWAVFile(path string) *WAVFile {
	return &WAVFile{Path: path}
}

func (w *WAVFile) Open(sampleRate, bufferFrames int) (Sink, error) {
	f, err := os.Create(w.Path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}
	return &wavSink{
		f:   f,
		enc: wav.NewEncoder(f, sampleRate, 16, Channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: Channels, SampleRate: sampleRate},
			Data:           make([]int, 0, bufferFrames*Channels),
			SourceBitDepth: 16,
		},
	}, nil
}

type wavSink struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	frames int64
	closed bool
}

func (s *wavSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &DeviceError{Op: "write", Err: os.ErrClosed}
	}

	s.buf.Data = s.buf.Data[:0]
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		s.buf.Data = append(s.buf.Data, int(int16(binary.LittleEndian.Uint16(pcm[i:]))))
	}
	if err := s.enc.Write(s.buf); err != nil {
		return &DeviceError{Op: "write", Err: err}
	}
	s.frames += int64(len(pcm) / BytesPerFrame)
	return nil
}

// Frames возвращает число уже записанных кадров.
func (s *wavSink) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *wavSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.enc.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &DeviceError{Op: "close", Err: err}
	}
	return nil
}
