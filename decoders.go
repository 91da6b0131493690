package modplay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Decoder - загруженный в движок модуль. Его методы вызывает только
// воркер сеанса-владельца.
type Decoder interface {
	// Duration - длина в секундах, насколько движок её знает. Если заранее
	// неизвестна, возвращается оценка по уже выданным данным.
	Duration() float64

	// ReadChunk рендерит до frames кадров стерео int16 PCM на частоте
	// sampleRate. n == 0 - естественный конец. Ошибка или отрицательное n
	// означают сбой декодирования.
	ReadChunk(sampleRate, frames int) (n int, pcm []byte, err error)

	// PollNotifications забирает события последнего ReadChunk.
	PollNotifications() []Notification

	// Position - позиция в секундах внутри текущей подпесни.
	Position() float64

	// Free освобождает модуль. Повторный вызов ничего не делает.
	Free()
}

// Seeker реализуют декодеры, умеющие перематывать текущую подпесню.
type Seeker interface {
	SeekSeconds(seconds float64) error
}

// SubsongRange описывает подпесни модуля.
type SubsongRange struct {
	Min     int
	Max     int
	Default int
	Current int
}

// Count возвращает число подпесен.
func (r SubsongRange) Count() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// SubsongSelector реализуют декодеры модулей с несколькими подпеснями.
type SubsongSelector interface {
	Subsongs() SubsongRange
	SelectSubsong(n int) error
}

// MetadataProvider реализуют декодеры, знающие о модуле больше заголовка.
type MetadataProvider interface {
	Metadata() Metadata
}

// Backend - один движок декодирования.
type Backend interface {
	Name() string
	// Open возвращает Decoder для data или ошибку с ErrUnsupportedFormat,
	// если формат движку незнаком.
	Open(path string, data []byte) (Decoder, error)
}

// Module - загруженный модуль, готовый к передаче в Controller.
type Module struct {
	Path     string
	Backend  string
	Decoder  Decoder
	Metadata Metadata
}

// Loader перебирает движки по порядку, пока один не примет файл.
type Loader struct {
	backends []Backend
	client   *http.Client
	cache    *lru.Cache[string, []byte]
	logger   zerolog.Logger
}

// NewLoader создаёт загрузчик над указанными движками.
func NewLoader(backends ...Backend) *Loader {
	cache, _ := lru.New[string, []byte](downloadCacheSize)
	return &Loader{
		backends: backends,
		client:   &http.Client{Timeout: 30 * time.Second},
		cache:    cache,
		logger:   zerolog.Nop(),
	}
}

// downloadCacheSize - сколько скачанных модулей держим в памяти.
const downloadCacheSize = 8

// DefaultLoader пробует libxmp, затем встроенный движок ProTracker,
// затем сэмплированное аудио.
func DefaultLoader() *Loader {
	return NewLoader(NewTrackerBackend(), NewProTrackerBackend(), NewSampledBackend())
}

// WithLogger задаёт логгер и возвращает загрузчик.
func (l *Loader) WithLogger(logger zerolog.Logger) *Loader {
	l.logger = logger
	return l
}

// Backends возвращает имена движков в порядке перебора.
func (l *Loader) Backends() []string {
	return lo.Map(l.backends, func(b Backend, _ int) string { return b.Name() })
}

// Load читает path (локальный файл или http(s) URL) и открывает его первым
// движком, который его примет.
func (l *Loader) Load(path string) (*Module, error) {
	data, err := l.readSource(path)
	if err != nil {
		l.logger.Error().Err(err).Str("path", path).Msg("module unreadable")
		return nil, &LoadError{Kind: Unreadable, Path: path, Err: err}
	}
	if len(data) == 0 {
		return nil, &LoadError{Kind: Unreadable, Path: path, Err: errors.New("empty file")}
	}

	name, data, err := unpack(context.Background(), path, data)
	if err != nil {
		l.logger.Error().Err(err).Str("path", path).Msg("module archive unreadable")
		return nil, &LoadError{Kind: Unreadable, Path: path, Err: err}
	}
	if name != path {
		l.logger.Debug().Str("path", path).Str("entry", name).Int("size", len(data)).Msg("module unpacked")
	}

	var reasons []string
	for _, b := range l.backends {
		dec, err := b.Open(name, data)
		if err == nil {
			l.logger.Debug().Str("path", path).Str("backend", b.Name()).Msg("module loaded")
			return &Module{
				Path:     path,
				Backend:  b.Name(),
				Decoder:  dec,
				Metadata: l.metadata(dec, data),
			}, nil
		}
		if !errors.Is(err, ErrUnsupportedFormat) {
			l.logger.Warn().Err(err).Str("path", path).Str("backend", b.Name()).Msg("backend failed to open module")
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", b.Name(), err))
	}

	hint := ""
	if info, err := ParseModuleInfo(data); err == nil {
		hint = fmt.Sprintf(" (looks like %s)", info.Format)
	}
	l.logger.Error().Str("path", path).Strs("tried", l.Backends()).Msg("no backend accepts module")
	return nil, &LoadError{
		Kind: Unsupported,
		Path: path,
		Err:  fmt.Errorf("rejected by every backend%s: %s", hint, strings.Join(reasons, "; ")),
	}
}

// metadata берёт сведения движка и дополняет их заголовком модуля.
func (l *Loader) metadata(dec Decoder, data []byte) Metadata {
	var md Metadata
	if p, ok := dec.(MetadataProvider); ok {
		md = p.Metadata()
	}
	if info, err := ParseModuleInfo(data); err == nil {
		md = md.merge(info)
	}
	return md
}

// readSource читает локальный файл или скачивает http(s) URL.
// Скачанное запоминается, чтобы повторная загрузка не ходила в сеть.
func (l *Loader) readSource(path string) ([]byte, error) {
	if !isURL(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readLimited(f)
	}

	if data, ok := l.cache.Get(path); ok {
		l.logger.Debug().Str("url", path).Msg("module served from cache")
		return data, nil
	}
	resp, err := l.client.Get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", resp.Status)
	}
	data, err := readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download module: %w", err)
	}
	l.cache.Add(path, data)
	return data, nil
}

func isURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
