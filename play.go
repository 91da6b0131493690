package modplay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionParams содержит настройки одного сеанса воспроизведения.
type SessionParams struct {
	Path string

	// Subsong выбирает подпесню. DefaultSubsong оставляет ту, что указана в
	// самом модуле; ноль - первая подпесня.
	Subsong int

	SampleRate   int
	BufferFrames int

	// Volume от 0 до 1. Ноль означает "не задано" и играет на полной
	// громкости, тишина задаётся отрицательным значением.
	Volume float64

	// StartAt - позиция в секундах, на которую перематываем до первого чтения.
	StartAt float64

	// PollInterval - пауза между проверками в режиме паузы.
	PollInterval time.Duration
}

// Player владеет единственным активным сеансом приложения.
// Новый сеанс сначала останавливает предыдущий.
type Player struct {
	loader      *Loader
	sinks       SinkOpener
	logger      zerolog.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	current *Controller
	// stops растёт при каждом Stop, stopping > 0 пока Stop ждёт воркер.
	// Start, пересекшийся со Stop, отменяется.
	stops    uint64
	stopping int
}

// PlayerOption настраивает Player.
type PlayerOption func(*Player)

// WithLogger задаёт логгер плеера и всех его сеансов.
func WithLogger(logger zerolog.Logger) PlayerOption {
	return func(p *Player) { p.logger = logger }
}

// WithStopTimeout ограничивает ожидание воркера при остановке.
func WithStopTimeout(d time.Duration) PlayerOption {
	return func(p *Player) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// NewPlayer создаёт плеер, который загружает модули через loader
// и играет их в потоки, открытые через sinks.
func NewPlayer(loader *Loader, sinks SinkOpener, opts ...PlayerOption) *Player {
	p := &Player{
		loader:      loader,
		sinks:       sinks,
		logger:      zerolog.Nop(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start заменяет текущий сеанс и начинает играть params.Path.
// Ошибки загрузки и устройства возвращаются сразу: воркер не запускается,
// открытых потоков не остаётся. Если во время Start был вызван Stop,
// возвращается ErrStartCancelled.
//
// Мьютекс не удерживается во время ожидания воркера, поэтому Start можно
// вызывать из колбэка Finished.
func (p *Player) Start(params SessionParams, obs Observer) (*Controller, error) {
	p.mu.Lock()
	stops := p.stops
	prev := p.current
	p.current = nil
	p.mu.Unlock()

	p.stopSession(prev, "previous session abandoned")

	params = validateParams(params)
	id := uuid.New()
	logger := p.logger.With().Str("session", id.String()).Str("path", params.Path).Logger()

	// 1. Загружаем модуль.
	mod, err := p.loader.Load(params.Path)
	if err != nil {
		return nil, err
	}
	dec := mod.Decoder

	// 2. Выбираем подпесню и стартовую позицию.
	subsong := DefaultSubsong
	if sel, ok := dec.(SubsongSelector); ok {
		r := sel.Subsongs()
		subsong = r.Default
		if params.Subsong != DefaultSubsong {
			if err := sel.SelectSubsong(params.Subsong); err != nil {
				logger.Warn().Err(err).Int("subsong", params.Subsong).Msg("sub-song not available, playing default")
			} else {
				subsong = params.Subsong
			}
		}
	}
	if params.StartAt > 0 {
		if s, ok := dec.(Seeker); ok {
			if err := s.SeekSeconds(params.StartAt); err != nil {
				logger.Warn().Err(err).Float64("start_at", params.StartAt).Msg("initial seek failed")
			}
		}
	}

	// 3. Открываем поток вывода.
	sink, err := p.sinks.Open(params.SampleRate, params.BufferFrames)
	if err != nil {
		dec.Free()
		logger.Error().Err(err).Msg("audio device unavailable")
		var de *DeviceError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DeviceError{Op: "open", Err: err}
	}

	// 4. Отдаём всё новому воркеру, если нас не остановили по дороге.
	c := newController(id, params, mod, subsong, sink, obs, logger, p.stopTimeout)

	p.mu.Lock()
	if p.stops != stops || p.stopping > 0 {
		p.mu.Unlock()
		if err := guard(sink.Close); err != nil {
			logger.Warn().Err(err).Msg("closing audio stream")
		}
		dec.Free()
		logger.Info().Msg("start cancelled by stop")
		return nil, ErrStartCancelled
	}
	// Параллельный Start проиграл гонку, его сеанс останавливаем.
	lost := p.current
	p.current = c
	logger.Info().
		Str("backend", mod.Backend).
		Int("subsong", subsong).
		Int("rate", params.SampleRate).
		Float64("duration", c.Session().Duration).
		Msg("playback started")
	c.start()
	p.mu.Unlock()

	p.stopSession(lost, "concurrent session abandoned")
	return c, nil
}

func (p *Player) stopSession(c *Controller, msg string) {
	if c == nil {
		return
	}
	if err := c.Stop(p.stopTimeout); err != nil {
		p.logger.Warn().Err(err).Str("session", c.ID().String()).Msg(msg)
	}
}

// Stop останавливает текущий сеанс и отменяет незавершённые Start.
func (p *Player) Stop() error {
	p.mu.Lock()
	p.stops++
	p.stopping++
	c := p.current
	p.current = nil
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.stopping--
		p.mu.Unlock()
	}()

	if c == nil {
		return ErrNoSession
	}
	return c.Stop(p.stopTimeout)
}

// Current возвращает контроллер активного сеанса или nil.
func (p *Player) Current() *Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Loader возвращает загрузчик, с которым создан плеер.
func (p *Player) Loader() *Loader { return p.loader }
