package modplay

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Controller - один сеанс воспроизведения. Декодером и потоком владеет
// единственная горутина воркера, методы можно вызывать из любой горутины.
type Controller struct {
	id          uuid.UUID
	params      SessionParams
	module      *Module
	subsong     int
	decoder     Decoder
	sink        Sink
	obs         Observer
	logger      zerolog.Logger
	stopTimeout time.Duration

	status        atomic.Int32
	stopRequested atomic.Bool
	// detached ставится, когда Stop перестал ждать. Воркер может ещё работать,
	// но его события наблюдателю больше не доходят.
	detached atomic.Bool

	position atomic.Uint64 // биты float64
	duration atomic.Uint64 // биты float64
	frames   atomic.Int64
	bytes    atomic.Int64

	seekMu  sync.Mutex
	seekTo  float64
	hasSeek bool

	done      chan struct{}
	closeOnce sync.Once
}

// Session - снимок состояния Controller.
type Session struct {
	ID            uuid.UUID
	Path          string
	Backend       string
	Subsong       int
	SampleRate    int
	BufferFrames  int
	FramesEmitted int64
	BytesEmitted  int64
	Duration      float64
	Position      float64
	Status        Status
}

func newController(id uuid.UUID, params SessionParams, mod *Module, subsong int, sink Sink, obs Observer, logger zerolog.Logger, stopTimeout time.Duration) *Controller {
	c := &Controller{
		id:          id,
		params:      params,
		module:      mod,
		subsong:     subsong,
		decoder:     mod.Decoder,
		sink:        sink,
		obs:         obs,
		logger:      logger,
		stopTimeout: stopTimeout,
		done:        make(chan struct{}),
	}
	c.status.Store(int32(StatusPlaying))
	c.storeDuration(mod.Decoder.Duration())
	if params.StartAt > 0 {
		c.storePosition(mod.Decoder.Position())
	}
	return c
}

func (c *Controller) start() {
	go c.run()
}

// ID возвращает идентификатор сеанса.
func (c *Controller) ID() uuid.UUID { return c.id }

// Done закрывается, когда воркер вышел и освободил ресурсы.
// Для брошенного Stop и зависшего воркера не закрывается никогда.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Status возвращает текущее состояние.
func (c *Controller) Status() Status { return Status(c.status.Load()) }

// Position возвращает последнюю позицию, сообщённую наблюдателю, в секундах.
func (c *Controller) Position() float64 {
	return math.Float64frombits(c.position.Load())
}

// Metadata возвращает сведения об играющем модуле.
func (c *Controller) Metadata() Metadata { return c.module.Metadata }

// Session возвращает снимок сеанса.
func (c *Controller) Session() Session {
	return Session{
		ID:            c.id,
		Path:          c.params.Path,
		Backend:       c.module.Backend,
		Subsong:       c.subsong,
		SampleRate:    c.params.SampleRate,
		BufferFrames:  c.params.BufferFrames,
		FramesEmitted: c.frames.Load(),
		BytesEmitted:  c.bytes.Load(),
		Duration:      math.Float64frombits(c.duration.Load()),
		Position:      c.Position(),
		Status:        c.Status(),
	}
}

func (c *Controller) storePosition(p float64) {
	c.position.Store(math.Float64bits(p))
}

func (c *Controller) storeDuration(d float64) {
	c.duration.Store(math.Float64bits(d))
}

// takeSeek забирает отложенный запрос перемотки.
func (c *Controller) takeSeek() (float64, bool) {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()
	if !c.hasSeek {
		return 0, false
	}
	c.hasSeek = false
	return c.seekTo, true
}

// emitting сообщает, можно ли воркеру ещё обращаться к наблюдателю.
func (c *Controller) emitting() bool {
	return !c.detached.Load() && !c.Status().IsTerminal()
}

// finish переводит сеанс в конечное состояние. Возвращает false, если
// состояние уже было конечным, например после брошенного Stop.
func (c *Controller) finish(to Status) bool {
	for {
		cur := c.status.Load()
		if Status(cur).IsTerminal() {
			return false
		}
		if c.status.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (c *Controller) closeDone() {
	c.closeOnce.Do(func() { close(c.done) })
}
