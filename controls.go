package modplay

import "time"

// RequestStop просит воркер выйти на следующей итерации и сразу возвращается.
func (c *Controller) RequestStop() {
	c.stopRequested.Store(true)
}

// Stop запрашивает остановку и ждёт до timeout, пока воркер освободит
// декодер и поток. Не успевший воркер бросаем: сеанс переходит в Stopped,
// его дальнейшие события теряются, возвращается ErrStopTimeout.
// Для завершённого сеанса Stop ничего не делает.
func (c *Controller) Stop(timeout time.Duration) error {
	if c.Status().IsTerminal() {
		return nil
	}
	if timeout <= 0 {
		timeout = c.stopTimeout
	}
	c.RequestStop()

	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
	}

	// Воркер мог успеть завершиться сам, пока мы ждали.
	if !c.finish(StatusStopped) {
		return nil
	}
	c.detached.Store(true)
	c.logger.Warn().Dur("timeout", timeout).Msg("worker did not stop in time, abandoning it")
	return ErrStopTimeout
}

// PauseToggle переключает Playing и Paused и возвращает новое состояние.
// После окончания сеанса ничего не меняет.
func (c *Controller) PauseToggle() Status {
	for {
		cur := Status(c.status.Load())
		var next Status
		switch cur {
		case StatusPlaying:
			next = StatusPaused
		case StatusPaused:
			next = StatusPlaying
		default:
			return cur
		}
		if c.status.CompareAndSwap(int32(cur), int32(next)) {
			return next
		}
	}
}

// Pause ставит играющий сеанс на паузу.
func (c *Controller) Pause() {
	c.status.CompareAndSwap(int32(StatusPlaying), int32(StatusPaused))
}

// Resume снимает сеанс с паузы.
func (c *Controller) Resume() {
	c.status.CompareAndSwap(int32(StatusPaused), int32(StatusPlaying))
}

// Seek перематывает на seconds внутри текущей подпесни.
// Воркер применяет перемотку перед следующим чтением.
func (c *Controller) Seek(seconds float64) error {
	if _, ok := c.decoder.(Seeker); !ok {
		return ErrNotSeekable
	}
	if c.Status().IsTerminal() {
		return ErrNoSession
	}
	if seconds < 0 {
		seconds = 0
	}
	if d := c.Session().Duration; d > 0 && seconds > d {
		seconds = d
	}

	c.seekMu.Lock()
	c.seekTo = seconds
	c.hasSeek = true
	c.seekMu.Unlock()
	return nil
}

// SeekBy сдвигает позицию на delta секунд.
func (c *Controller) SeekBy(delta float64) error {
	return c.Seek(c.Position() + delta)
}
