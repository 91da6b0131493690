package modplay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

type exitReason int

const (
	exitStopped exitReason = iota
	exitClean
	exitFault
)

// run - горутина воркера. Очистка в defer, чтобы даже паника в декодере
// освободила поток и завершила сеанс как сбой.
func (c *Controller) run() {
	outcome, fault := exitFault, error(nil)
	defer func() {
		if r := recover(); r != nil {
			outcome = exitFault
			fault = &PlaybackFault{Path: c.params.Path, Reason: fmt.Sprintf("panic: %v", r)}
		}
		c.cleanup(outcome, fault)
	}()

	outcome, fault = c.loop()
}

// loop: чтение -> уведомления -> запись, пока трек не кончится или нас не остановят.
func (c *Controller) loop() (exitReason, error) {
	var (
		paused bool
		last   = c.Position()
		rate   = c.params.SampleRate
		frames = c.params.BufferFrames
	)
	pauser, _ := c.sink.(Pauser)
	softVolume := c.setupVolume()

	for {
		if c.stopRequested.Load() {
			return exitStopped, nil
		}

		// Пауза: ни декодер, ни поток не трогаем.
		if c.Status() == StatusPaused {
			if !paused {
				paused = true
				if pauser != nil {
					pauser.Pause()
				}
				c.logger.Debug().Float64("position", last).Msg("paused")
			}
			time.Sleep(c.params.PollInterval)
			continue
		}
		if paused {
			paused = false
			if pauser != nil {
				pauser.Resume()
			}
			c.logger.Debug().Float64("position", last).Msg("resumed")
		}

		if seconds, ok := c.takeSeek(); ok {
			if err := c.decoder.(Seeker).SeekSeconds(seconds); err != nil {
				c.logger.Warn().Err(err).Float64("seek", seconds).Msg("seek failed")
			} else {
				last = c.decoder.Position()
				c.storePosition(last)
				c.logger.Debug().Float64("seek", seconds).Float64("position", last).Msg("seeked")
			}
		}

		n, pcm, err := c.decoder.ReadChunk(rate, frames)
		songEnd := c.drainNotifications()

		if err != nil || n < 0 {
			if err == nil {
				err = fmt.Errorf("read_chunk returned %d", n)
			}
			return exitFault, &PlaybackFault{Path: c.params.Path, Reason: "decode error", Err: err}
		}
		if songEnd != nil {
			if !songEnd.Happy {
				return exitFault, &PlaybackFault{Path: c.params.Path, Reason: "song end: " + songEnd.Reason}
			}
			c.logger.Debug().Str("reason", songEnd.Reason).Msg("song end notification")
			return exitClean, nil
		}
		if n == 0 {
			return exitClean, nil
		}

		size := n * BytesPerFrame
		if len(pcm) < size {
			return exitFault, &PlaybackFault{
				Path:   c.params.Path,
				Reason: fmt.Sprintf("short chunk: %d frames in %d bytes", n, len(pcm)),
			}
		}
		pcm = pcm[:size]
		if softVolume {
			scalePCM(pcm, c.params.Volume)
		}

		// Запись блокируется, пока в буфере устройства нет места.
		if err := c.sink.Write(pcm); err != nil {
			var de *DeviceError
			if !errors.As(err, &de) {
				err = &DeviceError{Op: "write", Err: err}
			}
			return exitFault, err
		}
		c.frames.Add(int64(n))
		c.bytes.Add(int64(size))

		if c.stopRequested.Load() {
			continue
		}

		// Позиция не откатывается назад между перемотками.
		pos := c.decoder.Position()
		if pos < last {
			pos = last
		}
		last = pos
		total := c.decoder.Duration()
		c.storePosition(pos)
		c.storeDuration(total)
		if c.emitting() {
			c.obs.position(pos, total)
		}
	}
}

// drainNotifications пересылает сообщения и возвращает уведомление о конце
// песни, если последнее чтение его подняло.
func (c *Controller) drainNotifications() *Notification {
	var end *Notification
	for _, note := range c.decoder.PollNotifications() {
		switch note.Kind {
		case NotificationMessage:
			c.logger.Warn().Str("text", note.Text).Msg("decoder message")
			if c.emitting() {
				c.obs.message(note.Text)
			}
		case NotificationSongEnd:
			if end == nil || !note.Happy {
				end = &note
			}
		}
	}
	return end
}

// setupVolume отдаёт громкость потоку, если он умеет её менять,
// и сообщает, нужно ли масштабировать сэмплы программно.
func (c *Controller) setupVolume() bool {
	if v, ok := c.sink.(VolumeSetter); ok {
		v.SetVolume(c.params.Volume)
		return false
	}
	return c.params.Volume < 1
}

// scalePCM умножает int16 сэмплы на volume на месте.
func scalePCM(pcm []byte, volume float64) {
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * volume
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s)))
	}
}

// cleanup закрывает поток, освобождает декодер и фиксирует конечное состояние.
// Finished - последнее, что наблюдатель слышит от сеанса.
func (c *Controller) cleanup(outcome exitReason, fault error) {
	defer c.closeDone()

	if err := guard(c.sink.Close); err != nil {
		c.logger.Warn().Err(err).Msg("closing audio stream")
		if outcome == exitClean {
			outcome, fault = exitFault, err
		}
	}
	if err := guard(func() error { c.decoder.Free(); return nil }); err != nil {
		c.logger.Warn().Err(err).Msg("freeing module")
	}

	// Остановка, запрошенная пока мы закрывались, важнее естественного конца.
	if outcome != exitStopped && c.stopRequested.Load() {
		if fault != nil {
			c.logger.Warn().Err(fault).Msg("fault after stop request")
		}
		outcome = exitStopped
	}

	if outcome == exitStopped {
		if c.finish(StatusStopped) {
			c.logger.Info().Float64("position", c.Position()).Msg("playback stopped")
		} else if c.detached.Load() {
			c.logger.Debug().Msg("abandoned worker exited")
		}
		return
	}

	reason := FinishClean
	if outcome == exitFault {
		reason = FinishFault
		c.logger.Error().Err(fault).Float64("position", c.Position()).Msg("playback fault")
	}
	if c.finish(StatusFinished) {
		c.logger.Info().Stringer("reason", reason).Int64("frames", c.frames.Load()).Msg("playback finished")
		if err := guard(func() error { c.obs.finished(reason); return nil }); err != nil {
			c.logger.Error().Err(err).Msg("finished callback")
		}
	}
}

// guard вызывает fn и превращает панику в ошибку.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
