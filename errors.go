package modplay

import (
	"errors"
	"fmt"
)

var (
	ErrUnreadable        = errors.New("module unreadable")
	ErrUnsupported       = errors.New("module format unsupported")
	ErrUnsupportedFormat = errors.New("format rejected by backend")
	ErrStopTimeout       = errors.New("worker did not stop in time")
	ErrNoSession         = errors.New("no active session")
	ErrStartCancelled    = errors.New("start cancelled by stop")
	ErrNotSeekable       = errors.New("decoder cannot seek")
	ErrNoSubsongs        = errors.New("decoder has no sub-songs")
	ErrUnknownModule     = errors.New("unknown module header")
)

// LoadErrorKind различает два вида ошибок загрузки модуля.
type LoadErrorKind int

const (
	Unreadable LoadErrorKind = iota
	Unsupported
)

func (k LoadErrorKind) String() string {
	if k == Unsupported {
		return "unsupported"
	}
	return "unreadable"
}

// LoadError возвращается синхронно из Loader.Load и Player.Start.
// В этот момент нет ни воркера, ни открытого потока.
type LoadError struct {
	Kind LoadErrorKind
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load %s: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("load %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is сопоставляет ErrUnreadable и ErrUnsupported по виду ошибки.
func (e *LoadError) Is(target error) bool {
	switch target {
	case ErrUnreadable:
		return e.Kind == Unreadable
	case ErrUnsupported:
		return e.Kind == Unsupported
	}
	return false
}

// PlaybackFault - ошибка декодирования посреди сеанса. Повторов не делаем:
// нативному декодеру после сбоя доверять нельзя.
type PlaybackFault struct {
	Path   string
	Reason string
	Err    error
}

func (e *PlaybackFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("playback fault in %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("playback fault in %s: %s", e.Path, e.Reason)
}

func (e *PlaybackFault) Unwrap() error { return e.Err }

// DeviceError оборачивает сбой аудиовывода при открытии или записи.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
