package modplay

// Status - состояние сеанса воспроизведения.
type Status int32

const (
	// StatusPlaying: воркер забирает куски у декодера.
	StatusPlaying Status = iota

	// StatusPaused: воркер спит, не трогая декодер и поток.
	StatusPaused

	// StatusStopped: сеанс остановлен извне.
	StatusStopped

	// StatusFinished: сеанс закончился сам (конец песни или сбой).
	StatusFinished
)

// String возвращает строковое представление Status
func (s Status) String() string {
	switch s {
	case StatusPlaying:
		return "Playing"
	case StatusPaused:
		return "Paused"
	case StatusStopped:
		return "Stopped"
	case StatusFinished:
		return "Finished"
	}
	return "Unknown"
}

// IsTerminal сообщает, что из s переходов больше нет.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFinished
}

// FinishReason объясняет наблюдателю, почему сеанс пришёл в StatusFinished.
type FinishReason int

const (
	// FinishClean - естественный конец потока или штатный конец песни.
	FinishClean FinishReason = iota

	// FinishFault - сбой декодера, аварийный конец песни или ошибка устройства.
	FinishFault
)

func (r FinishReason) String() string {
	if r == FinishFault {
		return "fault"
	}
	return "clean"
}
