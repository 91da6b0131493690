package modplay

// NotificationKind различает внеполосные события декодера.
type NotificationKind int

const (
	// NotificationMessage - информационное сообщение движка.
	NotificationMessage NotificationKind = iota

	// NotificationSongEnd завершает сеанс. Happy=false - движок поперхнулся.
	NotificationSongEnd
)

// Notification поднимает декодер во время ReadChunk, а PollNotifications
// забирает их до следующего чтения.
type Notification struct {
	Kind   NotificationKind
	Text   string
	Happy  bool
	Reason string
}

// MessageNotification создаёт информационное уведомление.
func MessageNotification(text string) Notification {
	return Notification{Kind: NotificationMessage, Text: text}
}

// SongEndNotification создаёт уведомление о конце песни.
func SongEndNotification(happy bool, reason string) Notification {
	return Notification{Kind: NotificationSongEnd, Happy: happy, Reason: reason}
}

// Observer получает события из горутины воркера. Все поля необязательны.
// Колбэки выполняются в воркере: не блокируйте их, передавайте работу
// в свой цикл событий.
type Observer struct {
	// PositionChanged вызывается после каждого записанного куска.
	PositionChanged func(elapsed, total float64)

	// Message пересылает сообщения декодера.
	Message func(text string)

	// Finished - последнее событие сеанса, закончившегося самостоятельно.
	// Приходит после закрытия потока и освобождения декодера.
	// Для остановленного сеанса не приходит.
	Finished func(reason FinishReason)
}

func (o Observer) position(elapsed, total float64) {
	if o.PositionChanged != nil {
		o.PositionChanged(elapsed, total)
	}
}

func (o Observer) message(text string) {
	if o.Message != nil {
		o.Message(text)
	}
}

func (o Observer) finished(reason FinishReason) {
	if o.Finished != nil {
		o.Finished(reason)
	}
}
