package modplay

// Sink - открытый поток вывода. Write блокируется, пока буфер устройства
// полон: так задаётся темп цикла воркера.
type Sink interface {
	Write(pcm []byte) error
	// Close доигрывает очередь и освобождает поток.
	// Повторный вызов ничего не делает.
	Close() error
}

// SinkOpener открывает блокирующий 16-битный стерео поток.
type SinkOpener interface {
	Open(sampleRate, bufferFrames int) (Sink, error)
}

// Pauser реализуют потоки, умеющие придержать очередь на время паузы.
type Pauser interface {
	Pause()
	Resume()
}

// VolumeSetter реализуют потоки с регулятором громкости. Громкость 0..1.
type VolumeSetter interface {
	SetVolume(volume float64)
}

// SinkFunc превращает функцию в SinkOpener.
type SinkFunc func(sampleRate, bufferFrames int) (Sink, error)

func (f SinkFunc) Open(sampleRate, bufferFrames int) (Sink, error) {
	return f(sampleRate, bufferFrames)
}
