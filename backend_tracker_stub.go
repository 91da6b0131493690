//go:build !libxmp || !cgo

package modplay

import "fmt"

// TrackerAvailable сообщает, собрана ли программа с libxmp.
const TrackerAvailable = false

// TrackerBackend - заглушка, отвергающая любой файл. Для трекерных модулей
// соберите с -tags libxmp (и включённым cgo). MOD сыграет ProTrackerBackend.
type TrackerBackend struct{}

func NewTrackerBackend() *TrackerBackend { return &TrackerBackend{} }

func (b *TrackerBackend) Name() string { return "libxmp" }

func (b *TrackerBackend) Open(path string, data []byte) (Decoder, error) {
	return nil, fmt.Errorf("built without libxmp (rebuild with -tags libxmp): %w", ErrUnsupportedFormat)
}
