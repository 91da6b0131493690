//go:build libxmp && cgo

package modplay

/*
#cgo LDFLAGS: -lxmp
#include <xmp.h>
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

// TrackerAvailable сообщает, собрана ли программа с libxmp.
const TrackerAvailable = true

// TrackerBackend декодирует трекерные модули (MOD, XM, IT, S3M и всё,
// что знает libxmp) через libxmp.
type TrackerBackend struct{}

func NewTrackerBackend() *TrackerBackend { return &TrackerBackend{} }

func (b *TrackerBackend) Name() string { return "libxmp" }

func (b *TrackerBackend) Open(path string, data []byte) (Decoder, error) {
	ctx := C.xmp_create_context()
	if ctx == nil {
		return nil, errors.New("xmp_create_context failed")
	}

	mem := C.CBytes(data)
	defer C.free(mem)

	if rc := C.xmp_load_module_from_memory(ctx, mem, C.long(len(data))); rc != 0 {
		C.xmp_free_context(ctx)
		return nil, fmt.Errorf("xmp_load_module_from_memory: %d: %w", int(rc), ErrUnsupportedFormat)
	}

	d := &xmpDecoder{ctx: ctx}
	d.readModuleInfo()
	return d, nil
}

type xmpDecoder struct {
	ctx     C.xmp_context
	started bool
	rate    int

	buf     unsafe.Pointer
	bufSize int

	metadata  Metadata
	sequences []xmpSequence
	subsong   int
	sequence  int

	// startMs - время модуля, с которого начинается текущая подпесня.
	startMs     int
	needBase    bool
	pendingSeek float64
	hasSeek     bool
	produced    int64
	seekBase    float64

	commentSent bool
	comment     string
	notes       []Notification
	freed       bool
}

type xmpSequence struct {
	entryPoint int
	durationMs int
}

func (d *xmpDecoder) readModuleInfo() {
	var info C.struct_xmp_module_info
	C.xmp_get_module_info(d.ctx, &info)

	if info.comment != nil {
		d.comment = C.GoString(info.comment)
	}
	if info.mod != nil {
		mod := info.mod
		d.metadata = Metadata{
			Title:     C.GoString(&mod.name[0]),
			Format:    C.GoString(&mod._type[0]),
			Comment:   d.comment,
			Channels:  int(mod.chn),
			Positions: int(mod.len),
			Patterns:  int(mod.pat),
		}
		if n := int(mod.ins); n > 0 && mod.xxi != nil {
			insts := unsafe.Slice(mod.xxi, n)
			for i := range insts {
				d.metadata.Instruments = append(d.metadata.Instruments, Instrument{
					Index:  i + 1,
					Name:   C.GoString(&insts[i].name[0]),
					Volume: int(insts[i].vol),
				})
			}
		}
	}

	if n := int(info.num_sequences); n > 0 && info.seq_data != nil {
		for _, s := range unsafe.Slice(info.seq_data, n) {
			d.sequences = append(d.sequences, xmpSequence{
				entryPoint: int(s.entry_point),
				durationMs: int(s.duration),
			})
		}
	}
}

// start (пере)запускает движок на частоте rate и применяет выбор подпесни,
// сделанный до первого чтения.
func (d *xmpDecoder) start(rate int) error {
	if d.started {
		C.xmp_end_player(d.ctx)
		d.started = false
	}
	if rc := C.xmp_start_player(d.ctx, C.int(rate), 0); rc != 0 {
		return fmt.Errorf("xmp_start_player at %d Hz: %d", rate, int(rc))
	}
	d.started = true
	d.rate = rate

	if d.subsong > 0 && d.subsong < len(d.sequences) {
		C.xmp_set_position(d.ctx, C.int(d.sequences[d.subsong].entryPoint))
		d.needBase = true
	}
	if d.hasSeek {
		d.hasSeek = false
		return d.seek(d.pendingSeek)
	}
	return nil
}

func (d *xmpDecoder) Duration() float64 {
	if d.subsong < len(d.sequences) {
		return float64(d.sequences[d.subsong].durationMs) / 1000
	}
	return 0
}

func (d *xmpDecoder) ReadChunk(sampleRate, frames int) (int, []byte, error) {
	if d.freed {
		return 0, nil, errors.New("decoder already freed")
	}
	if !d.started || sampleRate != d.rate {
		if err := d.start(sampleRate); err != nil {
			return 0, nil, err
		}
	}

	size := frames * BytesPerFrame
	if size > d.bufSize {
		if d.buf != nil {
			C.free(d.buf)
		}
		d.buf = C.malloc(C.size_t(size))
		d.bufSize = size
	}

	if !d.commentSent {
		d.commentSent = true
		if d.comment != "" {
			d.notes = append(d.notes, MessageNotification(d.comment))
		}
	}

	rc := C.xmp_play_buffer(d.ctx, d.buf, C.int(size), 1)
	if rc == -C.XMP_END {
		d.notes = append(d.notes, SongEndNotification(true, "module end"))
		return 0, nil, nil
	}
	if rc < 0 {
		return int(rc), nil, fmt.Errorf("xmp_play_buffer: %d", int(rc))
	}

	var fi C.struct_xmp_frame_info
	C.xmp_get_frame_info(d.ctx, &fi)
	if d.needBase {
		d.needBase = false
		d.sequence = int(fi.sequence)
		d.startMs = int(fi.time) - int(framesToSeconds(int64(frames), sampleRate)*1000)
	}
	if int(fi.sequence) != d.sequence {
		d.notes = append(d.notes, SongEndNotification(true, "sub-song end"))
	}

	d.produced += int64(frames)
	return frames, C.GoBytes(d.buf, C.int(size)), nil
}

func (d *xmpDecoder) PollNotifications() []Notification {
	notes := d.notes
	d.notes = nil
	return notes
}

func (d *xmpDecoder) Position() float64 {
	return d.seekBase + framesToSeconds(d.produced, d.rate)
}

func (d *xmpDecoder) SeekSeconds(seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}
	if !d.started {
		d.pendingSeek = seconds
		d.hasSeek = true
		return nil
	}
	return d.seek(seconds)
}

func (d *xmpDecoder) seek(seconds float64) error {
	if rc := C.xmp_seek_time(d.ctx, C.int(d.startMs+int(seconds*1000))); rc < 0 {
		return fmt.Errorf("xmp_seek_time: %d", int(rc))
	}
	d.seekBase = seconds
	d.produced = 0
	return nil
}

func (d *xmpDecoder) Subsongs() SubsongRange {
	return SubsongRange{Min: 0, Max: len(d.sequences) - 1, Default: 0, Current: d.subsong}
}

func (d *xmpDecoder) SelectSubsong(n int) error {
	if len(d.sequences) == 0 {
		return ErrNoSubsongs
	}
	if n < 0 || n >= len(d.sequences) {
		return fmt.Errorf("sub-song %d out of range 0..%d", n, len(d.sequences)-1)
	}
	d.subsong = n
	d.seekBase = 0
	d.produced = 0
	if d.started {
		C.xmp_set_position(d.ctx, C.int(d.sequences[n].entryPoint))
		d.needBase = true
	}
	return nil
}

func (d *xmpDecoder) Metadata() Metadata { return d.metadata }

func (d *xmpDecoder) Free() {
	if d.freed {
		return
	}
	d.freed = true
	if d.started {
		C.xmp_end_player(d.ctx)
	}
	C.xmp_release_module(d.ctx)
	C.xmp_free_context(d.ctx)
	if d.buf != nil {
		C.free(d.buf)
		d.buf = nil
	}
}
