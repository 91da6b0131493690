package modplay

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Metadata описывает загруженный модуль. Поля, которые не заполнили ни движок,
// ни разбор заголовка, остаются нулевыми.
type Metadata struct {
	Title       string
	Artist      string
	Album       string
	Comment     string
	Format      string
	Tracker     string
	Channels    int
	Positions   int
	Patterns    int
	Instruments []Instrument
}

// Instrument - инструмент или сэмпл трекерного модуля.
type Instrument struct {
	Index      int
	Name       string
	Size       int
	Volume     int
	FineTune   int
	LoopStart  int
	LoopLength int
}

// merge заполняет пустые поля m из other.
func (m Metadata) merge(other Metadata) Metadata {
	if m.Title == "" {
		m.Title = other.Title
	}
	if m.Artist == "" {
		m.Artist = other.Artist
	}
	if m.Album == "" {
		m.Album = other.Album
	}
	if m.Comment == "" {
		m.Comment = other.Comment
	}
	if m.Format == "" {
		m.Format = other.Format
	}
	if m.Tracker == "" {
		m.Tracker = other.Tracker
	}
	if m.Channels == 0 {
		m.Channels = other.Channels
	}
	if m.Positions == 0 {
		m.Positions = other.Positions
	}
	if m.Patterns == 0 {
		m.Patterns = other.Patterns
	}
	if len(m.Instruments) == 0 {
		m.Instruments = other.Instruments
	}
	return m
}

// ParseModuleInfo читает заголовок трекерного модуля. Понимает MOD в духе
// ProTracker, XM, IT, S3M и AHX. Для остального возвращает ErrUnknownModule.
func ParseModuleInfo(data []byte) (Metadata, error) {
	switch {
	case bytes.HasPrefix(data, []byte(xmMagic)):
		return parseXM(data)
	case bytes.HasPrefix(data, []byte("IMPM")):
		return parseIT(data)
	case len(data) >= 48 && string(data[44:48]) == "SCRM":
		return parseS3M(data)
	case bytes.HasPrefix(data, []byte("THX")) && len(data) > 3 && data[3] <= 2:
		return parseAHX(data)
	}
	if len(data) >= modTagOffset+4 {
		if ch, ok := modChannels(string(data[modTagOffset : modTagOffset+4])); ok {
			return parseMOD(data, ch)
		}
	}
	return Metadata{}, ErrUnknownModule
}

const (
	xmMagic       = "Extended Module: "
	modTagOffset  = 1080
	modSampleSize = 30
)

// modChannels переводит метку формата по смещению 1080 в число каналов.
func modChannels(tag string) (int, bool) {
	switch tag {
	case "M.K.", "M!K!", "M&K!", "FLT4", "N.T.":
		return 4, true
	case "FLT8", "CD81", "OKTA", "OCTA":
		return 8, true
	}
	if strings.HasSuffix(tag, "CHN") && tag[0] >= '1' && tag[0] <= '9' {
		return int(tag[0] - '0'), true
	}
	if strings.HasSuffix(tag, "CH") || strings.HasSuffix(tag, "CN") {
		if n, err := strconv.Atoi(tag[:2]); err == nil && n > 0 && n <= 32 {
			return n, true
		}
	}
	return 0, false
}

func parseMOD(data []byte, channels int) (Metadata, error) {
	tag := string(data[modTagOffset : modTagOffset+4])
	md := Metadata{
		Title:     decodeText(data[0:20]),
		Format:    "Protracker MOD (" + tag + ")",
		Tracker:   "Protracker",
		Channels:  channels,
		Positions: int(data[950]),
	}
	if strings.HasPrefix(tag, "FLT") {
		md.Tracker = "Startrekker"
	}

	maxPattern := 0
	for _, p := range data[952 : 952+128] {
		if int(p) > maxPattern {
			maxPattern = int(p)
		}
	}
	md.Patterns = maxPattern + 1

	for i := 0; i < 31; i++ {
		off := 20 + i*modSampleSize
		md.Instruments = append(md.Instruments, Instrument{
			Index:      i + 1,
			Name:       decodeText(data[off : off+22]),
			Size:       int(binary.BigEndian.Uint16(data[off+22:])) * 2,
			FineTune:   int(data[off+24] & 0x0f),
			Volume:     int(data[off+25]),
			LoopStart:  int(binary.BigEndian.Uint16(data[off+26:])) * 2,
			LoopLength: int(binary.BigEndian.Uint16(data[off+28:])) * 2,
		})
	}
	return md, nil
}

func parseXM(data []byte) (Metadata, error) {
	if len(data) < 80 {
		return Metadata{}, ErrUnknownModule
	}
	headerSize := int(binary.LittleEndian.Uint32(data[60:]))
	md := Metadata{
		Title:     decodeText(data[17:37]),
		Format:    "FastTracker II XM",
		Tracker:   decodeText(data[38:58]),
		Positions: int(binary.LittleEndian.Uint16(data[64:])),
		Channels:  int(binary.LittleEndian.Uint16(data[68:])),
		Patterns:  int(binary.LittleEndian.Uint16(data[70:])),
	}
	numInstruments := int(binary.LittleEndian.Uint16(data[72:]))

	// Заголовки инструментов идут после упакованных паттернов.
	off := 60 + headerSize
	for p := 0; p < md.Patterns; p++ {
		if off+9 > len(data) {
			return md, nil
		}
		patHeader := int(binary.LittleEndian.Uint32(data[off:]))
		packed := int(binary.LittleEndian.Uint16(data[off+7:]))
		off += patHeader + packed
	}

	for i := 0; i < numInstruments; i++ {
		if off+29 > len(data) {
			break
		}
		instSize := int(binary.LittleEndian.Uint32(data[off:]))
		inst := Instrument{Index: i + 1, Name: decodeText(data[off+4 : off+26])}
		numSamples := int(binary.LittleEndian.Uint16(data[off+27:]))

		sampleHeaderSize := 0
		if numSamples > 0 && off+33 <= len(data) {
			sampleHeaderSize = int(binary.LittleEndian.Uint32(data[off+29:]))
		}
		if instSize <= 0 {
			break
		}
		off += instSize

		sampleData := 0
		for s := 0; s < numSamples; s++ {
			if off+sampleHeaderSize > len(data) || off+16 > len(data) {
				md.Instruments = append(md.Instruments, inst)
				return md, nil
			}
			length := int(binary.LittleEndian.Uint32(data[off:]))
			if s == 0 {
				inst.Size = length
				inst.LoopStart = int(binary.LittleEndian.Uint32(data[off+4:]))
				inst.LoopLength = int(binary.LittleEndian.Uint32(data[off+8:]))
				inst.Volume = int(data[off+12])
				inst.FineTune = int(int8(data[off+13]))
			}
			sampleData += length
			off += sampleHeaderSize
		}
		off += sampleData
		md.Instruments = append(md.Instruments, inst)
	}
	return md, nil
}

func parseS3M(data []byte) (Metadata, error) {
	if len(data) < 0x60 {
		return Metadata{}, ErrUnknownModule
	}
	ordNum := int(binary.LittleEndian.Uint16(data[0x20:]))
	insNum := int(binary.LittleEndian.Uint16(data[0x22:]))
	md := Metadata{
		Title:     decodeText(data[0:28]),
		Format:    "Scream Tracker 3 S3M",
		Tracker:   "Scream Tracker",
		Positions: ordNum,
		Patterns:  int(binary.LittleEndian.Uint16(data[0x24:])),
	}
	for _, c := range data[0x40:0x60] {
		if c < 16 {
			md.Channels++
		}
	}

	ptrs := 0x60 + ordNum
	for i := 0; i < insNum; i++ {
		p := ptrs + i*2
		if p+2 > len(data) {
			break
		}
		off := int(binary.LittleEndian.Uint16(data[p:])) * 16
		if off+0x4c > len(data) {
			continue
		}
		md.Instruments = append(md.Instruments, Instrument{
			Index:      i + 1,
			Name:       decodeText(data[off+0x30 : off+0x4c]),
			Size:       int(binary.LittleEndian.Uint32(data[off+0x10:])),
			LoopStart:  int(binary.LittleEndian.Uint32(data[off+0x14:])),
			LoopLength: int(binary.LittleEndian.Uint32(data[off+0x18:])) - int(binary.LittleEndian.Uint32(data[off+0x14:])),
			Volume:     int(data[off+0x1c]),
		})
	}
	return md, nil
}

func parseIT(data []byte) (Metadata, error) {
	if len(data) < 0xc0 {
		return Metadata{}, ErrUnknownModule
	}
	ordNum := int(binary.LittleEndian.Uint16(data[0x20:]))
	insNum := int(binary.LittleEndian.Uint16(data[0x22:]))
	smpNum := int(binary.LittleEndian.Uint16(data[0x24:]))
	cwt := binary.LittleEndian.Uint16(data[0x28:])
	md := Metadata{
		Title:     decodeText(data[4:30]),
		Format:    "Impulse Tracker IT",
		Tracker:   "Impulse Tracker " + strconv.FormatUint(uint64(cwt>>8&0x0f), 16) + "." + strconv.FormatUint(uint64(cwt&0xff), 16),
		Positions: ordNum,
		Patterns:  int(binary.LittleEndian.Uint16(data[0x26:])),
	}
	for _, pan := range data[0x40:0x80] {
		if pan < 128 {
			md.Channels++
		}
	}

	ptrs := 0xc0 + ordNum + insNum*4
	for i := 0; i < smpNum; i++ {
		p := ptrs + i*4
		if p+4 > len(data) {
			break
		}
		off := int(binary.LittleEndian.Uint32(data[p:]))
		if off+0x3c > len(data) || string(data[off:off+4]) != "IMPS" {
			continue
		}
		md.Instruments = append(md.Instruments, Instrument{
			Index:      i + 1,
			Name:       decodeText(data[off+0x14 : off+0x2e]),
			Volume:     int(data[off+0x13]),
			Size:       int(binary.LittleEndian.Uint32(data[off+0x30:])),
			LoopStart:  int(binary.LittleEndian.Uint32(data[off+0x34:])),
			LoopLength: int(binary.LittleEndian.Uint32(data[off+0x38:])) - int(binary.LittleEndian.Uint32(data[off+0x34:])),
		})
	}
	return md, nil
}

func parseAHX(data []byte) (Metadata, error) {
	if len(data) < 14 {
		return Metadata{}, ErrUnknownModule
	}
	off := int(binary.BigEndian.Uint16(data[4:6]))
	if off >= len(data) {
		return Metadata{}, ErrUnknownModule
	}
	md := Metadata{
		Format:    "AHX",
		Tracker:   "Abyss' Highest eXperience",
		Channels:  4,
		Positions: int(binary.BigEndian.Uint16(data[6:8]) & 0x0fff),
	}
	if data[3] == 0 {
		md.Tracker = "THX"
	}

	title, next := cString(data, off)
	md.Title = title
	off = next
	for i := 0; i < int(data[12]) && off < len(data); i++ {
		name, n := cString(data, off)
		md.Instruments = append(md.Instruments, Instrument{Index: i + 1, Name: name})
		off = n
	}
	return md, nil
}

// cString читает строку до NUL с позиции off и возвращает смещение за ней.
func cString(data []byte, off int) (string, int) {
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return decodeText(data[off:]), len(data)
	}
	return decodeText(data[off : off+end]), off + end + 1
}

// decodeText превращает 8-битное поле заголовка фиксированной длины в UTF-8.
func decodeText(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	s, err := charmap.Windows1251.NewDecoder().Bytes(b)
	if err != nil {
		s = b
	}
	return strings.TrimRight(strings.Map(func(r rune) rune {
		if r < 0x20 {
			return ' '
		}
		return r
	}, string(s)), " ")
}
