package main

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/term"
)

type key int

const (
	keyNone key = iota
	keyPause
	keyNext
	keyPrev
	keyQuit
	keyForward
	keyBack
)

// readKeys переводит терминал в raw-режим и отдаёт нажатия клавиш.
// Без терминала канал nil и не срабатывает никогда.
func readKeys() (<-chan key, func()) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		logger.Warn().Err(err).Msg("raw mode unavailable, keyboard controls disabled")
		return nil, func() {}
	}

	ch := make(chan key, 8)
	go func() {
		buf := make([]byte, 8)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if k := parseKey(buf[:n]); k != keyNone {
				ch <- k
			}
		}
	}()
	return ch, func() { term.Restore(fd, oldState) }
}

func parseKey(b []byte) key {
	switch {
	case bytes.Equal(b, []byte("\x1b[C")):
		return keyForward
	case bytes.Equal(b, []byte("\x1b[D")):
		return keyBack
	case len(b) != 1:
		return keyNone
	}
	switch b[0] {
	case ' ', 'p':
		return keyPause
	case 'n':
		return keyNext
	case 'b':
		return keyPrev
	case 'q', 0x03, 0x1b:
		return keyQuit
	}
	return keyNone
}

// crlfWriter заканчивает строки CRLF для терминала в raw-режиме.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
