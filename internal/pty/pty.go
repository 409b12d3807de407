// Package pty starts managed processes attached to a pseudo-terminal.
//
// Terminal-backed processes expose the same process.Handle surface as
// pipe-backed ones. The terminal merges stdout and stderr, so the stderr
// channel is closed from the start, and ResizeTerminal is supported.
package pty

import "errors"

// ErrUnsupported is returned by Start on platforms without pseudo-terminals.
var ErrUnsupported = errors.New("pty: not supported on this platform")

// Size is a terminal size in character cells.
type Size struct {
	Rows uint16
	Cols uint16
}

// DefaultSize is used when a caller does not pick a size.
var DefaultSize = Size{Rows: 40, Cols: 120}

// eot is the byte a terminal translates into end-of-file for the reader.
const eot = 0x04

func (s Size) orDefault() Size {
	if s.Rows == 0 || s.Cols == 0 {
		return DefaultSize
	}
	return s
}
