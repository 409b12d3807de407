package process

import "errors"

// Sentinel errors for the process package.
var (
	// ErrStdinClosed is returned when the child closed its end of stdin while
	// it is still running. Protocols that expect the peer to stop reading
	// early can treat it as a normal state.
	ErrStdinClosed = errors.New("process: stdin closed by peer")

	// ErrProcessExited is returned when input is sent to a process that has
	// already terminated.
	ErrProcessExited = errors.New("process: process exited")

	// ErrResizeUnsupported is returned by ResizeTerminal for processes that
	// are not attached to a pseudo-terminal.
	ErrResizeUnsupported = errors.New("process: terminal resize not supported")

	// ErrEmptyCommand is returned by Start when no program is given.
	ErrEmptyCommand = errors.New("process: empty command")
)
