//go:build !unix

package pty

import "github.com/peterje/conduit/internal/process"

// Supported reports whether this platform can start terminal processes.
func Supported() bool {
	return false
}

// Start always fails with ErrUnsupported on this platform.
func Start(*process.Host, process.Command, Size, ...process.Option) (*process.Process, error) {
	return nil, ErrUnsupported
}
