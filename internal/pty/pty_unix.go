//go:build unix

package pty

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/peterje/conduit/internal/process"
)

// Supported reports whether this platform can start terminal processes.
func Supported() bool {
	return true
}

// Start spawns command on a new pseudo-terminal of the given size.
func Start(host *process.Host, command process.Command, size Size, opts ...process.Option) (*process.Process, error) {
	if len(command.Argv) == 0 || command.Argv[0] == "" {
		return nil, process.ErrEmptyCommand
	}

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)

	size = size.orDefault()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	in := &terminalInput{f: ptmx}
	// The child is a session leader, so its pid doubles as a process group.
	opts = append([]process.Option{
		process.WithProcessGroup(true),
		process.WithResizer(func(cols, rows uint16) error {
			return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
		}),
	}, opts...)

	return process.Wrap(host, cmd.Process, process.Streams{
		Stdin:  in,
		Stdout: ptmx,
	}, opts...), nil
}

// terminalInput writes to the terminal master. Closing it sends end-of-file
// to the foreground program instead of hanging up the terminal, which would
// also cut off its output.
type terminalInput struct {
	f *os.File
}

func (t *terminalInput) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

func (t *terminalInput) Close() error {
	_, err := t.f.Write([]byte{eot})
	return err
}

func (t *terminalInput) SetWriteDeadline(deadline time.Time) error {
	return t.f.SetWriteDeadline(deadline)
}
