package procmgr

import (
	"fmt"
	"time"
)

// Stream identifies which standard stream a chunk was read from.
type Stream byte

const (
	StreamStdout Stream = 1
	StreamStderr Stream = 2
)

// String returns the stream's conventional name.
func (s Stream) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", byte(s))
	}
}

// Chunk is a piece of process output tagged with its stream.
type Chunk struct {
	Stream Stream `json:"stream"`
	Data   []byte `json:"data"`
}

// StartRequest describes a session to start.
type StartRequest struct {
	ID   string   `json:"id,omitempty"`
	Argv []string `json:"argv"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
	PTY  bool     `json:"pty,omitempty"`
	Rows uint16   `json:"rows,omitempty"`
	Cols uint16   `json:"cols,omitempty"`
}

// Status is the coarse state reported for a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Info is a snapshot of a session.
type Info struct {
	ID        string     `json:"id"`
	PID       int        `json:"pid"`
	Argv      []string   `json:"argv"`
	Dir       string     `json:"dir,omitempty"`
	PTY       bool       `json:"pty"`
	Status    Status     `json:"status"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}
