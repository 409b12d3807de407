package models

import "time"

type ProcessStatus string

const (
	StatusRunning ProcessStatus = "running"
	StatusExited  ProcessStatus = "exited"
	// StatusStopped marks records whose process vanished without an exit
	// report, e.g. after the shepherd itself was restarted.
	StatusStopped ProcessStatus = "stopped"
)

type Process struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	WorkDir   string        `json:"work_dir,omitempty"`
	PTY       bool          `json:"pty"`
	Status    ProcessStatus `json:"status"`
	PID       *int          `json:"pid"`
	ExitCode  *int          `json:"exit_code"`
	CreatedAt time.Time     `json:"created_at"`
	ExitedAt  *time.Time    `json:"exited_at"`
}

// Argv returns the full command line.
func (p Process) Argv() []string {
	return append([]string{p.Command}, p.Args...)
}

type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type HealthResponse struct {
	Status      string  `json:"status"`
	Checks      []Check `json:"checks"`
	Termination string  `json:"termination"`
	Shepherd    bool    `json:"shepherd"`
}
