package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/peterje/conduit/internal/models"
	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/pty"
)

// CheckAll runs every host check against the given state directory.
func CheckAll(stateDir string) []models.Check {
	return []models.Check{
		checkShell(),
		checkTermination(),
		checkPTY(),
		checkStateDir(stateDir),
	}
}

// Passed reports whether every check succeeded.
func Passed(checks []models.Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Health builds the /api/health payload from a check run.
func Health(checks []models.Check, shepherd bool) models.HealthResponse {
	status := "ok"
	if !Passed(checks) {
		status = "degraded"
	}
	return models.HealthResponse{
		Status:      status,
		Checks:      checks,
		Termination: process.StrategyName,
		Shepherd:    shepherd,
	}
}

// Print writes a human-readable report.
func Print(w io.Writer, checks []models.Check) {
	for _, c := range checks {
		mark := "✓"
		if !c.OK {
			mark = "⚠"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s (%s)\n", mark, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", mark, c.Name)
		}
	}
}

// DefaultShell returns the shell used for interactive sessions.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		if s := os.Getenv("ComSpec"); s != "" {
			return s
		}
		return "cmd.exe"
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

func checkShell() models.Check {
	shell := DefaultShell()
	path, err := exec.LookPath(shell)
	if err != nil {
		return models.Check{Name: "shell", OK: false, Detail: fmt.Sprintf("%s not found", shell)}
	}
	return models.Check{Name: "shell", OK: true, Detail: path}
}

func checkTermination() models.Check {
	return models.Check{Name: "termination", OK: true, Detail: process.StrategyName}
}

func checkPTY() models.Check {
	if !pty.Supported() {
		return models.Check{Name: "pty", OK: false, Detail: "pseudo-terminals unavailable, pty sessions will fail"}
	}
	return models.Check{Name: "pty", OK: true}
}

func checkStateDir(dir string) models.Check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.Check{Name: "state_dir", OK: false, Detail: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return models.Check{Name: "state_dir", OK: false, Detail: err.Error()}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return models.Check{Name: "state_dir", OK: true, Detail: dir}
}
