//go:build !unix && !windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

// StrategyName identifies the termination strategy compiled for this host.
const StrategyName = "os-kill"

type killTerminator struct {
	proc *os.Process
}

func newTerminator(proc *os.Process, _ bool) Terminator {
	return &killTerminator{proc: proc}
}

func (t *killTerminator) Terminate() error {
	return t.ForceTerminate()
}

func (t *killTerminator) ForceTerminate() error {
	if err := t.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func configureProcessGroup(*exec.Cmd) {}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
