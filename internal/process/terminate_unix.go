//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// StrategyName identifies the termination strategy compiled for this host.
const StrategyName = "posix-signal"

// posixTerminator escalates from SIGTERM to SIGKILL. When the process leads
// its own process group the whole group is signalled.
type posixTerminator struct {
	proc  *os.Process
	group bool
}

func newTerminator(proc *os.Process, group bool) Terminator {
	return &posixTerminator{proc: proc, group: group}
}

func (t *posixTerminator) Terminate() error {
	return t.signal(unix.SIGTERM)
}

func (t *posixTerminator) ForceTerminate() error {
	return t.signal(unix.SIGKILL)
}

func (t *posixTerminator) signal(sig unix.Signal) error {
	// Once the leader is reaped its PID, and with it the group ID, may be
	// reused. os.Process knows when that happened.
	if err := t.proc.Signal(syscall.Signal(0)); errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if t.group {
		if err := unix.Kill(-t.proc.Pid, sig); err == nil {
			return nil
		}
	}
	err := t.proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// exitStatus follows the shell convention of 128+signal for processes
// killed by a signal.
func exitStatus(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
