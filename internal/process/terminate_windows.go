//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// StrategyName identifies the termination strategy compiled for this host.
const StrategyName = "windows-handle"

// windowsTerminator ends the process through its native handle. Windows has
// no polite equivalent of SIGTERM for arbitrary children, so both requests
// terminate immediately.
type windowsTerminator struct {
	proc *os.Process
}

func newTerminator(proc *os.Process, _ bool) Terminator {
	return &windowsTerminator{proc: proc}
}

func (t *windowsTerminator) Terminate() error {
	return t.terminate()
}

func (t *windowsTerminator) ForceTerminate() error {
	return t.terminate()
}

func (t *windowsTerminator) terminate() error {
	handle, err := windows.OpenProcess(windows.PROCESS_TERMINATE|windows.SYNCHRONIZE, false, uint32(t.proc.Pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return fmt.Errorf("open process %d: %w", t.proc.Pid, err)
	}
	defer windows.CloseHandle(handle)

	if err := windows.TerminateProcess(handle, 1); err != nil {
		// Access is denied once the process is already terminating.
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return nil
		}
		return fmt.Errorf("terminate process %d: %w", t.proc.Pid, err)
	}
	return nil
}

func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
