//go:build !unix

package shepherd

import "os"

func processAlive(pid int) bool {
	// FindProcess opens a handle on Windows and fails for dead PIDs.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
