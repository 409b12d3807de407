//go:build !unix

package shepherd

import "syscall"

func detachAttr() *syscall.SysProcAttr {
	return nil
}
