//go:build windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Console interrupts do not reach a detached child's descendants, so callers
// fall back to killing the tree.
func interruptGroup(pid int) error {
	return errors.ErrUnsupported
}

func killGroup(pid int) error {
	return killTree(pid)
}

func exitSignal(state *os.ProcessState) string {
	return ""
}
