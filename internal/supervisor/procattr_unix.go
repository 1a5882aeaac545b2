//go:build unix

package supervisor

import (
	"os"
	"syscall"
)

// The backend leads its own process group so one signal reaches the tool,
// the interpreter it launches and any workers.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func interruptGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

func killGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

func exitSignal(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
