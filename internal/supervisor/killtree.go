package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotRunning is returned by StopPID when pid is already gone.
var ErrNotRunning = errors.New("process not running")

// StopPID stops a backend owned by another launcher process, e.g. the one
// recorded in the pidfile by an earlier run. The group is interrupted
// first; whatever is still alive after grace is killed.
func StopPID(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if alive, _ := process.PidExistsWithContext(ctx, int32(pid)); !alive {
		return ErrNotRunning
	}
	if err := interruptGroup(pid); err != nil {
		return killTree(pid)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if alive, _ := process.PidExistsWithContext(ctx, int32(pid)); !alive {
				return nil
			}
		case <-deadline.C:
			if err := killGroup(pid); err != nil {
				return killTree(pid)
			}
			return nil
		}
	}
}

// killTree force-kills pid and every descendant, deepest first.
func killTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	killDescendants(p)
	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return nil
		}
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

func killDescendants(p *process.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		killDescendants(c)
		c.Kill()
	}
}
