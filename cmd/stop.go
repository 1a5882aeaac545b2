package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harshul/scope-launcher/internal/ports"
	"github.com/harshul/scope-launcher/internal/supervisor"
	"github.com/harshul/scope-launcher/internal/ui"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a backend started by 'scope-launcher run'",
	Long: `The stop command stops the backend recorded in the pidfile by a running
'scope-launcher run' or 'scope-launcher serve'. The backend's process group
is interrupted first and killed if it is still alive after the grace period.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().Duration("grace", 0, "Time to wait after interrupting before killing (0 = config default)")
}

func runStop(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	grace, _ := cmd.Flags().GetDuration("grace")
	if grace <= 0 {
		grace = e.cfg.Server.ShutdownGrace
	}
	ctx := cmd.Context()
	path := e.cfg.PIDFile()

	rec, err := readPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		ui.Info("No backend was started by scope-launcher")
		if owner, _ := ports.ProcessOnPort(ctx, e.cfg.Server.Port); owner > 0 {
			ui.Warn(fmt.Sprintf("Port %d is held by pid %d, which scope-launcher did not start", e.cfg.Server.Port, owner))
		}
		return nil
	}
	if err != nil {
		removePIDFile(path)
		return err
	}

	pid := rec.PID
	e.logger.Info("stopping backend", "pid", pid, "url", rec.URL, "grace", grace)
	err = supervisor.StopPID(ctx, pid, grace)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		ui.Info(fmt.Sprintf("Backend (pid %d) was not running", pid))
	case err != nil:
		return fmt.Errorf("failed to stop backend: %w", err)
	default:
		ui.Success(fmt.Sprintf("Stopped backend (pid %d)", pid))
	}
	removePIDFile(path)
	return nil
}
