package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/harshul/scope-launcher/internal/app"
	"github.com/harshul/scope-launcher/internal/ui"
	"github.com/harshul/scope-launcher/internal/watch"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Set up if needed, then run the backend until interrupted",
	Long: `The run command makes sure the backend is installed, starts it on a free
port and waits until it reports healthy.

On a terminal it shows a live status view (q to quit, r to restart, o to open
the browser). Otherwise, or with --no-tui, it prints plain lines.

A backend that is already answering on the configured port is reused
instead of starting a second one.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("no-tui", false, "Disable the status view (use plain scrolling output)")
	runCmd.Flags().BoolP("watch", "w", false, "Restart the backend when its sources change (dev checkout only)")
	runCmd.Flags().IntP("port", "p", 0, "Preferred backend port (0 = use config default)")
	runCmd.Flags().String("host", "", "Backend bind host (empty = use config default)")
	runCmd.Flags().Duration("ready-timeout", 10*time.Minute, "How long to wait for the backend to report healthy")
}

func runRun(cmd *cobra.Command, args []string) error {
	noTUI, _ := cmd.Flags().GetBool("no-tui")
	watching, _ := cmd.Flags().GetBool("watch")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	readyTimeout, _ := cmd.Flags().GetDuration("ready-timeout")

	interactive := !noTUI && isatty.IsTerminal(os.Stdout.Fd())

	e, err := loadEnv(cmd, interactive)
	if err != nil {
		return err
	}
	defer e.Close()

	if port > 0 {
		e.cfg.Server.Port = port
		e.cfg.Server.URL = ""
	}
	if host != "" {
		e.cfg.Server.Host = host
		e.cfg.Server.URL = ""
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	var progress func(int64, int64)
	if !interactive {
		progress = downloadProgress()
	}
	a := e.newApp(progress)
	pids := trackPID(e.cfg.PIDFile(), a, e.logger)

	if watching {
		if err := startWatch(ctx, e, a, interactive); err != nil {
			pids.Close()
			return err
		}
	}

	boot := func(ctx context.Context) error {
		if a.GetSetupState().NeedsSetup {
			if err := a.RunSetup(ctx); err != nil {
				return err
			}
		}
		startCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		defer cancel()
		err := a.StartServer(startCtx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", app.ErrServerNotReady, readyTimeout)
		}
		return err
	}

	if interactive {
		err = runInteractive(ctx, a, boot)
	} else {
		err = runPlain(ctx, a, boot, watching)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if !interactive {
		ui.Info("Stopping backend...")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownGrace+5*time.Second)
	defer cancel()
	if serr := a.Shutdown(shutdownCtx); serr != nil {
		e.logger.Warn("backend shutdown failed", "error", serr)
	}
	pids.Close()
	return err
}

// runInteractive shows the status view until the user quits. Bootstrap
// runs alongside and is cancelled on quit.
func runInteractive(ctx context.Context, a *app.App, boot func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := a.Subscribe("")
	defer a.Unsubscribe(sub)

	p := tea.NewProgram(ui.NewStatusModel(a, sub), tea.WithAltScreen())

	booted := make(chan error, 1)
	go func() {
		err := boot(ctx)
		booted <- err
		p.Send(ui.BootstrapDoneMsg{Err: err})
	}()
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, runErr := p.Run()
	cancel()
	bootErr := <-booted
	if runErr != nil {
		return fmt.Errorf("status view: %w", runErr)
	}
	return bootErr
}

// runPlain prints events as lines. Without --watch it returns when the
// backend exits on its own.
func runPlain(ctx context.Context, a *app.App, boot func(context.Context) error, watching bool) error {
	sub := a.Subscribe("")
	streamed := make(chan struct{})
	go func() {
		ui.StreamEvents(context.Background(), sub)
		close(streamed)
	}()
	defer func() {
		a.Unsubscribe(sub)
		<-streamed
	}()

	if err := boot(ctx); err != nil {
		return err
	}
	ui.Info("Press Ctrl+C to stop")

	if watching || a.GetServerStatus().External {
		<-ctx.Done()
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-a.Supervisor().Done():
		if err := a.Supervisor().LastError(); err != nil {
			return err
		}
		return errors.New("backend exited")
	}
}

// startWatch restarts the backend whenever sources under <project>/src
// change.
func startWatch(ctx context.Context, e *env, a *app.App, interactive bool) error {
	if !e.cfg.DevCheckout {
		if !interactive {
			ui.Warn("--watch needs a dev checkout; ignoring it")
		}
		e.logger.Warn("watch requested outside a dev checkout", "resources_dir", e.cfg.ResourcesDir)
		return nil
	}

	w := watch.New(filepath.Join(e.cfg.ProjectDir(), "src"), watch.DefaultDebounce, e.logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch sources: %w", err)
	}

	go func() {
		for batch := range w.Events() {
			if a.GetSetupStatus().InProgress {
				continue
			}
			e.logger.Info("sources changed, restarting backend", "files", len(batch), "first", batch[0])
			if !interactive {
				ui.Info(fmt.Sprintf("%d file(s) changed, restarting backend", len(batch)))
			}
			if err := a.RestartServer(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("restart failed", "error", err)
			}
		}
	}()
	return nil
}
