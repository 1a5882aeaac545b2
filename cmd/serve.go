package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/harshul/scope-launcher/internal/control"
	"github.com/harshul/scope-launcher/internal/ui"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API for a desktop UI",
	Long: `The serve command exposes setup and server control over HTTP, with a
websocket that streams status, error and log notifications. A desktop
shell drives the launcher through it. The backend is stopped when serve
exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (empty = use config control.addr)")
	serveCmd.Flags().Bool("autostart", false, "Set up if needed and start the backend right away")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	autostart, _ := cmd.Flags().GetBool("autostart")

	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	if addr == "" {
		addr = e.cfg.Control.Addr
	}

	ctx := cmd.Context()
	a := e.newApp(nil)
	pids := trackPID(e.cfg.PIDFile(), a, e.logger)

	if autostart {
		go func() {
			if err := a.Bootstrap(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("autostart failed", "error", err)
			}
		}()
	}

	srv := control.New(a, control.Config{Addr: addr, AllowOrigins: e.cfg.Control.AllowOrigins}, e.logger)
	ui.Info("Control API on http://" + addr + " (Ctrl+C to stop)")
	err = srv.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownGrace+5*time.Second)
	defer cancel()
	if serr := a.Shutdown(shutdownCtx); serr != nil {
		e.logger.Warn("backend shutdown failed", "error", serr)
	}
	pids.Close()
	return err
}
