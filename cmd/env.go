package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/harshul/scope-launcher/internal/app"
	"github.com/harshul/scope-launcher/internal/config"
	"github.com/harshul/scope-launcher/internal/logging"
	"github.com/harshul/scope-launcher/internal/provisioner"
	"github.com/harshul/scope-launcher/internal/telemetry"
	"github.com/harshul/scope-launcher/internal/ui"
)

// env is what every command that touches the backend needs.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	tel     *telemetry.Provider
	logFile io.Closer
}

// loadEnv reads the configuration and sets up logging and telemetry. Logs
// go to the data directory only, unless --verbose is given and nothing
// else owns the terminal.
func loadEnv(cmd *cobra.Command, ownsTerminal bool) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level != "" {
		cfg.Log.Level = level
	}

	logger, logFile, err := logging.Init(logging.Options{
		Level:      cfg.Log.Level,
		Dir:        cfg.LogDir(),
		Quiet:      ownsTerminal || !verbose,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	tel, err := telemetry.Init(cmd.Context(), telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Version:     version,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		tel = telemetry.Noop()
	}

	logger.Debug("configuration loaded",
		"data_dir", cfg.DataDir,
		"resources_dir", cfg.ResourcesDir,
		"dev_checkout", cfg.DevCheckout,
		"command", cmd.Name())
	return &env{cfg: cfg, logger: logger, tel: tel, logFile: logFile}, nil
}

func (e *env) newApp(progress provisioner.ProgressFunc) *app.App {
	return app.New(e.cfg, app.Options{
		Logger:    e.logger,
		Telemetry: e.tel,
		Progress:  progress,
	})
}

func (e *env) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		e.logger.Warn("telemetry shutdown failed", "error", err)
	}
	e.logFile.Close()
}

// downloadProgress prints the tool download in quarter steps.
func downloadProgress() provisioner.ProgressFunc {
	last := -1
	return func(downloaded, total int64) {
		if total <= 0 {
			return
		}
		step := int(downloaded*100/total) / 25 * 25
		if step > last {
			last = step
			ui.Line(fmt.Sprintf("   ↓ %3d%% of %s", step, ui.FormatBytes(uint64(total))))
		}
	}
}
