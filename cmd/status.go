package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/harshul/scope-launcher/internal/health"
	"github.com/harshul/scope-launcher/internal/ports"
	"github.com/harshul/scope-launcher/internal/pyproject"
	"github.com/harshul/scope-launcher/internal/ui"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show setup state and whether the backend is up",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the status as JSON")
}

type statusReport struct {
	NeedsSetup bool           `json:"needsSetup"`
	Project    string         `json:"project,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	URL        string         `json:"url"`
	IsRunning  bool           `json:"isRunning"`
	Health     *health.Report `json:"health,omitempty"`
	PID        int            `json:"pid,omitempty"`
	PortOwner  int32          `json:"portOwner,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	a := e.newApp(nil)

	report := statusReport{
		NeedsSetup: a.GetSetupState().NeedsSetup,
		URL:        a.Endpoint().URL(),
	}
	if m, err := pyproject.Read(e.cfg.ManifestPath()); err == nil {
		report.Project = m.Summary()
	}
	if path, ok := a.Provisioner().ToolPath(); ok {
		report.Tool = path
	}
	// A running launcher records the URL the backend actually got, which
	// may be past the configured port.
	if rec, err := readPIDFile(e.cfg.PIDFile()); err == nil {
		report.PID = rec.PID
		if rec.URL != "" {
			report.URL = rec.URL
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("unreadable pidfile", "error", err)
	}
	if h, err := a.Health().Status(ctx, report.URL); err == nil {
		report.IsRunning = true
		report.Health = h
	}
	if owner, err := ports.ProcessOnPort(ctx, urlPort(report.URL, e.cfg.Server.Port)); err == nil {
		report.PortOwner = owner
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(report)
	return nil
}

// urlPort returns the explicit port in rawURL, or fallback.
func urlPort(rawURL string, fallback int) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return fallback
	}
	return port
}

func printStatus(r statusReport) {
	if r.NeedsSetup {
		ui.Warn("Setup required: run 'scope-launcher setup'")
	} else {
		ui.Success("Setup complete")
	}
	if r.Project != "" {
		ui.Info("Project: " + r.Project)
	}
	if r.Tool != "" {
		ui.Info("uv: " + r.Tool)
	}

	switch {
	case r.IsRunning:
		ui.Success(fmt.Sprintf("Backend %s at %s", r.Health.Status, r.URL))
	case r.PortOwner > 0:
		ui.Warn(fmt.Sprintf("Backend not answering at %s, but pid %d holds the port", r.URL, r.PortOwner))
	default:
		ui.Info("Backend not running (" + r.URL + ")")
	}
	if r.PID > 0 {
		ui.Info(fmt.Sprintf("Started by scope-launcher, pid %d", r.PID))
	}
}
