package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harshul/scope-launcher/internal/config"
	"github.com/harshul/scope-launcher/internal/depsync"
	"github.com/harshul/scope-launcher/internal/health"
	"github.com/harshul/scope-launcher/internal/platform"
	"github.com/harshul/scope-launcher/internal/ports"
	"github.com/harshul/scope-launcher/internal/pyproject"
)

// ToolStatus represents the status of the environment manager
type ToolStatus struct {
	Name      string
	Installed bool
	Version   string
	Path      string
	Local     bool // installed by the launcher rather than found on PATH
}

// Check is a single diagnostic result
type Check struct {
	Name   string
	OK     bool
	Detail string
	Fix    string // command or hint to fix the issue
}

// Diagnosis contains the full health check results
type Diagnosis struct {
	DataDir    string
	ProjectDir string
	Platform   string
	Tool       ToolStatus
	Checks     []Check
	Healthy    bool
	Issues     []string
}

// Tool is what doctor needs to know about the provisioned binary.
type Tool interface {
	ToolPath() (string, bool)
	InstallPath() string
	Version(ctx context.Context) (string, error)
}

// HealthReporter fetches the backend's health payload.
type HealthReporter interface {
	Status(ctx context.Context, baseURL string) (*health.Report, error)
}

// Diagnose checks everything the launcher depends on. It never changes
// anything on disk.
func Diagnose(ctx context.Context, cfg config.Config, caps platform.Capabilities, tool Tool, hr HealthReporter) Diagnosis {
	d := Diagnosis{
		DataDir:    cfg.DataDir,
		ProjectDir: cfg.ProjectDir(),
		Platform:   caps.OS + "/" + caps.Arch,
		Healthy:    true,
		Issues:     []string{},
	}

	d.Tool = checkTool(ctx, cfg, tool)

	d.add(checkPlatform(cfg, caps))
	d.add(checkDataDir(cfg.DataDir))
	d.add(Check{
		Name:   "tool",
		OK:     d.Tool.Installed,
		Detail: toolDetail(d.Tool),
		Fix:    "scope-launcher setup",
	})
	d.add(checkResources(cfg))
	d.add(checkManifest(cfg))
	d.add(checkSyncMarker(cfg))

	// A busy port is fine when our backend is the one holding it.
	backend := checkBackend(ctx, cfg, hr)
	port := checkPort(ctx, cfg)
	if backend.OK {
		port.OK = true
	}
	d.add(port)
	d.informational(backend)

	return d
}

func (d *Diagnosis) add(c Check) {
	d.Checks = append(d.Checks, c)
	if !c.OK {
		d.Healthy = false
		d.Issues = append(d.Issues, c.Name+": "+c.Detail)
	}
}

// informational records a check that does not affect Healthy.
func (d *Diagnosis) informational(c Check) {
	d.Checks = append(d.Checks, c)
}

func checkTool(ctx context.Context, cfg config.Config, tool Tool) ToolStatus {
	status := ToolStatus{Name: cfg.Tool.Name}

	path, ok := tool.ToolPath()
	if !ok {
		return status
	}
	status.Installed = true
	status.Path = path
	status.Local = path == tool.InstallPath()

	if version, err := tool.Version(ctx); err == nil {
		status.Version = version
	}
	return status
}

func toolDetail(s ToolStatus) string {
	if !s.Installed {
		return s.Name + " not found"
	}
	where := "system"
	if s.Local {
		where = "local"
	}
	if s.Version == "" {
		return fmt.Sprintf("%s (%s)", s.Path, where)
	}
	return fmt.Sprintf("%s (%s, %s)", s.Version, where, s.Path)
}

func checkPlatform(cfg config.Config, caps platform.Capabilities) Check {
	c := Check{Name: "platform", OK: true}
	url, err := caps.DownloadURL(cfg.Tool.DownloadBase, cfg.Tool.Name)
	if err != nil {
		c.OK = false
		c.Detail = err.Error()
		c.Fix = "install " + cfg.Tool.Name + " manually and put it on PATH"
		return c
	}
	c.Detail = fmt.Sprintf("%s/%s, %s archive from %s", caps.OS, caps.Arch, caps.ArchiveKind, url)
	return c
}

func checkDataDir(dir string) Check {
	c := Check{Name: "data dir", Detail: dir, Fix: "set SCOPE_DATA_DIR to a writable directory"}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.Detail = err.Error()
		return c
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		c.Detail = "not writable: " + err.Error()
		return c
	}
	probe.Close()
	os.Remove(probe.Name())
	c.OK = true
	return c
}

func checkResources(cfg config.Config) Check {
	c := Check{Name: "resources", Detail: cfg.ResourcesDir, Fix: "set SCOPE_RESOURCES_DIR to the bundled backend"}
	if cfg.DevCheckout {
		c.OK = true
		c.Detail = cfg.ResourcesDir + " (dev checkout)"
		return c
	}
	if cfg.ResourcesDir == "" {
		c.Detail = "not found"
		return c
	}
	if _, err := os.Stat(filepath.Join(cfg.ResourcesDir, "src")); err != nil {
		c.Detail = cfg.ResourcesDir + " has no src/"
		return c
	}
	c.OK = true
	return c
}

func checkManifest(cfg config.Config) Check {
	c := Check{Name: "project", Detail: cfg.ManifestPath(), Fix: "scope-launcher setup"}
	m, err := pyproject.Read(cfg.ManifestPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.Detail = cfg.Backend.Manifest + " missing in " + cfg.ProjectDir()
		return c
	case err != nil:
		c.Detail = err.Error()
		c.Fix = "scope-launcher setup --force"
		return c
	}

	c.Detail = m.Summary()
	if m.IsPoetry() {
		c.Detail += ", managed by poetry"
		c.Fix = "the project must be a uv project"
		return c
	}
	if !m.HasScript(cfg.Backend.Entrypoint) {
		c.Detail += fmt.Sprintf(", no %q in [project.scripts]", cfg.Backend.Entrypoint)
		c.Fix = "set backend.entrypoint to one of the project's scripts"
		return c
	}
	c.OK = true
	return c
}

func checkSyncMarker(cfg config.Config) Check {
	c := Check{Name: "dependencies", Fix: "scope-launcher setup --force"}
	if depsync.HasMarker(cfg.ProjectDir()) {
		c.OK = true
		c.Detail = "last sync completed"
		return c
	}
	c.Detail = "no completed sync recorded"
	// Without the stricter setup check a missing marker is only a warning.
	c.OK = !cfg.Setup.RequireSyncMarker
	return c
}

func checkPort(ctx context.Context, cfg config.Config) Check {
	c := Check{Name: "port"}
	if ports.IsPortAvailable(cfg.Server.Host, cfg.Server.Port) {
		c.OK = true
		c.Detail = fmt.Sprintf("%d is free", cfg.Server.Port)
		return c
	}
	c.Detail = fmt.Sprintf("%d is in use", cfg.Server.Port)
	if pid, err := ports.ProcessOnPort(ctx, cfg.Server.Port); err == nil && pid > 0 {
		c.Detail += fmt.Sprintf(" by pid %d", pid)
	}
	c.Fix = fmt.Sprintf("the launcher will try ports %d-%d", cfg.Server.Port+1, cfg.Server.Port+cfg.Server.PortAttempts-1)
	return c
}

func checkBackend(ctx context.Context, cfg config.Config, hr HealthReporter) Check {
	url := config.EndpointFrom(cfg).URL()
	c := Check{Name: "backend", Fix: "scope-launcher run"}
	report, err := hr.Status(ctx, url)
	if err != nil {
		c.Detail = "not running at " + url
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%s at %s (%s)", report.Status, url, report.Latency.Round(time.Millisecond))
	return c
}
