// Package app wires the launcher together and exposes the narrow command
// and notification surface UI collaborators use.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/harshul/scope-launcher/internal/bus"
	"github.com/harshul/scope-launcher/internal/config"
	"github.com/harshul/scope-launcher/internal/depsync"
	"github.com/harshul/scope-launcher/internal/health"
	"github.com/harshul/scope-launcher/internal/materializer"
	"github.com/harshul/scope-launcher/internal/orchestrator"
	"github.com/harshul/scope-launcher/internal/platform"
	"github.com/harshul/scope-launcher/internal/provisioner"
	"github.com/harshul/scope-launcher/internal/supervisor"
	"github.com/harshul/scope-launcher/internal/telemetry"
)

// KindNotReady is the server error kind for a backend that never became healthy.
const KindNotReady = "NotReady"

// ErrServerNotReady is returned when the backend did not answer its health
// check within the attempt budget.
var ErrServerNotReady = errors.New("server not ready in time")

// SetupState answers whether first-run setup is required.
type SetupState struct {
	NeedsSetup bool `json:"needsSetup"`
}

// SetupStatus is the current setup phase.
type SetupStatus struct {
	Phase      string `json:"phase"`
	InProgress bool   `json:"inProgress"`
	Error      string `json:"error,omitempty"`
}

// ServerStatus describes the backend.
type ServerStatus struct {
	IsRunning bool   `json:"isRunning"`
	State     string `json:"state"`
	URL       string `json:"url"`
	PID       int    `json:"pid,omitempty"`
	// External is true when the backend was started by an earlier session.
	External bool `json:"external,omitempty"`
}

// Options carries the optional collaborators of an App.
type Options struct {
	Logger    *slog.Logger
	Telemetry *telemetry.Provider
	Platform  platform.Capabilities
	// HealthClient overrides the HTTP client used for health checks.
	HealthClient *http.Client
	// Progress receives tool download progress.
	Progress provisioner.ProgressFunc
}

// App is the launcher core.
type App struct {
	cfg      config.Config
	bus      *bus.Bus
	endpoint *config.Endpoint
	prov     *provisioner.Provisioner
	orch     *orchestrator.Orchestrator
	sup      *supervisor.Supervisor
	health   *health.Waiter
	logger   *slog.Logger
	tel      *telemetry.Provider

	mu       sync.Mutex
	external bool
}

// New builds every component from cfg.
func New(cfg config.Config, opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	caps := opts.Platform
	if caps.OS == "" {
		caps = platform.Current()
	}

	b := bus.New()
	endpoint := config.EndpointFrom(cfg)
	projectDir := cfg.ProjectDir()

	prov := provisioner.New(provisioner.Options{
		ToolName:     cfg.Tool.Name,
		InstallDir:   cfg.ToolDir(),
		DownloadBase: cfg.Tool.DownloadBase,
		Platform:     caps,
		HTTPClient:   &http.Client{Timeout: cfg.Tool.DownloadTimeout},
		Logger:       logger,
		Telemetry:    tel,
		Progress:     opts.Progress,
	})

	mat := materializer.New(cfg.ResourcesDir, projectDir, nil, logger)

	syncer := depsync.New(prov, depsync.Options{
		ProjectDir: projectDir,
		Platform:   caps,
		Timeout:    cfg.Setup.SyncTimeout,
		Logger:     logger,
		Telemetry:  tel,
		OnLine: func(stream, line string) {
			b.Publish(bus.TopicSetupLog, bus.ServerLogEvent{Stream: stream, Line: line})
		},
	})

	orch := orchestrator.New(prov, mat, syncer, orchestrator.Options{
		ProjectDir:        projectDir,
		Manifest:          cfg.Backend.Manifest,
		RequireSyncMarker: cfg.Setup.RequireSyncMarker,
		GraceDelay:        cfg.Setup.GraceDelay,
		Bus:               b,
		Logger:            logger,
		Telemetry:         tel,
	})

	envFile := ""
	if cfg.Backend.EnvFile != "" {
		envFile = filepath.Join(projectDir, cfg.Backend.EnvFile)
	}
	sup := supervisor.New(prov, supervisor.Options{
		Endpoint:      endpoint,
		PreferredPort: cfg.Server.Port,
		PortAttempts:  cfg.Server.PortAttempts,
		ProjectDir:    projectDir,
		Entrypoint:    cfg.Backend.Entrypoint,
		EnvFile:       envFile,
		Verbose:       cfg.Log.Level == "debug",
		Platform:      caps,
		Bus:           b,
		Logger:        logger,
		Telemetry:     tel,
	})

	waiter := health.New(health.Options{
		Client:       opts.HealthClient,
		CheckTimeout: cfg.Health.CheckTimeout,
		Logger:       logger,
		Telemetry:    tel,
	})

	return &App{
		cfg:      cfg,
		bus:      b,
		endpoint: endpoint,
		prov:     prov,
		orch:     orch,
		sup:      sup,
		health:   waiter,
		logger:   logger.With("component", "app"),
		tel:      tel,
	}
}

// GetSetupState reports whether setup must run before the server can start.
func (a *App) GetSetupState() SetupState {
	return SetupState{NeedsSetup: a.orch.NeedsSetup()}
}

// GetSetupStatus reports the current setup phase.
func (a *App) GetSetupStatus() SetupStatus {
	st := SetupStatus{Phase: string(a.orch.Phase()), InProgress: a.orch.InProgress()}
	if err := a.orch.LastError(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// GetServerStatus reports whether the backend is up.
func (a *App) GetServerStatus() ServerStatus {
	a.mu.Lock()
	external := a.external
	a.mu.Unlock()

	st := ServerStatus{
		IsRunning: external || a.sup.IsRunning(),
		State:     a.sup.State().String(),
		URL:       a.endpoint.URL(),
		PID:       a.sup.PID(),
		External:  external,
	}
	if external {
		st.State = supervisor.Running.String()
	}
	return st
}

// RunSetup runs the setup sequence unconditionally.
func (a *App) RunSetup(ctx context.Context) error {
	return a.orch.RunSetup(ctx)
}

// StartServer brings the backend up and blocks until it is healthy. A
// backend left running by an earlier session is adopted without spawning.
func (a *App) StartServer(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, a.tel.Tracer, "app.start_server")
	defer span.End()

	if !a.sup.IsRunning() && a.sup.PID() == 0 && a.health.CheckRunning(ctx, a.endpoint.URL()) {
		a.mu.Lock()
		a.external = true
		a.mu.Unlock()
		a.logger.Info("backend already running", "url", a.endpoint.URL())
		a.bus.Publish(bus.TopicServerStatus, bus.ServerStatusEvent{IsRunning: true, URL: a.endpoint.URL()})
		return nil
	}

	if err := a.sup.Start(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	if a.sup.IsRunning() {
		return nil
	}

	// Stop polling as soon as the backend exits.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exited := a.sup.Done()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if a.health.WaitForReady(waitCtx, a.endpoint.URL(), a.cfg.Health.MaxAttempts, a.cfg.Health.Interval) {
		a.sup.MarkRunning()
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-exited:
		if crash := a.sup.LastError(); crash != nil {
			return crash
		}
		return fmt.Errorf("%w: backend exited during startup", ErrServerNotReady)
	default:
	}

	msg := fmt.Sprintf("server not ready in time at %s", a.endpoint.URL())
	a.logger.Error(msg, "attempts", a.cfg.Health.MaxAttempts)
	a.bus.Publish(bus.TopicServerError, bus.ServerErrorEvent{Kind: KindNotReady, Message: msg})
	span.RecordError(ErrServerNotReady)
	return ErrServerNotReady
}

// StopServer stops a backend this launcher started. An adopted backend is
// only forgotten.
func (a *App) StopServer() error {
	a.mu.Lock()
	external := a.external
	a.external = false
	a.mu.Unlock()

	if external {
		a.logger.Warn("backend was started elsewhere, not stopping it", "url", a.endpoint.URL())
		a.bus.Publish(bus.TopicServerStatus, bus.ServerStatusEvent{IsRunning: false, URL: a.endpoint.URL()})
		return nil
	}
	return a.sup.Stop()
}

// RestartServer stops the backend, waits for it to exit, then starts it again.
func (a *App) RestartServer(ctx context.Context) error {
	done := a.sup.Done()
	if err := a.StopServer(); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.StartServer(ctx)
}

// Bootstrap runs setup when needed and then starts the server.
func (a *App) Bootstrap(ctx context.Context) error {
	if a.orch.NeedsSetup() {
		a.logger.Info("setup required")
		if err := a.orch.RunSetup(ctx); err != nil {
			return err
		}
	}
	return a.StartServer(ctx)
}

// Shutdown stops the backend, killing its tree after the configured grace.
func (a *App) Shutdown(ctx context.Context) error {
	return a.sup.Shutdown(ctx, a.cfg.Server.ShutdownGrace)
}

// Subscribe returns a subscription to notifications whose topic starts
// with prefix.
func (a *App) Subscribe(prefix string) *bus.Subscription {
	return a.bus.Subscribe(prefix)
}

// Unsubscribe ends a subscription.
func (a *App) Unsubscribe(sub *bus.Subscription) {
	a.bus.Unsubscribe(sub)
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Endpoint returns the shared backend endpoint.
func (a *App) Endpoint() *config.Endpoint { return a.endpoint }

// Provisioner returns the tool provisioner.
func (a *App) Provisioner() *provisioner.Provisioner { return a.prov }

// Supervisor returns the backend supervisor.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Health returns the health waiter.
func (a *App) Health() *health.Waiter { return a.health }
