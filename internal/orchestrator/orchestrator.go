// Package orchestrator sequences first-run setup: materialize the backend
// project, provision the tool, sync dependencies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harshul/scope-launcher/internal/bus"
	"github.com/harshul/scope-launcher/internal/depsync"
	"github.com/harshul/scope-launcher/internal/provisioner"
	"github.com/harshul/scope-launcher/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// Phase is a step of the setup sequence.
type Phase string

const (
	Initializing         Phase = "initializing"
	MaterializingProject Phase = "materializing-project"
	CheckingTool         Phase = "checking-tool"
	DownloadingTool      Phase = "downloading-tool"
	InstallingTool       Phase = "installing-tool"
	SyncingDependencies  Phase = "syncing-dependencies"
	Done                 Phase = "done"
	Failed               Phase = "failed"
)

// phaseOrder ranks phases so they only ever move forward.
var phaseOrder = map[Phase]int{
	Initializing:         0,
	MaterializingProject: 1,
	CheckingTool:         2,
	DownloadingTool:      3,
	InstallingTool:       4,
	SyncingDependencies:  5,
	Done:                 6,
}

// DefaultGraceDelay keeps the in-progress flag up after Done so a status
// view can show its completion message.
const DefaultGraceDelay = 1500 * time.Millisecond

// ErrSetupInProgress is returned when RunSetup is called while a run (or its
// grace delay) is still active.
var ErrSetupInProgress = errors.New("setup already in progress")

// Tool provisions the environment manager.
type Tool interface {
	IsToolInstalled() bool
	DownloadAndInstall(ctx context.Context) error
}

// Materializer copies the backend project into the writable data dir.
type Materializer interface {
	CopyProjectFiles() error
}

// Syncer installs the backend's dependencies.
type Syncer interface {
	RunSync(ctx context.Context) error
}

// Options configures an Orchestrator.
type Options struct {
	ProjectDir string
	// Manifest is the file whose presence means the project is materialized.
	Manifest          string
	RequireSyncMarker bool
	GraceDelay        time.Duration
	Bus               *bus.Bus
	Logger            *slog.Logger
	Telemetry         *telemetry.Provider
}

// Orchestrator owns the setup phase. It is the only writer of it.
type Orchestrator struct {
	tool   Tool
	mat    Materializer
	sync   Syncer
	opts   Options
	logger *slog.Logger
	tel    *telemetry.Provider

	mu         sync.Mutex
	phase      Phase
	inProgress bool
	lastErr    error
}

// New creates an Orchestrator in the Initializing phase.
func New(tool Tool, mat Materializer, syncer Syncer, opts Options) *Orchestrator {
	if opts.Manifest == "" {
		opts.Manifest = "pyproject.toml"
	}
	if opts.GraceDelay < 0 {
		opts.GraceDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Orchestrator{
		tool:   tool,
		mat:    mat,
		sync:   syncer,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
		tel:    tel,
		phase:  Initializing,
	}
}

// NeedsSetup is the fast precondition check: setup is needed when the tool
// is missing or the project manifest is absent. With RequireSyncMarker the
// last sync must also have completed.
func (o *Orchestrator) NeedsSetup() bool {
	if !o.tool.IsToolInstalled() {
		return true
	}
	if _, err := os.Stat(filepath.Join(o.opts.ProjectDir, o.opts.Manifest)); err != nil {
		return true
	}
	if o.opts.RequireSyncMarker && !depsync.HasMarker(o.opts.ProjectDir) {
		return true
	}
	return false
}

// RunSetup runs every phase in order. The first failure moves to Failed and
// is returned; nothing is retried.
func (o *Orchestrator) RunSetup(ctx context.Context) (err error) {
	o.mu.Lock()
	if o.inProgress {
		o.mu.Unlock()
		return ErrSetupInProgress
	}
	o.inProgress = true
	o.phase = Initializing
	o.lastErr = nil
	o.mu.Unlock()

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, o.tel.Tracer, "setup.run")
	defer func() {
		outcome := "done"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
		}
		o.tel.Metrics.SetupDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(telemetry.AttrOutcome.String(outcome)))
		span.End()
	}()

	if err := o.steps(ctx); err != nil {
		o.fail(err)
		return err
	}

	o.setPhase(Done)
	o.logger.Info("setup complete", "duration", time.Since(start).Round(time.Millisecond))
	time.AfterFunc(o.opts.GraceDelay, func() {
		o.mu.Lock()
		o.inProgress = false
		o.mu.Unlock()
	})
	return nil
}

func (o *Orchestrator) steps(ctx context.Context) error {
	o.setPhase(MaterializingProject)
	if err := o.mat.CopyProjectFiles(); err != nil {
		return err
	}

	o.setPhase(CheckingTool)
	if !o.tool.IsToolInstalled() {
		o.setPhase(DownloadingTool)
		trace := &provisioner.Trace{Installing: func() { o.setPhase(InstallingTool) }}
		if err := o.tool.DownloadAndInstall(provisioner.WithTrace(ctx, trace)); err != nil {
			return fmt.Errorf("install tool: %w", err)
		}
		o.setPhase(InstallingTool)
	}

	o.setPhase(SyncingDependencies)
	return o.sync.RunSync(ctx)
}

// setPhase moves forward and publishes the change. Repeats and backward
// moves are ignored.
func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	if p == o.phase || o.phase == Failed || phaseOrder[p] < phaseOrder[o.phase] {
		o.mu.Unlock()
		return
	}
	o.phase = p
	o.mu.Unlock()

	o.logger.Info("setup phase", "phase", string(p))
	o.opts.Bus.Publish(bus.TopicSetupStatus, bus.SetupStatusEvent{Phase: string(p)})
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	from := o.phase
	o.phase = Failed
	o.inProgress = false
	o.lastErr = err
	o.mu.Unlock()

	o.logger.Error("setup failed", "phase", string(from), "error", err)
	o.opts.Bus.Publish(bus.TopicSetupStatus, bus.SetupStatusEvent{Phase: string(Failed)})
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// InProgress reports whether a setup run or its grace delay is active.
func (o *Orchestrator) InProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inProgress
}

// LastError returns the error of the most recent failed run.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}
