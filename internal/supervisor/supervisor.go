// Package supervisor owns the backend child process: it spawns it on a free
// port, forwards its output, reports crashes on the bus and tears down the
// whole process tree on stop.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/harshul/scope-launcher/internal/bus"
	"github.com/harshul/scope-launcher/internal/config"
	"github.com/harshul/scope-launcher/internal/logbuf"
	"github.com/harshul/scope-launcher/internal/platform"
	"github.com/harshul/scope-launcher/internal/ports"
	"github.com/harshul/scope-launcher/internal/provisioner"
	"github.com/harshul/scope-launcher/internal/secrets"
	"github.com/harshul/scope-launcher/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// State is the lifecycle state of the backend process.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Crashed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

const (
	// stderrTailLines bounds how much backend stderr is kept for crash reports.
	stderrTailLines = 200
	// outputDrain is how long output is still read after the backend exits.
	// Descendants that inherited the pipes can keep them open indefinitely.
	outputDrain = 500 * time.Millisecond
)

// Error kinds published on bus.TopicServerError.
const (
	KindFailedToSpawn  = "FailedToSpawn"
	KindProcessCrashed = "ProcessCrashed"
)

// ErrSpawnFailed is returned when the backend could not be started at all.
var ErrSpawnFailed = errors.New("failed to spawn backend")

// CrashError describes a backend that exited on its own with a failure.
type CrashError struct {
	ExitCode   int
	Signal     string
	StderrTail string
}

func (e *CrashError) Error() string {
	msg := fmt.Sprintf("backend exited with code %d", e.ExitCode)
	if e.Signal != "" {
		msg += fmt.Sprintf(" (signal: %s)", e.Signal)
	}
	if e.StderrTail != "" {
		msg += "\n" + e.StderrTail
	}
	return msg
}

// ToolLocator resolves the tool binary, local install first.
type ToolLocator interface {
	ToolPath() (string, bool)
}

// Options configures a Supervisor.
type Options struct {
	// Endpoint is the shared host/port handle. Start is its only writer.
	Endpoint      *config.Endpoint
	PreferredPort int
	PortAttempts  int
	ProjectDir    string
	Entrypoint    string
	// EnvFile is an optional .env whose values are passed to the backend.
	EnvFile   string
	Verbose   bool
	Platform  platform.Capabilities
	Bus       *bus.Bus
	Logger    *slog.Logger
	Telemetry *telemetry.Provider
}

// run is one spawned backend.
type run struct {
	cmd    *exec.Cmd
	pid    int
	stderr *logbuf.Buffer
	pipes  []*os.File
	done   chan struct{}

	mu       sync.Mutex
	stopping bool
}

func (r *run) markStopping() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
}

func (r *run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// Supervisor runs at most one backend process at a time.
type Supervisor struct {
	tool   ToolLocator
	opts   Options
	logger *slog.Logger
	tel    *telemetry.Provider

	mu      sync.Mutex
	state   State
	current *run
	lastErr error
}

// New creates a stopped Supervisor.
func New(tool ToolLocator, opts Options) *Supervisor {
	if opts.Platform.OS == "" {
		opts.Platform = platform.Current()
	}
	if opts.Endpoint == nil {
		opts.Endpoint = config.NewEndpoint("127.0.0.1", opts.PreferredPort)
	}
	if opts.PreferredPort == 0 {
		opts.PreferredPort = opts.Endpoint.Port()
	}
	if opts.PortAttempts < 1 {
		opts.PortAttempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Supervisor{
		tool:   tool,
		opts:   opts,
		logger: logger.With("component", "supervisor"),
		tel:    tel,
	}
}

// Start spawns the backend. It is a no-op with a warning while a backend is
// already starting or running. Readiness is confirmed by the caller, which
// then calls MarkRunning.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Starting || s.state == Running {
		s.logger.Warn("backend already active, ignoring start", "state", s.state.String(), "pid", s.pidLocked())
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, s.tel.Tracer, "supervisor.start")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	tool, ok := s.tool.ToolPath()
	if !ok {
		s.publishError(KindFailedToSpawn, "tool not found: run setup first")
		return provisioner.ErrToolNotFound
	}

	host := s.opts.Endpoint.Host()
	port, err := ports.FindAvailablePort(s.opts.PreferredPort, host, s.opts.PortAttempts)
	if err != nil {
		s.publishError(KindFailedToSpawn, err.Error())
		return err
	}
	if err := s.opts.Endpoint.SetPort(port); err != nil {
		return err
	}
	span.SetAttributes(telemetry.AttrPort.Int(port))

	args := []string{"run", s.opts.Entrypoint, "--host", host, "--port", strconv.Itoa(port), "--no-browser"}
	cmd := exec.Command(tool, args...)
	cmd.Dir = s.opts.ProjectDir
	cmd.Env = s.environ()
	cmd.SysProcAttr = sysProcAttr()

	// The parent keeps only the read ends, so Wait returns on the backend's
	// own exit even while a descendant still holds the write ends.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return s.spawnFailed(err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return s.spawnFailed(err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	s.logger.Info("starting backend", "tool", tool, "args", args, "dir", cmd.Dir)
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return s.spawnFailed(err)
	}

	r := &run{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stderr: logbuf.New(stderrTailLines),
		pipes:  []*os.File{stdout, stderr},
		done:   make(chan struct{}),
	}
	s.current = r
	s.state = Starting
	s.lastErr = nil
	s.logger.Info("backend spawned", "pid", r.pid, "url", s.opts.Endpoint.URL())

	go s.wait(r, stdout, stderr)
	return nil
}

func (s *Supervisor) spawnFailed(err error) error {
	s.state = Stopped
	s.current = nil
	s.publishError(KindFailedToSpawn, err.Error())
	return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
}

// environ builds the child environment: augmented PATH plus the .env file.
func (s *Supervisor) environ() []string {
	env := s.opts.Platform.Environ(os.Environ())

	extra := map[string]string{}
	if s.opts.EnvFile != "" {
		values, err := secrets.ReadEnvFile(s.opts.EnvFile)
		if err != nil {
			s.logger.Warn("could not read env file", "path", s.opts.EnvFile, "error", err)
		}
		for k, v := range values {
			extra[k] = v
			s.logger.Debug("passing env to backend", "key", k, "value", secrets.MaskValue(v))
		}
	}
	if s.opts.Verbose {
		extra["VERBOSE_LOGGING"] = "1"
	}
	return secrets.MergeEnv(env, extra)
}

// wait owns cmd.Wait for one run. The exit notification is the only source
// of truth for liveness; output readers are joined afterwards.
func (s *Supervisor) wait(r *run, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.forward(&wg, r, "stdout", stdout)
	go s.forward(&wg, r, "stderr", stderr)

	waitErr := r.cmd.Wait()
	s.drainOutput(r, &wg)

	code := r.cmd.ProcessState.ExitCode()
	signal := exitSignal(r.cmd.ProcessState)

	var crash *CrashError
	if waitErr != nil && !r.isStopping() {
		crash = &CrashError{ExitCode: code, Signal: signal, StderrTail: r.stderr.String()}
	}

	s.mu.Lock()
	if s.current == r {
		s.current = nil
		if crash != nil {
			s.state = Crashed
		} else {
			s.state = Stopped
		}
	}
	if crash != nil {
		s.lastErr = crash
	}
	s.mu.Unlock()

	if crash != nil {
		s.logger.Error("backend crashed", "pid", r.pid, "exit_code", code, "signal", signal)
		s.tel.Metrics.ServerCrashes.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrExitCode.Int(code)))
		s.publishError(KindProcessCrashed, crash.Error())

		// Crashed is reported, then the supervisor is ready for a fresh start.
		s.mu.Lock()
		if s.state == Crashed {
			s.state = Stopped
		}
		s.mu.Unlock()
	} else {
		s.logger.Info("backend exited", "pid", r.pid, "exit_code", code, "requested", r.isStopping())
	}

	s.opts.Bus.Publish(bus.TopicServerStatus, bus.ServerStatusEvent{IsRunning: false, URL: s.opts.Endpoint.URL()})
	close(r.done)
}

// drainOutput gives the readers outputDrain to reach EOF, then closes the
// read ends so readers blocked on an inherited pipe return.
func (s *Supervisor) drainOutput(r *run, wg *sync.WaitGroup) {
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	t := time.NewTimer(outputDrain)
	defer t.Stop()
	select {
	case <-drained:
	case <-t.C:
		s.logger.Debug("backend output still open after exit, closing pipes", "pid", r.pid)
	}
	for _, f := range r.pipes {
		f.Close()
	}
	<-drained
}

func (s *Supervisor) forward(wg *sync.WaitGroup, r *run, stream string, rd io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stream == "stderr" {
			s.logger.Error(line, "stream", stream)
			r.stderr.Append(line)
		} else {
			s.logger.Info(line, "stream", stream)
		}
		s.opts.Bus.Publish(bus.TopicServerLog, bus.ServerLogEvent{Stream: stream, Line: line})
	}
	io.Copy(io.Discard, rd)
}

// MarkRunning records that the backend answered its health check.
func (s *Supervisor) MarkRunning() {
	s.mu.Lock()
	if s.state != Starting {
		s.mu.Unlock()
		return
	}
	s.state = Running
	s.mu.Unlock()

	s.logger.Info("backend is running", "url", s.opts.Endpoint.URL())
	s.opts.Bus.Publish(bus.TopicServerStatus, bus.ServerStatusEvent{IsRunning: true, URL: s.opts.Endpoint.URL()})
}

// Stop asks the backend to exit and clears the handle without waiting for
// confirmation. Stopping a stopped supervisor does nothing.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	r := s.current
	if r == nil {
		s.mu.Unlock()
		return nil
	}
	s.current = nil
	s.state = Stopped
	s.mu.Unlock()

	r.markStopping()
	s.logger.Info("stopping backend", "pid", r.pid, "strategy", s.opts.Platform.Kill.String())
	return s.terminate(r.pid)
}

func (s *Supervisor) terminate(pid int) error {
	if s.opts.Platform.Kill == platform.KillTree {
		return killTree(pid)
	}
	if err := interruptGroup(pid); err != nil {
		s.logger.Debug("group interrupt failed, killing tree", "pid", pid, "error", err)
		return killTree(pid)
	}
	return nil
}

// Shutdown stops the backend and waits up to grace for it to exit before
// force-killing whatever is left of its process tree.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	if err := s.Stop(); err != nil {
		s.logger.Warn("graceful stop failed", "pid", r.pid, "error", err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-r.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	s.logger.Warn("backend did not exit in time, killing process tree", "pid", r.pid, "grace", grace)
	if err := killGroup(r.pid); err != nil {
		return killTree(r.pid)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether a backend has been confirmed healthy.
func (s *Supervisor) IsRunning() bool {
	return s.State() == Running
}

// PID returns the backend's process id, or 0 when there is none.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pidLocked()
}

func (s *Supervisor) pidLocked() int {
	if s.current == nil {
		return 0
	}
	return s.current.pid
}

// Done is closed when the current backend exits. With no backend it is
// already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.current.done
}

// LastError returns the most recent crash, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Endpoint returns the shared endpoint handle.
func (s *Supervisor) Endpoint() *config.Endpoint {
	return s.opts.Endpoint
}

func (s *Supervisor) publishError(kind, msg string) {
	s.opts.Bus.Publish(bus.TopicServerError, bus.ServerErrorEvent{Kind: kind, Message: msg})
}
