package depsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/harshul/scope-launcher/internal/platform"
	"github.com/harshul/scope-launcher/internal/provisioner"
	"github.com/harshul/scope-launcher/internal/telemetry"
)

// MarkerFile is written into the project dir after a fully successful sync.
const MarkerFile = ".sync-complete"

// ErrSyncFailed is matched by every *SyncError.
var ErrSyncFailed = errors.New("dependency sync failed")

// SyncError reports a failed sync. ExitCode is -1 when the tool never ran.
type SyncError struct {
	ExitCode int
	Err      error
}

func (e *SyncError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("dependency sync failed to start: %v", e.Err)
	}
	return fmt.Sprintf("dependency sync exited with code %d", e.ExitCode)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailed }

// ToolLocator resolves the tool binary, local install first.
type ToolLocator interface {
	ToolPath() (string, bool)
}

// LineFunc receives each output line as it is produced.
type LineFunc func(stream, line string)

// Options configures a Syncer.
type Options struct {
	ProjectDir string
	Platform   platform.Capabilities
	Timeout    time.Duration
	Logger     *slog.Logger
	Telemetry  *telemetry.Provider
	OnLine     LineFunc
}

// Syncer installs the backend's own dependencies with the tool.
type Syncer struct {
	tool   ToolLocator
	opts   Options
	logger *slog.Logger
	tel    *telemetry.Provider
}

// New creates a Syncer.
func New(tool ToolLocator, opts Options) *Syncer {
	if opts.Platform.OS == "" {
		opts.Platform = platform.Current()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Syncer{tool: tool, opts: opts, logger: logger.With("component", "depsync"), tel: tel}
}

// MarkerPath returns the sync marker location for projectDir.
func MarkerPath(projectDir string) string {
	return filepath.Join(projectDir, MarkerFile)
}

// HasMarker reports whether the last sync in projectDir completed.
func HasMarker(projectDir string) bool {
	_, err := os.Stat(MarkerPath(projectDir))
	return err == nil
}

// RunSync runs `<tool> sync` in the project dir, streaming output line by
// line. Any non-zero exit is a *SyncError.
func (s *Syncer) RunSync(ctx context.Context) (err error) {
	tool, ok := s.tool.ToolPath()
	if !ok {
		return &SyncError{ExitCode: -1, Err: provisioner.ErrToolNotFound}
	}

	ctx, span := telemetry.StartSpan(ctx, s.tel.Tracer, "depsync.run")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	// A stale marker must not survive a failed run.
	if err := os.Remove(MarkerPath(s.opts.ProjectDir)); err != nil && !os.IsNotExist(err) {
		return &SyncError{ExitCode: -1, Err: err}
	}

	cmd := exec.CommandContext(ctx, tool, "sync")
	cmd.Dir = s.opts.ProjectDir
	cmd.Env = s.opts.Platform.Environ(os.Environ())

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SyncError{ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SyncError{ExitCode: -1, Err: err}
	}

	s.logger.Info("syncing dependencies", "tool", tool, "dir", s.opts.ProjectDir)
	if err := cmd.Start(); err != nil {
		return &SyncError{ExitCode: -1, Err: err}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.stream(&wg, "stdout", stdout)
	go s.stream(&wg, "stderr", stderr)
	// pipes must be drained before Wait closes them
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &SyncError{ExitCode: exitErr.ExitCode(), Err: err}
		}
		return &SyncError{ExitCode: -1, Err: err}
	}

	if err := os.WriteFile(MarkerPath(s.opts.ProjectDir), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write sync marker: %w", err)
	}
	s.logger.Info("dependencies synced")
	return nil
}

func (s *Syncer) stream(wg *sync.WaitGroup, name string, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	// Increase buffer size for long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Info(line, "stream", name)
		if s.opts.OnLine != nil {
			s.opts.OnLine(name, line)
		}
	}
	// keep draining so the child never blocks on a full pipe
	io.Copy(io.Discard, r)
}
