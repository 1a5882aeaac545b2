// Package logging sets up the launcher's structured logs: JSON lines in the
// data directory's logs folder plus human-readable lines on the console.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Init.
type Options struct {
	Level string
	Dir   string
	// Quiet disables console output, e.g. while a full-screen TUI owns the terminal.
	Quiet      bool
	Console io.Writer
	// MaxAgeDays prunes log files and rotated backups older than this.
	MaxAgeDays int
	// MaxSizeMB rotates the current file once it grows past this size.
	MaxSizeMB  int
	MaxBackups int
}

// Init creates the log directory, prunes stale files, opens today's log file
// and installs the resulting logger as the slog default. The returned closer
// flushes and closes the file.
func Init(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Dir == "" {
		return nil, nil, errors.New("log dir is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, err
	}
	// Earlier days' files have their own names, so lumberjack's MaxAge
	// never sees them.
	if opts.MaxAgeDays > 0 {
		if _, err := CleanupOldLogs(opts.Dir, time.Duration(opts.MaxAgeDays)*24*time.Hour); err != nil {
			return nil, nil, err
		}
	}

	file := &lumberjack.Logger{
		Filename:   CurrentLogFile(opts.Dir, time.Now()),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		LocalTime:  true,
	}

	lvl := ParseLevel(opts.Level)
	handlers := []slog.Handler{
		slog.NewJSONHandler(file, &slog.HandlerOptions{
			Level: lvl,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "timestamp"
				}
				return a
			},
		}),
	}
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		handlers = append(handlers, slog.NewTextHandler(console, &slog.HandlerOptions{Level: lvl}))
	}

	logger := slog.New(fanout(handlers)).With("run_id", uuid.NewString())
	slog.SetDefault(logger)
	return logger, file, nil
}

// CurrentLogFile returns the log file path for the day containing now.
func CurrentLogFile(dir string, now time.Time) string {
	return filepath.Join(dir, "launcher-"+now.Format("2006-01-02")+".jsonl")
}

// CleanupOldLogs deletes log files in dir whose modification time is older
// than maxAge and returns how many were removed.
func CleanupOldLogs(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !isLogFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func isLogFile(name string) bool {
	return strings.Contains(name, ".log") || strings.Contains(name, ".jsonl")
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanoutHandler sends each record to every wrapped handler.
type fanoutHandler []slog.Handler

func fanout(hs []slog.Handler) slog.Handler {
	if len(hs) == 1 {
		return hs[0]
	}
	return fanoutHandler(hs)
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
