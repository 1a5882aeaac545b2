package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitWritesFileAndConsole(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	dir := t.TempDir()
	var console bytes.Buffer
	logger, closer, err := Init(Options{Level: "debug", Dir: dir, Console: &console})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	logger.Info("backend started", "port", 8000)
	closer.Close()

	data, err := os.ReadFile(CurrentLogFile(dir, time.Now()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"backend started"`) {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"timestamp"`) {
		t.Errorf("log file missing timestamp key: %s", data)
	}
	if !strings.Contains(string(data), `"run_id"`) {
		t.Errorf("log file missing run_id: %s", data)
	}
	if !strings.Contains(console.String(), "port=8000") {
		t.Errorf("console missing structured field: %q", console.String())
	}
}

func TestInitQuietSkipsConsole(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var console bytes.Buffer
	logger, closer, err := Init(Options{Dir: t.TempDir(), Quiet: true, Console: &console})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	if console.Len() != 0 {
		t.Errorf("expected no console output, got %q", console.String())
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "launcher-2000-01-01.jsonl")
	oldBackup := filepath.Join(dir, "launcher-2000-01-01.jsonl.1")
	fresh := filepath.Join(dir, "launcher-today.jsonl")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, oldBackup, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{old, oldBackup, other} {
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := CleanupOldLogs(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh log should survive: %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("non-log file should survive: %v", err)
	}
}

func TestCleanupMissingDir(t *testing.T) {
	n, err := CleanupOldLogs(filepath.Join(t.TempDir(), "nope"), time.Hour)
	if err != nil || n != 0 {
		t.Errorf("expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestInitRotatesBySize(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	dir := t.TempDir()
	logger, closer, err := Init(Options{Dir: dir, Quiet: true, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	line := strings.Repeat("x", 1024)
	for i := 0; i < 1500; i++ {
		logger.Info(line, "n", i)
	}
	closer.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var logs int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "launcher-") {
			logs++
		}
	}
	if logs < 2 {
		t.Errorf("expected the current file plus a rotated backup, got %d files", logs)
	}
	info, err := os.Stat(CurrentLogFile(dir, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 1<<20 {
		t.Errorf("current file is %d bytes, past the 1 MB limit", info.Size())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
