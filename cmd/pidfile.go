package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harshul/scope-launcher/internal/app"
	"github.com/harshul/scope-launcher/internal/bus"
)

// pidTracker keeps the pidfile in step with the backend so 'stop' and
// 'status' can find it from another terminal.
type pidTracker struct {
	path   string
	app    *app.App
	sub    *bus.Subscription
	done   chan struct{}
	logger *slog.Logger
}

func trackPID(path string, a *app.App, logger *slog.Logger) *pidTracker {
	t := &pidTracker{
		path:   path,
		app:    a,
		sub:    a.Subscribe(bus.TopicServerStatus),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.loop()
	return t
}

func (t *pidTracker) loop() {
	defer close(t.done)
	for ev := range t.sub.Ch() {
		st, ok := ev.Payload.(bus.ServerStatusEvent)
		if !ok {
			continue
		}
		status := t.app.GetServerStatus()
		if st.IsRunning && status.PID > 0 && !status.External {
			rec := pidRecord{PID: status.PID, URL: st.URL}
			if err := writePIDFile(t.path, rec); err != nil {
				t.logger.Warn("failed to write pidfile", "path", t.path, "error", err)
			}
			continue
		}
		if !st.IsRunning {
			removePIDFile(t.path)
		}
	}
}

// Close stops tracking and removes the pidfile.
func (t *pidTracker) Close() {
	t.app.Unsubscribe(t.sub)
	<-t.done
	removePIDFile(t.path)
}

// pidRecord is the pidfile content: the backend pid on the first line and
// the URL it was started on, which may differ from the configured port, on
// the second.
type pidRecord struct {
	PID int
	URL string
}

func writePIDFile(path string, rec pidRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n"
	if rec.URL != "" {
		data += rec.URL + "\n"
	}
	return os.WriteFile(path, []byte(data), 0o644)
}

func readPIDFile(path string) (pidRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pidRecord{}, err
	}
	first, rest, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return pidRecord{}, fmt.Errorf("corrupt pidfile %s", path)
	}
	return pidRecord{PID: pid, URL: strings.TrimSpace(rest)}, nil
}

func removePIDFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove pidfile", "path", path, "error", err)
	}
}
