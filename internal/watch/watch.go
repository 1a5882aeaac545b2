// Package watch reports source changes in a dev checkout so the backend can
// be restarted.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harshul/scope-launcher/internal/materializer"
)

// DefaultDebounce groups bursts of writes (editor saves, git checkouts).
const DefaultDebounce = 500 * time.Millisecond

// Watcher emits the set of changed files once a burst of events settles.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	events   chan []string
}

// New creates a Watcher for root and everything below it.
func New(root string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		logger:   logger.With("component", "watch"),
		events:   make(chan []string, 4),
	}
}

// Events delivers sorted, de-duplicated paths. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan []string {
	return w.events
}

// Start registers the tree and watches it until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := w.addTree(fsw, w.root); err != nil {
		fsw.Close()
		return err
	}
	w.logger.Info("watching for changes", "root", w.root)

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && materializer.ShouldSkip(d.Name(), true) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	pending := map[string]struct{}{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		pending = map[string]struct{}{}
		select {
		case w.events <- paths:
		default:
			w.logger.Debug("change batch dropped, consumer busy", "files", len(paths))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if !materializer.ShouldSkip(fi.Name(), true) {
						if err := w.addTree(fsw, ev.Name); err != nil {
							w.logger.Warn("watch new dir failed", "dir", ev.Name, "error", err)
						}
					}
					continue
				}
			}
			if !Relevant(w.root, ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-timer.C:
			flush()
		}
	}
}

// Relevant reports whether a change to path should restart the backend.
// Editor swap files, bytecode and anything under a skipped dir are ignored.
func Relevant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, dir := range parts[:len(parts)-1] {
		if materializer.ShouldSkip(dir, true) {
			return false
		}
	}
	base := parts[len(parts)-1]
	if materializer.ShouldSkip(base, false) {
		return false
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasPrefix(base, ".#") {
		return false
	}
	return true
}
