package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelevant(t *testing.T) {
	root := filepath.FromSlash("/proj/src")
	tests := []struct {
		path string
		want bool
	}{
		{"/proj/src/scope/server/app.py", true},
		{"/proj/src/scope/__pycache__/app.cpython-312.pyc", false},
		{"/proj/src/scope/app.pyc", false},
		{"/proj/src/.venv/lib/site.py", false},
		{"/proj/src/scope/.app.py.swp", false},
		{"/proj/src/scope/app.py~", false},
		{"/proj/other/app.py", false},
	}
	for _, tt := range tests {
		if got := Relevant(root, filepath.FromSlash(tt.path)); got != tt.want {
			t.Errorf("Relevant(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWatcherDebouncesBurst(t *testing.T) {
	root := t.TempDir()
	pkg := filepath.Join(root, "scope")
	require.NoError(t, os.MkdirAll(filepath.Join(pkg, "__pycache__"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(root, 100*time.Millisecond, nil)
	require.NoError(t, w.Start(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(pkg, "app.py"), []byte{byte('a' + i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, os.WriteFile(filepath.Join(pkg, "__pycache__", "app.pyc"), []byte("x"), 0o644))

	select {
	case batch := <-w.Events():
		assert.Equal(t, []string{filepath.Join(pkg, "app.py")}, batch)
	case <-time.After(5 * time.Second):
		t.Fatal("no change batch")
	}

	select {
	case batch := <-w.Events():
		t.Fatalf("unexpected second batch: %v", batch)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherFollowsNewDirs(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(root, 50*time.Millisecond, nil)
	require.NoError(t, w.Start(ctx))

	sub := filepath.Join(root, "scope", "pipelines")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a moment to register the new directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "new.py"), []byte("x"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case batch := <-w.Events():
			for _, p := range batch {
				if p == filepath.Join(sub, "new.py") {
					return
				}
			}
		case <-deadline:
			t.Fatal("change in new directory not reported")
		}
	}
}

func TestWatcherClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(t.TempDir(), 0, nil)
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}
