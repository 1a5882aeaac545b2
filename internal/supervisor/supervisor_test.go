package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/scope-launcher/internal/bus"
	"github.com/harshul/scope-launcher/internal/config"
	"github.com/harshul/scope-launcher/internal/provisioner"
)

type fakeTool struct {
	path string
	ok   bool
}

func (f fakeTool) ToolPath() (string, bool) { return f.path, f.ok }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures need a unix shell")
	}
	path := filepath.Join(t.TempDir(), "fake-uv")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

type fixture struct {
	sup  *Supervisor
	bus  *bus.Bus
	logs *syncBuffer
	dir  string
}

func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	b := bus.New()
	dir := t.TempDir()
	sup := New(fakeTool{path: script, ok: script != ""}, Options{
		Endpoint:     config.NewEndpoint("127.0.0.1", freePort(t)),
		PortAttempts: 20,
		ProjectDir:   dir,
		Entrypoint:   "daydream-scope",
		Bus:          b,
		Logger:       slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	t.Cleanup(func() {
		sup.Shutdown(context.Background(), time.Second)
	})
	return &fixture{sup: sup, bus: b, logs: logs, dir: dir}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("backend did not exit")
	}
}

// drainErrors collects server errors already on the subscription.
func drainErrors(sub *bus.Subscription) []bus.ServerErrorEvent {
	var out []bus.ServerErrorEvent
	for {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev.Payload.(bus.ServerErrorEvent))
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

const longRunning = `
echo "$$" >> "$(dirname "$0")/pids"
echo "Uvicorn running"
while :; do sleep 0.1; done
`

func TestStartTwiceKeepsOneProcess(t *testing.T) {
	f := newFixture(t, writeScript(t, longRunning))
	ctx := context.Background()

	require.NoError(t, f.sup.Start(ctx))
	pid := f.sup.PID()
	require.NoError(t, f.sup.Start(ctx))

	assert.Equal(t, pid, f.sup.PID())
	assert.Equal(t, Starting, f.sup.State())
	assert.Contains(t, f.logs.String(), "backend already active")

	pidsFile := filepath.Join(filepath.Dir(f.sup.tool.(fakeTool).path), "pids")
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidsFile)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	data, err := os.ReadFile(pidsFile)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(data)), 1)
}

func TestStartPassesBackendArguments(t *testing.T) {
	script := writeScript(t, `
echo "$@" > args.txt
pwd > cwd.txt
echo "$SCOPE_TEST_TOKEN" > token.txt
`)
	f := newFixture(t, script)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, ".env"), []byte("SCOPE_TEST_TOKEN=hf_abc\nPORT=1\n"), 0o644))
	f.sup.opts.EnvFile = filepath.Join(f.dir, ".env")

	require.NoError(t, f.sup.Start(context.Background()))
	waitDone(t, f.sup.Done())

	args, err := os.ReadFile(filepath.Join(f.dir, "args.txt"))
	require.NoError(t, err)
	port := f.sup.Endpoint().Port()
	assert.Equal(t, "run daydream-scope --host 127.0.0.1 --port "+strconv.Itoa(port)+" --no-browser", strings.TrimSpace(string(args)))

	token, err := os.ReadFile(filepath.Join(f.dir, "token.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hf_abc", strings.TrimSpace(string(token)))
}

func TestStartSkipsBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	f := newFixture(t, writeScript(t, longRunning))
	f.sup.opts.PreferredPort = busy

	require.NoError(t, f.sup.Start(context.Background()))
	got := f.sup.Endpoint().Port()
	assert.NotEqual(t, busy, got)
	assert.GreaterOrEqual(t, got, busy)
	assert.Less(t, got, busy+20)
}

func TestCrashPublishesOneError(t *testing.T) {
	f := newFixture(t, writeScript(t, `
echo "loading pipeline"
echo "RuntimeError: CUDA device not found" >&2
exit 1
`))
	errs := f.bus.Subscribe(bus.TopicServerError)
	status := f.bus.Subscribe(bus.TopicServerStatus)

	require.NoError(t, f.sup.Start(context.Background()))
	waitDone(t, f.sup.Done())

	got := drainErrors(errs)
	require.Len(t, got, 1)
	assert.Equal(t, KindProcessCrashed, got[0].Kind)
	assert.Contains(t, got[0].Message, "code 1")
	assert.Contains(t, got[0].Message, "CUDA device not found")

	var crash *CrashError
	require.True(t, errors.As(f.sup.LastError(), &crash))
	assert.Equal(t, 1, crash.ExitCode)
	assert.Equal(t, Stopped, f.sup.State())

	select {
	case ev := <-status.Ch():
		assert.False(t, ev.Payload.(bus.ServerStatusEvent).IsRunning)
	case <-time.After(time.Second):
		t.Fatal("no server status event")
	}
}

func TestCleanExitPublishesNoError(t *testing.T) {
	f := newFixture(t, writeScript(t, `
echo "shutting down"
exit 0
`))
	errs := f.bus.Subscribe(bus.TopicServerError)

	require.NoError(t, f.sup.Start(context.Background()))
	waitDone(t, f.sup.Done())

	assert.Empty(t, drainErrors(errs))
	assert.NoError(t, f.sup.LastError())
	assert.Equal(t, Stopped, f.sup.State())
}

func TestStopInterruptsBackend(t *testing.T) {
	f := newFixture(t, writeScript(t, longRunning))
	errs := f.bus.Subscribe(bus.TopicServerError)

	require.NoError(t, f.sup.Start(context.Background()))
	done := f.sup.Done()
	f.sup.MarkRunning()
	assert.True(t, f.sup.IsRunning())

	require.NoError(t, f.sup.Stop())
	assert.Equal(t, 0, f.sup.PID(), "handle is cleared without waiting")
	assert.False(t, f.sup.IsRunning())
	waitDone(t, done)

	assert.Empty(t, drainErrors(errs), "a requested stop is not a crash")
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	sup := New(fakeTool{}, Options{})
	assert.NoError(t, sup.Stop())
	assert.NoError(t, sup.Stop())
	assert.Equal(t, Stopped, sup.State())
	assert.NoError(t, sup.Shutdown(context.Background(), time.Millisecond))
}

func TestShutdownKillsStubbornBackend(t *testing.T) {
	f := newFixture(t, writeScript(t, `
trap '' INT
while :; do sleep 0.1; done
`))
	require.NoError(t, f.sup.Start(context.Background()))
	done := f.sup.Done()

	require.NoError(t, f.sup.Shutdown(context.Background(), 200*time.Millisecond))
	waitDone(t, done)
}

func TestStartWithoutTool(t *testing.T) {
	f := newFixture(t, "")
	errs := f.bus.Subscribe(bus.TopicServerError)

	err := f.sup.Start(context.Background())
	assert.True(t, errors.Is(err, provisioner.ErrToolNotFound))

	got := drainErrors(errs)
	require.Len(t, got, 1)
	assert.Equal(t, KindFailedToSpawn, got[0].Kind)
}

func TestStartSpawnFailure(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "missing-uv"))
	errs := f.bus.Subscribe(bus.TopicServerError)

	err := f.sup.Start(context.Background())
	assert.True(t, errors.Is(err, ErrSpawnFailed))
	assert.Equal(t, Stopped, f.sup.State())

	got := drainErrors(errs)
	require.Len(t, got, 1)
	assert.Equal(t, KindFailedToSpawn, got[0].Kind)
}

func TestCrashDetectedWhileDescendantHoldsOutput(t *testing.T) {
	f := newFixture(t, writeScript(t, `
sleep 5 &
echo "fatal: worker died" >&2
exit 1
`))
	errs := f.bus.Subscribe(bus.TopicServerError)

	start := time.Now()
	require.NoError(t, f.sup.Start(context.Background()))
	pid := f.sup.PID()
	t.Cleanup(func() { killGroup(pid) })

	select {
	case <-f.sup.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("exit not observed, state=%s", f.sup.State())
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	got := drainErrors(errs)
	require.Len(t, got, 1)
	assert.Equal(t, KindProcessCrashed, got[0].Kind)
	assert.Contains(t, got[0].Message, "fatal: worker died")
	assert.Equal(t, Stopped, f.sup.State())
}
