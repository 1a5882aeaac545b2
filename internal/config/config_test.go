package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCOPE_DATA_DIR", dir)
	t.Setenv("SCOPE_RESOURCES_DIR", filepath.Join(dir, "resources"))
	for _, k := range []string{"SCOPE_SERVER_HOST", "SCOPE_SERVER_PORT", "SCOPE_SERVER_URL", "LOG_LEVEL", "SCOPE_TELEMETRY_EXPORTER", "SCOPE_DEV_CHECKOUT"} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 600, cfg.Health.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Health.Interval)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "python-project"), cfg.ProjectDir())
	assert.Equal(t, filepath.Join(dir, "python-project", "pyproject.toml"), cfg.ManifestPath())
	assert.Equal(t, filepath.Join(dir, "uv"), cfg.ToolDir())
	assert.False(t, cfg.DevCheckout)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 0.0.0.0
  port: 9000
health:
  max_attempts: 3
  interval: 250ms
setup:
  require_sync_marker: true
`), 0o644))

	t.Setenv("SCOPE_SERVER_PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Health.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Health.Interval)
	assert.True(t, cfg.Setup.RequireSyncMarker)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestServerURLOverride(t *testing.T) {
	isolate(t)
	t.Setenv("SCOPE_SERVER_URL", "http://localhost:8123")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8123, cfg.Server.Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	isolate(t)

	t.Setenv("SCOPE_SERVER_PORT", "abc")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("SCOPE_SERVER_PORT", "70000")
	_, err = Load("")
	assert.Error(t, err)

	t.Setenv("SCOPE_SERVER_PORT", "")
	t.Setenv("SCOPE_SERVER_URL", "::not a url")
	_, err = Load("")
	assert.Error(t, err)
}

func TestDevCheckoutUsesResourcesDir(t *testing.T) {
	dir := isolate(t)
	t.Setenv("SCOPE_DEV_CHECKOUT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.DevCheckout)
	assert.Equal(t, filepath.Join(dir, "resources"), cfg.ProjectDir())
}

func TestWriteThenLoad(t *testing.T) {
	dir := isolate(t)
	cfg := Default()
	cfg.DataDir = dir
	cfg.Server.Port = 8555
	path := filepath.Join(dir, "nested", FileName)

	require.NoError(t, Write(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8555, got.Server.Port)
	assert.Equal(t, cfg.Setup.GraceDelay, got.Setup.GraceDelay)
}

func TestEndpoint(t *testing.T) {
	ep := NewEndpoint("127.0.0.1", 8000)
	assert.Equal(t, "http://127.0.0.1:8000", ep.URL())

	require.NoError(t, ep.SetPort(8001))
	assert.Equal(t, 8001, ep.Port())
	assert.Equal(t, "127.0.0.1:8001", ep.Addr())

	assert.Error(t, ep.SetPort(0))
	assert.Error(t, ep.SetPort(65536))
	assert.Equal(t, 8001, ep.Port())

	v6 := NewEndpoint("::1", 9000)
	assert.Equal(t, "http://[::1]:9000", v6.URL())
}

func TestEndpointConcurrentReads(t *testing.T) {
	ep := NewEndpoint("127.0.0.1", 8000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ep.URL()
			}
		}()
	}
	for p := 8001; p < 8050; p++ {
		require.NoError(t, ep.SetPort(p))
	}
	wg.Wait()
	assert.Equal(t, 8049, ep.Port())
}
