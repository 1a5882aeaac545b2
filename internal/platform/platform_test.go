package platform

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadURL(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         string
	}{
		{"darwin", "arm64", "https://example.test/dl/uv-aarch64-apple-darwin.tar.gz"},
		{"darwin", "amd64", "https://example.test/dl/uv-x86_64-apple-darwin.tar.gz"},
		{"linux", "amd64", "https://example.test/dl/uv-x86_64-unknown-linux-gnu.tar.gz"},
		{"linux", "arm64", "https://example.test/dl/uv-aarch64-unknown-linux-gnu.tar.gz"},
		{"windows", "amd64", "https://example.test/dl/uv-x86_64-pc-windows-msvc.zip"},
		{"windows", "arm64", "https://example.test/dl/uv-aarch64-pc-windows-msvc.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			got, err := For(tt.goos, tt.goarch).DownloadURL("https://example.test/dl/", "uv")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDownloadURLUnsupported(t *testing.T) {
	_, err := For("plan9", "386").DownloadURL("", "uv")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedPlatform))
	assert.False(t, For("linux", "riscv64").Supported())
	assert.False(t, For("freebsd", "amd64").Supported())
	for _, goos := range []string{"darwin", "linux", "windows"} {
		for _, arch := range []string{"amd64", "arm64"} {
			assert.True(t, For(goos, arch).Supported(), goos+"/"+arch)
		}
	}
}

func TestDownloadURLDefaultBase(t *testing.T) {
	got, err := For("linux", "amd64").DownloadURL("", "uv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, DefaultDownloadBase+"/"))
}

func TestWindowsCapabilities(t *testing.T) {
	c := For("windows", "amd64")
	assert.Equal(t, ArchiveZip, c.ArchiveKind)
	assert.Equal(t, KillTree, c.Kill)
	assert.Equal(t, "uv.exe", c.ExecutableName("uv"))

	u := For("darwin", "arm64")
	assert.Equal(t, ArchiveTarGz, u.ArchiveKind)
	assert.Equal(t, KillGroupInterrupt, u.Kill)
	assert.Equal(t, "uv", u.ExecutableName("uv"))
}

func TestAugmentPathPrependsAndDedupes(t *testing.T) {
	c := For("linux", "amd64")
	got := c.AugmentPath("/usr/bin:/custom/bin", "/home/me")
	parts := strings.Split(got, ":")

	assert.Equal(t, "/opt/homebrew/bin", parts[0])
	assert.Contains(t, parts, "/home/me/.local/bin")
	assert.Contains(t, parts, "/custom/bin")

	count := 0
	for _, p := range parts {
		if p == "/usr/bin" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, "/custom/bin", parts[len(parts)-1])
}

func TestEnvironReplacesPath(t *testing.T) {
	c := For("linux", "amd64")
	env := c.Environ([]string{"HOME=/h", "PATH=/only", "FOO=bar"})

	var paths []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			paths = append(paths, kv)
		}
	}
	require.Len(t, paths, 1)
	assert.Contains(t, paths[0], "/only")
	assert.Contains(t, paths[0], "/usr/local/bin")
	assert.Contains(t, env, "FOO=bar")
}

func TestLookPathFindsExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit check is unix only")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-tool")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", dir)

	got, err := Current().LookPath("fake-tool")
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	_, err = Current().LookPath("definitely-not-a-tool-xyz")
	assert.Error(t, err)
}
