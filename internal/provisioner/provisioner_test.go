package provisioner

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/scope-launcher/internal/platform"
)

const testTool = "scopetool"

var testBinary = []byte("#!/bin/sh\necho scopetool 0.0.0-test\n")

func buildTarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func currentPlatform(t *testing.T) platform.Capabilities {
	t.Helper()
	caps := platform.Current()
	if !caps.Supported() {
		t.Skipf("no release for %s/%s", caps.OS, caps.Arch)
	}
	return caps
}

func archiveFor(t *testing.T, caps platform.Capabilities, files map[string][]byte) []byte {
	if caps.ArchiveKind == platform.ArchiveZip {
		return buildZip(t, files)
	}
	return buildTarGz(t, files)
}

func newTestProvisioner(t *testing.T, caps platform.Capabilities, base string) *Provisioner {
	t.Helper()
	return New(Options{
		ToolName:     testTool,
		InstallDir:   filepath.Join(t.TempDir(), "uv"),
		DownloadBase: base,
		Platform:     caps,
	})
}

// serveArchive answers /dl/<asset> with a redirect to /blob/<asset>,
// mirroring how release downloads bounce to a CDN.
func serveArchive(t *testing.T, archive []byte) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blob/"+strings.TrimPrefix(r.URL.Path, "/dl/"), http.StatusFound)
	})
	mux.HandleFunc("/blob/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(archive)))
		w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadAndInstallRoundTrip(t *testing.T) {
	caps := currentPlatform(t)
	bin := caps.ExecutableName(testTool)
	archive := archiveFor(t, caps, map[string][]byte{
		testTool + "-release/" + bin: testBinary,
		testTool + "-release/README": []byte("docs"),
	})
	srv := serveArchive(t, archive)

	var lastProgress int64
	p := newTestProvisioner(t, caps, srv.URL+"/dl")
	p.opts.Progress = func(done, total int64) { lastProgress = done }

	assert.False(t, p.IsToolInstalled())

	installing := 0
	ctx := WithTrace(context.Background(), &Trace{Installing: func() { installing++ }})
	require.NoError(t, p.DownloadAndInstall(ctx))
	assert.True(t, p.IsToolInstalled())
	assert.Equal(t, int64(len(archive)), lastProgress)
	assert.Equal(t, 1, installing)

	path, ok := p.ToolPath()
	require.True(t, ok)
	assert.Equal(t, p.InstallPath(), path)

	data, err := os.ReadFile(p.InstallPath())
	require.NoError(t, err)
	assert.Equal(t, testBinary, data)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(p.InstallPath())
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&0o100, "binary should be executable")
	}

	// Installing again succeeds and leaves exactly one file behind.
	require.NoError(t, p.DownloadAndInstall(context.Background()))
	entries, err := os.ReadDir(p.opts.InstallDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bin, entries[0].Name())
}

func TestDownloadTooManyRedirects(t *testing.T) {
	caps := currentPlatform(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n), http.StatusFound)
	}))
	defer srv.Close()

	p := newTestProvisioner(t, caps, srv.URL+"/dl")
	err := p.DownloadAndInstall(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyRedirects))
	assert.True(t, errors.Is(err, ErrDownloadFailed))
	assert.Equal(t, int32(maxRedirects+1), hits.Load())

	_, statErr := os.Stat(p.InstallPath())
	assert.True(t, os.IsNotExist(statErr), "no binary should be written")
	entries, _ := os.ReadDir(p.opts.InstallDir)
	assert.Empty(t, entries, "scratch files should be removed")
}

func TestDownloadFollowsExactlyMaxRedirects(t *testing.T) {
	caps := currentPlatform(t)
	archive := archiveFor(t, caps, map[string][]byte{caps.ExecutableName(testTool): testBinary})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= maxRedirects {
			http.Redirect(w, r, fmt.Sprintf("/hop/%d", n), http.StatusTemporaryRedirect)
			return
		}
		w.Write(archive)
	}))
	defer srv.Close()

	p := newTestProvisioner(t, caps, srv.URL+"/dl")
	require.NoError(t, p.DownloadAndInstall(context.Background()))
	assert.True(t, p.IsToolInstalled())
}

func TestDownloadBadStatus(t *testing.T) {
	caps := currentPlatform(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProvisioner(t, caps, srv.URL)
	err := p.DownloadAndInstall(context.Background())
	assert.True(t, errors.Is(err, ErrDownloadFailed))
	assert.False(t, errors.Is(err, ErrTooManyRedirects))
	assert.False(t, p.IsToolInstalled())
}

func TestDownloadCorruptArchive(t *testing.T) {
	caps := currentPlatform(t)
	srv := serveArchive(t, []byte("this is not an archive"))

	p := newTestProvisioner(t, caps, srv.URL+"/dl")
	err := p.DownloadAndInstall(context.Background())
	assert.True(t, errors.Is(err, ErrArchiveExtract))
}

func TestDownloadArchiveWithoutBinary(t *testing.T) {
	caps := currentPlatform(t)
	srv := serveArchive(t, archiveFor(t, caps, map[string][]byte{"release/LICENSE": []byte("MIT")}))

	p := newTestProvisioner(t, caps, srv.URL+"/dl")
	err := p.DownloadAndInstall(context.Background())
	assert.True(t, errors.Is(err, ErrBinaryNotInArchive))
	_, statErr := os.Stat(p.InstallPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadUnsupportedPlatform(t *testing.T) {
	p := newTestProvisioner(t, platform.For("plan9", "mips"), "http://127.0.0.1:1")
	err := p.DownloadAndInstall(context.Background())
	assert.True(t, errors.Is(err, platform.ErrUnsupportedPlatform))
}

func TestFindBinaryDepthBound(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))
	}

	write("a/b/c/uv")
	_, ok := findBinary(root, "uv", maxSearchDepth)
	assert.False(t, ok, "depth 3 must not be searched")

	write("x/y/uv")
	got, ok := findBinary(root, "uv", maxSearchDepth)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "x", "y", "uv"), got)

	write("uv")
	got, ok = findBinary(root, "uv", maxSearchDepth)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "uv"), got)
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string][]byte{"../evil": []byte("x")}), 0o644))

	err := extract(platform.ArchiveZip, archive, filepath.Join(dir, "out"))
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractZipNested(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "tool.zip")
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string][]byte{"uv-x86_64-pc-windows-msvc/uv.exe": testBinary}), 0o644))

	out := filepath.Join(dir, "out")
	require.NoError(t, extract(platform.ArchiveZip, archive, out))
	got, ok := findBinary(out, "uv.exe", maxSearchDepth)
	require.True(t, ok)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, testBinary, data)
}
