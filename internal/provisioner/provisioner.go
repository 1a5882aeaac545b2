package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/harshul/scope-launcher/internal/platform"
	"github.com/harshul/scope-launcher/internal/telemetry"
)

var (
	// ErrToolNotFound means neither a local nor a system tool binary exists.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDownloadFailed covers network errors, bad statuses and redirect loops.
	ErrDownloadFailed = errors.New("download failed")
	// ErrTooManyRedirects is a download failure caused by a redirect chain
	// longer than maxRedirects.
	ErrTooManyRedirects = fmt.Errorf("%w: too many redirects", ErrDownloadFailed)
	// ErrArchiveExtract means the downloaded archive could not be unpacked.
	ErrArchiveExtract = errors.New("archive extraction failed")
	// ErrBinaryNotInArchive means the archive unpacked but held no tool binary.
	ErrBinaryNotInArchive = errors.New("tool binary not found in archive")
)

const (
	maxRedirects = 10
	// maxSearchDepth bounds how deep findBinary descends into the unpacked
	// archive. Release archives nest the binary in a platform-named folder.
	maxSearchDepth = 2

	versionCheckTimeout = 10 * time.Second
)

// ProgressFunc receives download progress. total is -1 when unknown.
type ProgressFunc func(downloaded, total int64)

// Options configures a Provisioner.
type Options struct {
	ToolName     string
	InstallDir   string
	DownloadBase string
	Platform     platform.Capabilities
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Telemetry    *telemetry.Provider
	Progress     ProgressFunc
}

// Provisioner makes sure the environment manager binary is available.
type Provisioner struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
	tel    *telemetry.Provider
}

// New creates a Provisioner. A zero Platform means the running platform.
func New(opts Options) *Provisioner {
	if opts.ToolName == "" {
		opts.ToolName = "uv"
	}
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

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 5 * time.Minute}
	}
	// Redirects are walked by hand so the hop count is ours to bound.
	client := *base
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Provisioner{
		opts:   opts,
		client: &client,
		logger: logger.With("component", "provisioner"),
		tel:    tel,
	}
}

// InstallPath is where the provisioned binary lives.
func (p *Provisioner) InstallPath() string {
	return filepath.Join(p.opts.InstallDir, p.opts.Platform.ExecutableName(p.opts.ToolName))
}

// IsToolInstalled first tries running the tool from the augmented search
// path, then falls back to checking the local install path.
func (p *Provisioner) IsToolInstalled() bool {
	if _, ok := p.systemTool(); ok {
		return true
	}
	return fileExists(p.InstallPath())
}

// ToolPath resolves the binary to run, preferring the local install.
func (p *Provisioner) ToolPath() (string, bool) {
	if local := p.InstallPath(); fileExists(local) {
		return local, true
	}
	return p.systemTool()
}

// Version runs `<tool> --version` on the resolved binary.
func (p *Provisioner) Version(ctx context.Context) (string, error) {
	path, ok := p.ToolPath()
	if !ok {
		return "", ErrToolNotFound
	}
	return p.runVersion(ctx, path)
}

func (p *Provisioner) systemTool() (string, bool) {
	path, err := p.opts.Platform.LookPath(p.opts.ToolName)
	if err != nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), versionCheckTimeout)
	defer cancel()
	if _, err := p.runVersion(ctx, path); err != nil {
		p.logger.Debug("system tool did not answer --version", "path", path, "error", err)
		return "", false
	}
	return path, true
}

func (p *Provisioner) runVersion(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Env = p.opts.Platform.Environ(os.Environ())
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// DownloadAndInstall fetches the platform archive, unpacks it, and moves the
// binary into place. Running it when the tool is already installed replaces
// the binary. Temporary files are removed on every path.
func (p *Provisioner) DownloadAndInstall(ctx context.Context) (err error) {
	downloadURL, err := p.opts.Platform.DownloadURL(p.opts.DownloadBase, p.opts.ToolName)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartClientSpan(ctx, p.tel.Tracer, "provisioner.download_and_install",
		telemetry.AttrURL.String(downloadURL))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if err := os.MkdirAll(p.opts.InstallDir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	scratch, err := os.MkdirTemp(p.opts.InstallDir, ".download-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "archive."+string(p.opts.Platform.ArchiveKind))
	p.logger.Info("downloading tool", "url", downloadURL)
	if err := p.download(ctx, downloadURL, archivePath); err != nil {
		return err
	}

	if tr := traceFrom(ctx); tr != nil && tr.Installing != nil {
		tr.Installing()
	}

	unpacked := filepath.Join(scratch, "unpacked")
	if err := extract(p.opts.Platform.ArchiveKind, archivePath, unpacked); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveExtract, err)
	}

	binName := p.opts.Platform.ExecutableName(p.opts.ToolName)
	found, ok := findBinary(unpacked, binName, maxSearchDepth)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBinaryNotInArchive, binName)
	}

	if err := p.install(found); err != nil {
		return err
	}
	p.logger.Info("tool installed", "path", p.InstallPath())
	return nil
}

func (p *Provisioner) download(ctx context.Context, rawURL, dest string) error {
	current := rawURL
	for hops := 0; ; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if hops >= maxRedirects {
				return fmt.Errorf("%w (limit %d)", ErrTooManyRedirects, maxRedirects)
			}
			if location == "" {
				return fmt.Errorf("%w: redirect without Location", ErrDownloadFailed)
			}
			next, err := resolveLocation(current, location)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
			}
			p.logger.Debug("following redirect", "from", current, "to", next)
			current = next
			continue
		}

		err = p.save(resp, dest)
		resp.Body.Close()
		return err
	}
}

func (p *Provisioner) save(resp *http.Response, dest string) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s", ErrDownloadFailed, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	w := &progressWriter{total: resp.ContentLength, fn: p.opts.Progress}
	n, err := io.Copy(io.MultiWriter(f, w), resp.Body)
	closeErr := f.Close()
	p.tel.Metrics.DownloadBytes.Add(resp.Request.Context(), n)
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if closeErr != nil {
		os.Remove(dest)
		return fmt.Errorf("%w: %v", ErrDownloadFailed, closeErr)
	}
	return nil
}

func (p *Provisioner) install(src string) error {
	dst := p.InstallPath()
	if p.opts.Platform.OS == "windows" {
		// rename does not replace an existing file there
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("replace %s: %w", dst, err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("install %s: %w", dst, err)
	}
	if p.opts.Platform.OS != "windows" {
		if err := os.Chmod(dst, 0o755); err != nil {
			return fmt.Errorf("chmod %s: %w", dst, err)
		}
	}
	return nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// findBinary walks root depth-first, at most maxDepth directory levels
// below it, and returns the first regular file called name.
func findBinary(root, name string, maxDepth int) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && e.Name() == name {
			return filepath.Join(root, e.Name()), true
		}
	}
	if maxDepth <= 0 {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			if path, ok := findBinary(filepath.Join(root, e.Name()), name, maxDepth-1); ok {
				return path, true
			}
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

type progressWriter struct {
	written int64
	total   int64
	fn      ProgressFunc
}

func (w *progressWriter) Write(b []byte) (int, error) {
	w.written += int64(len(b))
	if w.fn != nil {
		w.fn(w.written, w.total)
	}
	return len(b), nil
}
