package materializer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrProjectCopy wraps any failure while copying the backend tree.
var ErrProjectCopy = errors.New("project copy failed")

// Item is one entry of the copy manifest, relative to the resources dir.
type Item struct {
	Path     string
	Required bool
}

// DefaultManifest is what a packaged install ships for the backend.
var DefaultManifest = []Item{
	{Path: "src", Required: true},
	{Path: "pyproject.toml", Required: true},
	{Path: "uv.lock"},
	{Path: ".python-version"},
	{Path: "LICENSE.md"},
	{Path: "README.md"},
	{Path: filepath.Join("frontend", "dist")},
}

// skipDirs are environment and cache folders never copied or watched.
var skipDirs = map[string]bool{
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".git":         true,
	"node_modules": true,
}

// ShouldSkip reports whether a directory entry is excluded from copies.
func ShouldSkip(name string, isDir bool) bool {
	if isDir {
		return skipDirs[name]
	}
	return strings.HasSuffix(name, ".pyc")
}

// Materializer copies the backend tree out of read-only install resources
// into the writable data directory.
type Materializer struct {
	resourcesDir string
	projectDir   string
	manifest     []Item
	logger       *slog.Logger
}

// New creates a Materializer. A nil manifest means DefaultManifest.
func New(resourcesDir, projectDir string, manifest []Item, logger *slog.Logger) *Materializer {
	if manifest == nil {
		manifest = DefaultManifest
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		resourcesDir: resourcesDir,
		projectDir:   projectDir,
		manifest:     manifest,
		logger:       logger.With("component", "materializer"),
	}
}

// IsDevCheckout reports whether source and destination are the same tree.
func (m *Materializer) IsDevCheckout() bool {
	src, err1 := filepath.Abs(m.resourcesDir)
	dst, err2 := filepath.Abs(m.projectDir)
	return err1 == nil && err2 == nil && filepath.Clean(src) == filepath.Clean(dst)
}

// CopyProjectFiles copies every manifest item. The first failure aborts the
// whole operation.
func (m *Materializer) CopyProjectFiles() error {
	if m.IsDevCheckout() {
		m.logger.Debug("dev checkout, nothing to copy", "dir", m.projectDir)
		return nil
	}
	if m.resourcesDir == "" {
		return fmt.Errorf("%w: resources dir not set", ErrProjectCopy)
	}

	if err := os.MkdirAll(m.projectDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrProjectCopy, err)
	}

	for _, item := range m.manifest {
		src := filepath.Join(m.resourcesDir, item.Path)
		dst := filepath.Join(m.projectDir, item.Path)

		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) && !item.Required {
				m.logger.Debug("optional item missing", "item", item.Path)
				continue
			}
			return fmt.Errorf("%w: %s: %v", ErrProjectCopy, item.Path, err)
		}

		if info.IsDir() {
			err = copyDir(src, dst)
		} else {
			err = copyFile(src, dst, info.Mode())
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrProjectCopy, item.Path, err)
		}
		m.logger.Debug("copied", "item", item.Path)
	}

	m.logger.Info("backend project materialized", "from", m.resourcesDir, "to", m.projectDir)
	return nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != src && ShouldSkip(d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
