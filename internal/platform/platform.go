// Package platform consolidates the OS specific behaviour the launcher needs:
// where to download the tool from, which directories to add to PATH, how the
// tool archive is packaged and how a process tree is torn down.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrUnsupportedPlatform is returned when no tool download exists for the
// current OS/architecture pair.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// DefaultDownloadBase is the release location the tool archives are fetched from.
const DefaultDownloadBase = "https://github.com/astral-sh/uv/releases/latest/download"

// ArchiveKind describes how a release archive is packaged.
type ArchiveKind string

const (
	ArchiveZip   ArchiveKind = "zip"
	ArchiveTarGz ArchiveKind = "tar.gz"
)

// KillStrategy describes how a child and its descendants are stopped.
type KillStrategy int

const (
	// KillGroupInterrupt delivers an interrupt to the child's process group,
	// which reaches every descendant.
	KillGroupInterrupt KillStrategy = iota
	// KillTree walks the process tree and kills every member forcefully.
	// Used where signals do not propagate to descendants.
	KillTree
)

func (k KillStrategy) String() string {
	switch k {
	case KillGroupInterrupt:
		return "group-interrupt"
	case KillTree:
		return "tree-kill"
	default:
		return "unknown"
	}
}

// target identifies a release asset by its triple.
type target struct {
	os   string
	arch string
}

// releaseTriples maps GOOS/GOARCH to the tool's release triple.
var releaseTriples = map[target]string{
	{"darwin", "arm64"}:  "aarch64-apple-darwin",
	{"darwin", "amd64"}:  "x86_64-apple-darwin",
	{"linux", "arm64"}:   "aarch64-unknown-linux-gnu",
	{"linux", "amd64"}:   "x86_64-unknown-linux-gnu",
	{"windows", "arm64"}: "aarch64-pc-windows-msvc",
	{"windows", "amd64"}: "x86_64-pc-windows-msvc",
}

// Capabilities is everything OS specific about a target in one value.
type Capabilities struct {
	OS          string
	Arch        string
	ArchiveKind ArchiveKind
	Kill        KillStrategy
	// ExeSuffix is appended to binary names (".exe" on Windows).
	ExeSuffix string
	// PathSep separates PATH entries.
	PathSep string
}

// Current returns the capabilities of the running process.
func Current() Capabilities {
	return For(runtime.GOOS, runtime.GOARCH)
}

// For returns the capabilities of an arbitrary target.
func For(goos, goarch string) Capabilities {
	c := Capabilities{
		OS:          goos,
		Arch:        goarch,
		ArchiveKind: ArchiveTarGz,
		Kill:        KillGroupInterrupt,
		PathSep:     ":",
	}
	if goos == "windows" {
		c.ArchiveKind = ArchiveZip
		c.Kill = KillTree
		c.ExeSuffix = ".exe"
		c.PathSep = ";"
	}
	return c
}

// Supported reports whether a tool release exists for this target.
func (c Capabilities) Supported() bool {
	_, ok := releaseTriples[target{c.OS, c.Arch}]
	return ok
}

// ExecutableName appends the platform executable suffix to name.
func (c Capabilities) ExecutableName(name string) string {
	return name + c.ExeSuffix
}

// AssetName returns the release archive file name for the tool.
func (c Capabilities) AssetName(tool string) (string, error) {
	triple, ok := releaseTriples[target{c.OS, c.Arch}]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, c.OS, c.Arch)
	}
	return fmt.Sprintf("%s-%s.%s", tool, triple, c.ArchiveKind), nil
}

// DownloadURL joins base with the asset name for this target.
func (c Capabilities) DownloadURL(base, tool string) (string, error) {
	asset, err := c.AssetName(tool)
	if err != nil {
		return "", err
	}
	if base == "" {
		base = DefaultDownloadBase
	}
	return strings.TrimRight(base, "/") + "/" + asset, nil
}

// SearchPaths lists the directories prepended to PATH. Applications started
// from a desktop launcher do not inherit the login shell's PATH, so common
// install locations are added explicitly.
func (c Capabilities) SearchPaths(home string) []string {
	if c.OS == "windows" {
		paths := []string{}
		if home != "" {
			paths = append(paths,
				filepath.Join(home, ".local", "bin"),
				filepath.Join(home, ".cargo", "bin"),
				filepath.Join(home, "AppData", "Local", "Programs", "Python", "Launcher"),
			)
		}
		return paths
	}

	paths := []string{
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
		"/bin",
		"/usr/sbin",
		"/sbin",
	}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".cargo", "bin"),
		)
	}
	return paths
}

// AugmentPath prepends the search paths to current, dropping duplicates
// while keeping the first occurrence.
func (c Capabilities) AugmentPath(current, home string) string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range c.SearchPaths(home) {
		add(p)
	}
	for _, p := range strings.Split(current, c.PathSep) {
		add(p)
	}
	return strings.Join(out, c.PathSep)
}

// Environ returns base with PATH replaced by the augmented PATH. On Windows
// the variable name is matched case-insensitively.
func (c Capabilities) Environ(base []string) []string {
	home, _ := os.UserHomeDir()

	env := make([]string, 0, len(base)+1)
	current := ""
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if ok && c.isPathKey(k) {
			current = v
			continue
		}
		env = append(env, kv)
	}
	return append(env, "PATH="+c.AugmentPath(current, home))
}

// LookPath searches the augmented PATH for name without touching the
// process environment.
func (c Capabilities) LookPath(name string) (string, error) {
	home, _ := os.UserHomeDir()
	exe := c.ExecutableName(name)
	for _, dir := range strings.Split(c.AugmentPath(os.Getenv("PATH"), home), c.PathSep) {
		candidate := filepath.Join(dir, exe)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if c.OS != "windows" && info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%s not found in search path", exe)
}

func (c Capabilities) isPathKey(k string) bool {
	if c.OS == "windows" {
		return strings.EqualFold(k, "PATH")
	}
	return k == "PATH"
}
