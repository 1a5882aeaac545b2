// Package pyproject reads the parts of the backend's pyproject.toml the
// launcher cares about.
package pyproject

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ErrNoProject is returned for a manifest without a [project] table.
var ErrNoProject = errors.New("no [project] table")

// Project is the [project] table.
type Project struct {
	Name           string            `toml:"name"`
	Version        string            `toml:"version"`
	RequiresPython string            `toml:"requires-python"`
	Dependencies   []string          `toml:"dependencies"`
	Scripts        map[string]string `toml:"scripts"`
}

// Manifest is a parsed pyproject.toml.
type Manifest struct {
	Project Project `toml:"project"`
	Tool    struct {
		UV struct {
			Package *bool `toml:"package"`
		} `toml:"uv"`
		Poetry map[string]any `toml:"poetry"`
	} `toml:"tool"`
}

// Read parses the manifest at path.
func Read(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(data)
}

// Parse decodes manifest bytes.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return Manifest{}, fmt.Errorf("pyproject.toml:%d:%d: %s", row, col, derr.Error())
		}
		return Manifest{}, fmt.Errorf("pyproject.toml: %w", err)
	}
	if m.Project.Name == "" {
		return m, ErrNoProject
	}
	return m, nil
}

// HasScript reports whether name is declared in [project.scripts], which
// is what 'uv run <name>' resolves.
func (m Manifest) HasScript(name string) bool {
	_, ok := m.Project.Scripts[name]
	return ok
}

// IsPoetry reports a Poetry-managed project, which uv cannot sync.
func (m Manifest) IsPoetry() bool {
	return m.Tool.Poetry != nil
}

// Summary is a one-line description for status output.
func (m Manifest) Summary() string {
	var b strings.Builder
	b.WriteString(m.Project.Name)
	if m.Project.Version != "" {
		b.WriteString(" " + m.Project.Version)
	}
	if m.Project.RequiresPython != "" {
		b.WriteString(" (python " + m.Project.RequiresPython + ")")
	}
	return b.String()
}
