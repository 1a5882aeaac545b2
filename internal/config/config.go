package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside the data directory.
const FileName = "config.yaml"

// ServerConfig describes where the backend listens.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URL overrides Host and Port when set (e.g. http://127.0.0.1:9000).
	URL           string        `yaml:"url,omitempty"`
	PortAttempts  int           `yaml:"port_attempts"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// ToolConfig describes the environment manager binary.
type ToolConfig struct {
	Name            string        `yaml:"name"`
	DownloadBase    string        `yaml:"download_base,omitempty"`
	InstallDir      string        `yaml:"install_dir"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// BackendConfig describes the backend project and how it is launched.
type BackendConfig struct {
	ProjectDir string `yaml:"project_dir"`
	Entrypoint string `yaml:"entrypoint"`
	Manifest   string `yaml:"manifest"`
	EnvFile    string `yaml:"env_file"`
}

// HealthConfig controls readiness polling.
type HealthConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Interval     time.Duration `yaml:"interval"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// SetupConfig controls the first-run setup sequence.
type SetupConfig struct {
	RequireSyncMarker bool          `yaml:"require_sync_marker"`
	GraceDelay        time.Duration `yaml:"grace_delay"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
}

// LogConfig controls the launcher's own logs.
type LogConfig struct {
	Level      string `yaml:"level"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ControlConfig holds the control API listener settings.
type ControlConfig struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allow_origins,omitempty"`
}

// Config is the launcher configuration.
type Config struct {
	DataDir      string          `yaml:"data_dir"`
	ResourcesDir string          `yaml:"resources_dir"`
	DevCheckout  bool            `yaml:"dev_checkout"`
	Server       ServerConfig    `yaml:"server"`
	Tool         ToolConfig      `yaml:"tool"`
	Backend      BackendConfig   `yaml:"backend"`
	Health       HealthConfig    `yaml:"health"`
	Setup        SetupConfig     `yaml:"setup"`
	Log          LogConfig       `yaml:"log"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	Control      ControlConfig   `yaml:"control"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8000,
			PortAttempts:  100,
			ShutdownGrace: 5 * time.Second,
		},
		Tool: ToolConfig{
			Name:            "uv",
			InstallDir:      "uv",
			DownloadTimeout: 5 * time.Minute,
		},
		Backend: BackendConfig{
			ProjectDir: "python-project",
			Entrypoint: "daydream-scope",
			Manifest:   "pyproject.toml",
			EnvFile:    ".env",
		},
		Health: HealthConfig{
			MaxAttempts:  600,
			Interval:     time.Second,
			CheckTimeout: 2 * time.Second,
		},
		Setup: SetupConfig{
			GraceDelay:  1500 * time.Millisecond,
			SyncTimeout: 30 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			MaxAgeDays: 1,
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "scope-launcher",
			SampleRate:  1.0,
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

// DefaultDataDir returns the per-user writable directory.
func DefaultDataDir() string {
	if override := os.Getenv("SCOPE_DATA_DIR"); override != "" {
		return override
	}
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		home, _ := os.UserHomeDir()
		if home == "" {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "daydream-scope")
}

// Load reads <dataDir>/config.yaml over the defaults, applies environment
// overrides and resolves the resources directory. A missing file is not an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(cfg.DataDir, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if cfg.ResourcesDir == "" {
		cfg.ResourcesDir, cfg.DevCheckout = detectResources()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Write stores cfg as YAML, creating the parent directory.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks values that would make the launcher misbehave.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("invalid configuration: server.host is empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid configuration: server.port %d out of range", c.Server.Port)
	}
	if c.DataDir == "" {
		return errors.New("invalid configuration: data_dir is empty")
	}
	if c.Health.MaxAttempts < 1 {
		return fmt.Errorf("invalid configuration: health.max_attempts %d < 1", c.Health.MaxAttempts)
	}
	return nil
}

// ProjectDir is where the backend project lives at runtime. A dev checkout
// runs straight from the resources tree.
func (c Config) ProjectDir() string {
	if c.DevCheckout {
		return c.ResourcesDir
	}
	if filepath.IsAbs(c.Backend.ProjectDir) {
		return c.Backend.ProjectDir
	}
	return filepath.Join(c.DataDir, c.Backend.ProjectDir)
}

// ManifestPath is the backend's dependency manifest inside ProjectDir.
func (c Config) ManifestPath() string {
	return filepath.Join(c.ProjectDir(), c.Backend.Manifest)
}

// ToolDir is the directory the tool binary is installed into.
func (c Config) ToolDir() string {
	if filepath.IsAbs(c.Tool.InstallDir) {
		return c.Tool.InstallDir
	}
	return filepath.Join(c.DataDir, c.Tool.InstallDir)
}

// LogDir is where the launcher writes its log files.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// PIDFile records the backend's PID for out-of-process stop commands.
func (c Config) PIDFile() string {
	return filepath.Join(c.DataDir, "backend.pid")
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("SCOPE_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("SCOPE_SERVER_HOST"); raw != "" {
		cfg.Server.Host = raw
	}
	if raw := os.Getenv("SCOPE_SERVER_PORT"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("SCOPE_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = v
	}
	if raw := os.Getenv("SCOPE_SERVER_URL"); raw != "" {
		cfg.Server.URL = raw
	}
	if cfg.Server.URL != "" {
		host, port, err := splitServerURL(cfg.Server.URL)
		if err != nil {
			return err
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if raw := os.Getenv("SCOPE_RESOURCES_DIR"); raw != "" {
		cfg.ResourcesDir = raw
	}
	if raw := os.Getenv("SCOPE_DEV_CHECKOUT"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("SCOPE_DEV_CHECKOUT: %w", err)
		}
		cfg.DevCheckout = v
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.Log.Level = raw
	}
	if raw := os.Getenv("SCOPE_TELEMETRY_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
		cfg.Telemetry.Enabled = raw != "none"
	}
	return nil
}

func splitServerURL(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", 0, fmt.Errorf("invalid server url %q", raw)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		portStr = "80"
		if u.Scheme == "https" {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid server url port %q", portStr)
	}
	return host, port, nil
}

// detectResources finds the read-only backend sources: a "resources" dir
// next to the executable for packaged installs, otherwise the working
// directory when it holds a backend checkout.
func detectResources() (string, bool) {
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "resources")
		if fileExists(filepath.Join(dir, "pyproject.toml")) {
			return dir, false
		}
	}
	if cwd, err := os.Getwd(); err == nil && fileExists(filepath.Join(cwd, "pyproject.toml")) {
		return cwd, true
	}
	return "", false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
