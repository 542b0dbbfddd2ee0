// internal/config/config.go
//
// This package handles configuration and the .trellis directory structure.
// Every project that runs the orchestrator gets a .trellis/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// TrellisDir is the name of the directory we create in each project
	TrellisDir = ".trellis"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TRELLIS_"
)

const defaultProjectConfigYAML = `# trellis project configuration
version: 1

scheduler:
  # 0 means unlimited
  max_concurrency: 4
  tick_interval: 500ms

dispatch:
  setup_timeout: 5s
  shell: /bin/sh

store:
  # file, sqlite or memory
  driver: file
  path: state/snapshot.json
  failure_threshold: 3

api:
  addr: 127.0.0.1:8765
  max_connections: 64

logging:
  level: info

watchdog:
  # 0 disables task timeouts
  task_timeout: 0s
  interval: 5s
`

// Duration lets config.yaml carry Go duration strings like "500ms".
type Duration time.Duration

// UnmarshalYAML accepts duration strings or bare integers (nanoseconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SchedulerConfig controls the tick loop.
type SchedulerConfig struct {
	MaxConcurrency int      `yaml:"max_concurrency"`
	TickInterval   Duration `yaml:"tick_interval"`
}

// DispatchConfig controls how workers are started.
type DispatchConfig struct {
	SetupTimeout Duration `yaml:"setup_timeout"`
	Shell        string   `yaml:"shell,omitempty"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	Driver           string `yaml:"driver"`
	Path             string `yaml:"path,omitempty"`
	FailureThreshold int    `yaml:"failure_threshold"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Addr           string `yaml:"addr"`
	MaxConnections int    `yaml:"max_connections"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// WatchdogConfig configures the task timeout sweep.
type WatchdogConfig struct {
	TaskTimeout Duration `yaml:"task_timeout"`
	Interval    Duration `yaml:"interval"`
}

// ProjectConfig models .trellis/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
}

// Config holds the runtime configuration for the orchestrator.
type Config struct {
	// ProjectDir is the directory the orchestrator was started from
	ProjectDir string

	// TrellisProjectDir is ProjectDir/.trellis
	TrellisProjectDir string

	Project ProjectConfig
}

// InitTrellisDir creates the .trellis directory structure in the given
// project directory.
//
// Structure created:
// .trellis/
// ├── config.yaml
// ├── logs/         <- trellis.log and transitions.log
// └── state/        <- snapshots
func InitTrellisDir(projectDir string) error {
	trellisDir := filepath.Join(projectDir, TrellisDir)
	dirs := []string{
		filepath.Join(trellisDir, "logs"),
		filepath.Join(trellisDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(trellisDir, "config.yaml"))
}

// NewConfig loads .env, config.yaml and TRELLIS_* overrides, in that order of
// increasing precedence.
func NewConfig(projectDir string) (*Config, error) {
	if err := loadDotEnv(projectDir); err != nil {
		return nil, err
	}
	cfg := &Config{
		ProjectDir:        projectDir,
		TrellisProjectDir: filepath.Join(projectDir, TrellisDir),
		Project:           DefaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.TrellisProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.TrellisProjectDir, "state")
}

// LogPath is where the structured log is written.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "trellis.log")
}

// TransitionLogPath is where the transition journal is written.
func (c *Config) TransitionLogPath() string {
	return filepath.Join(c.LogsDir(), "transitions.log")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.TrellisProjectDir, "config.yaml")
}

// StorePath resolves the configured snapshot path relative to .trellis.
func (c *Config) StorePath() string {
	return resolvePath(c.TrellisProjectDir, c.Project.Store.Path)
}

// Reload re-reads config.yaml and the environment. On error the previous
// values are kept.
func (c *Config) Reload() error {
	prev := c.Project
	c.Project = DefaultProjectConfig()
	if err := c.loadProjectConfig(); err != nil {
		c.Project = prev
		return err
	}
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed := c.Project
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := parsed.applyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = parsed
	return nil
}

// DefaultProjectConfig returns the built-in settings.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Scheduler: SchedulerConfig{
			MaxConcurrency: 4,
			TickInterval:   Duration(500 * time.Millisecond),
		},
		Dispatch: DispatchConfig{
			SetupTimeout: Duration(5 * time.Second),
			Shell:        "/bin/sh",
		},
		Store: StoreConfig{
			Driver:           "file",
			Path:             filepath.Join("state", "snapshot.json"),
			FailureThreshold: 3,
		},
		API: APIConfig{
			Addr:           "127.0.0.1:8765",
			MaxConnections: 64,
		},
		Logging:  LoggingConfig{Level: "info"},
		Watchdog: WatchdogConfig{Interval: Duration(5 * time.Second)},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	defaults := DefaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Scheduler.TickInterval == 0 {
		pc.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}
	if pc.Dispatch.SetupTimeout == 0 {
		pc.Dispatch.SetupTimeout = defaults.Dispatch.SetupTimeout
	}
	if pc.Store.Driver == "" {
		pc.Store.Driver = defaults.Store.Driver
	}
	if pc.Store.FailureThreshold == 0 {
		pc.Store.FailureThreshold = defaults.Store.FailureThreshold
	}
	if pc.API.Addr == "" {
		pc.API.Addr = defaults.API.Addr
	}
	if pc.Logging.Level == "" {
		pc.Logging.Level = defaults.Logging.Level
	}
	if pc.Watchdog.Interval == 0 {
		pc.Watchdog.Interval = defaults.Watchdog.Interval
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Store.Driver = strings.ToLower(strings.TrimSpace(pc.Store.Driver))
	pc.Store.Path = strings.TrimSpace(pc.Store.Path)
	pc.API.Addr = strings.TrimSpace(pc.API.Addr)
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Dispatch.Shell = strings.TrimSpace(pc.Dispatch.Shell)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("scheduler.max_concurrency must be >= 0")
	}
	if pc.Scheduler.TickInterval < 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if pc.Dispatch.SetupTimeout < 0 {
		return fmt.Errorf("dispatch.setup_timeout must be positive")
	}
	switch pc.Store.Driver {
	case "file", "sqlite":
		if pc.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", pc.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be 'file', 'sqlite' or 'memory'")
	}
	if pc.Store.FailureThreshold < 1 {
		return fmt.Errorf("store.failure_threshold must be >= 1")
	}
	if err := validateAddr(pc.API.Addr); err != nil {
		return fmt.Errorf("api.addr: %w", err)
	}
	if pc.API.MaxConnections < 0 {
		return fmt.Errorf("api.max_connections must be >= 0")
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	if pc.Watchdog.TaskTimeout < 0 || pc.Watchdog.Interval < 0 {
		return fmt.Errorf("watchdog durations must be positive")
	}
	return nil
}

// applyEnv overlays TRELLIS_* variables. lookup is os.LookupEnv outside tests.
func (pc *ProjectConfig) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(EnvPrefix + key)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(value), true
	}
	if v, ok := get("MAX_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_CONCURRENCY: %w", EnvPrefix, err)
		}
		pc.Scheduler.MaxConcurrency = n
	}
	durations := []struct {
		key    string
		target *Duration
	}{
		{"TICK_INTERVAL", &pc.Scheduler.TickInterval},
		{"SETUP_TIMEOUT", &pc.Dispatch.SetupTimeout},
		{"TASK_TIMEOUT", &pc.Watchdog.TaskTimeout},
	}
	for _, d := range durations {
		v, ok := get(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
		}
		*d.target = Duration(parsed)
	}
	if v, ok := get("STORE_DRIVER"); ok {
		pc.Store.Driver = v
	}
	if v, ok := get("STORE_PATH"); ok {
		pc.Store.Path = v
	}
	if v, ok := get("API_ADDR"); ok {
		pc.API.Addr = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		pc.Logging.Level = v
	}
	if v, ok := get("SHELL"); ok {
		pc.Dispatch.Shell = v
	}
	return nil
}

func validateAddr(addr string) error {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return fmt.Errorf("missing port in %q", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}

func loadDotEnv(projectDir string) error {
	path := filepath.Join(projectDir, ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	// Load never overrides variables already present in the environment.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

// Save writes the current project config back to .trellis/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.TrellisProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure trellis dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
