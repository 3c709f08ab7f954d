package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Execution ExecutionConfig `yaml:"execution"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WorkspaceConfig struct {
	// DataRoot is the on-disk data root holding Local/<handle> subtrees
	// plus shared read-only folders. Required (IDE_DATA_PATH).
	DataRoot        string `yaml:"data_root"`
	FileSizeLimitMB int64  `yaml:"file_size_limit_mb"`
}

type ExecutionConfig struct {
	PythonBin          string        `yaml:"python_bin"`
	ScriptWallClock    time.Duration `yaml:"script_wall_clock"`
	ReplIdleTimeout    time.Duration `yaml:"repl_idle_timeout"`
	InputWaitTimeout   time.Duration `yaml:"input_wait_timeout"`
	MemoryLimitMB      int64         `yaml:"memory_limit_mb"`
	MaxProcesses       int64         `yaml:"max_processes"`
	ReplCPUSeconds     int64         `yaml:"repl_cpu_seconds"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	LeaseStaleAfter    time.Duration `yaml:"lease_stale_after"`
	LeaseSweepInterval time.Duration `yaml:"lease_sweep_interval"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

type KeepaliveConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	CheckInterval time.Duration `yaml:"check_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool    `yaml:"enabled"`
	Sample  float64 `yaml:"sample_rate"`
}

// Output limits (lines/second, total lines, identical-line streak, flood
// burst) are deliberately not configurable: they encode classroom policy
// for runaway scripts. They live in internal/monitor.

// Load reads configuration from a YAML file and applies environment
// overrides on top. An empty path skips the file and uses defaults + env.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Workspace: WorkspaceConfig{
			FileSizeLimitMB: 10,
		},
		Execution: ExecutionConfig{
			PythonBin:          "python3",
			ScriptWallClock:    3 * time.Second,
			ReplIdleTimeout:    300 * time.Second,
			InputWaitTimeout:   300 * time.Second,
			MemoryLimitMB:      128,
			MaxProcesses:       50,
			ReplCPUSeconds:     300,
			MaxConcurrent:      100,
			LeaseStaleAfter:    30 * time.Second,
			LeaseSweepInterval: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Session: SessionConfig{
			IdleTimeout:   60 * time.Minute,
			SweepInterval: 5 * time.Minute,
			TokenTTL:      12 * time.Hour,
		},
		Keepalive: KeepaliveConfig{
			PingInterval:  45 * time.Second,
			CheckInterval: 10 * time.Second,
			PongTimeout:   120 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// applyEnv overrides config values from the environment. IDE_DATA_PATH is
// the one deployments always set; the rest tune the execution sandbox.
func (c *Config) applyEnv() {
	if v := os.Getenv("IDE_DATA_PATH"); v != "" {
		c.Workspace.DataRoot = v
	}
	if v, ok := envInt64("MEMORY_LIMIT_MB"); ok {
		c.Execution.MemoryLimitMB = v
	}
	if v, ok := envInt64("FILE_SIZE_LIMIT_MB"); ok {
		c.Workspace.FileSizeLimitMB = v
	}
	if v, ok := envInt64("MAX_PROCESSES"); ok {
		c.Execution.MaxProcesses = v
	}
	// Applies to the REPL phase only; the script wall clock stays fixed.
	if v, ok := envInt64("EXECUTION_TIMEOUT_SECONDS"); ok {
		c.Execution.ReplCPUSeconds = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v, ok := envInt64("PORT"); ok {
		c.Server.Port = int(v)
	}
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("var", name).Str("value", v).Msg("ignoring non-numeric environment override")
		return 0, false
	}
	return n, true
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Workspace.DataRoot == "" {
		return fmt.Errorf("workspace.data_root is required (set IDE_DATA_PATH)")
	}
	if !filepath.IsAbs(c.Workspace.DataRoot) {
		return fmt.Errorf("workspace.data_root must be an absolute path, got %q", c.Workspace.DataRoot)
	}
	if c.Workspace.FileSizeLimitMB < 1 {
		return fmt.Errorf("workspace.file_size_limit_mb must be >= 1")
	}
	if c.Execution.ScriptWallClock < 100*time.Millisecond {
		return fmt.Errorf("execution.script_wall_clock too small: %s", c.Execution.ScriptWallClock)
	}
	if c.Execution.MemoryLimitMB < 16 {
		return fmt.Errorf("execution.memory_limit_mb must be >= 16")
	}
	if c.Execution.MaxProcesses < 1 {
		return fmt.Errorf("execution.max_processes must be >= 1")
	}
	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution.max_concurrent must be >= 1")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
