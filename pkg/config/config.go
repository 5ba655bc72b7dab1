// Package config loads and validates the remotefs configuration.
//
// Configuration is read from a YAML file (either an explicit path or the
// default search locations) and overridden by REMOTEFS_* environment
// variables. After loading, defaults are applied and the result is
// validated; Load never returns a half-usable Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the remotefs daemon.
type Config struct {
	Logging   LoggingConfig    `mapstructure:"logging"`
	Server    ServerConfig     `mapstructure:"server"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Engine    EngineConfig     `mapstructure:"engine"`
	Jobs      JobsConfig       `mapstructure:"jobs"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Locations []LocationConfig `mapstructure:"locations"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	// Output is "stderr", "stdout", or a file path to append to.
	Output string `mapstructure:"output"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	// ListenAddr is the address the API binds to, e.g. ":8080".
	ListenAddr string `mapstructure:"listen_addr"`

	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PoolConfig tunes the shared connection pool.
type PoolConfig struct {
	// DialTimeout bounds one dial attempt, including retries.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// DegradedCooldown is how long a failed backend fast-fails before the
	// pool tries a fresh dial.
	DegradedCooldown time.Duration `mapstructure:"degraded_cooldown"`

	// IdleTimeout is how long an unreferenced connection is kept before
	// the sweeper closes it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SweepInterval is how often the sweeper checks idle connections.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EngineConfig tunes operation execution.
type EngineConfig struct {
	// MaxConcurrent is the default per-job fan-out when a request does
	// not set its own.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"omitempty,min=1,max=16"`

	// OperationTimeout bounds single metadata operations (list, stat,
	// delete). Streaming transfers are bounded by job cancellation, not
	// by this timeout.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	// OpsPerSecond throttles backend operations per location. Zero
	// disables throttling.
	OpsPerSecond uint `mapstructure:"ops_per_second"`

	// OpsBurst is the throttle bucket size. Zero derives it from the
	// rate.
	OpsBurst uint `mapstructure:"ops_burst"`
}

// JobsConfig selects and tunes the job store.
type JobsConfig struct {
	// Type is "memory" or "badger".
	Type string `mapstructure:"type" validate:"omitempty,oneof=memory badger"`

	// Path is the Badger database directory. Required for the badger
	// type unless InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory runs the badger store without disk persistence. Useful
	// for tests and ephemeral deployments.
	InMemory bool `mapstructure:"in_memory"`

	// TTL expires finished job records from the badger store. Zero keeps
	// them forever.
	TTL time.Duration `mapstructure:"ttl"`
}

// ProgressConfig tunes progress event delivery.
type ProgressConfig struct {
	// BufferSize is the per-subscriber channel depth. Slow subscribers
	// drop events beyond it.
	BufferSize int `mapstructure:"buffer_size" validate:"omitempty,min=1"`

	// MinInterval is the minimum time between progress updates for one
	// job.
	MinInterval time.Duration `mapstructure:"min_interval"`

	// ByteDelta forces a progress update after this many bytes even
	// inside the interval.
	ByteDelta int64 `mapstructure:"byte_delta"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path is the HTTP path the metrics handler is mounted on.
	Path string `mapstructure:"path"`
}

// LocationConfig declares one remote location.
//
// Exactly one of the per-type option sections must match Type. Options
// are kept as raw maps here and decoded into backend-specific configs by
// the factory functions, so adding a backend does not touch this struct's
// validation.
type LocationConfig struct {
	ID   string `mapstructure:"id" validate:"required"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type" validate:"required,oneof=sftp smb webdav rclone s3 local memory"`

	// Root is the location's root path as exposed to callers. Paths in
	// requests are resolved strictly below it.
	Root string `mapstructure:"root"`

	// Options holds the backend-specific settings for Type.
	Options map[string]any `mapstructure:"options"`
}

// Load reads configuration from the given file path (or the default
// locations when path is empty), applies environment overrides and
// defaults, and validates the result.
//
// Parameters:
//   - path: explicit config file path, or "" for the default search
//
// Returns:
//   - *Config: the loaded and validated configuration
//   - error: file, decode, or validation failure
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setupViper configures file locations and environment binding.
func setupViper(v *viper.Viper, path string) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath(".")
	}

	// REMOTEFS_SERVER_LISTEN_ADDR overrides server.listen_addr, and so on.
	v.SetEnvPrefix("REMOTEFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// readConfigFile reads the config file if one exists.
//
// A missing file is only an error when the caller asked for a specific
// path; with the default search, absent files mean defaults.
func readConfigFile(v *viper.Viper, path string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && path == "" {
			return nil
		}
		if os.IsNotExist(err) && path == "" {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "remotefs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "remotefs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
