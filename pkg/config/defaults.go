package config

import (
	"strings"
	"time"
)

// Default values applied to fields left unset by the config file and
// environment.
const (
	DefaultLogLevel        = "info"
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultDialTimeout      = 30 * time.Second
	DefaultDegradedCooldown = 15 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultSweepInterval    = 30 * time.Second

	DefaultMaxConcurrent    = 4
	DefaultOperationTimeout = 30 * time.Second

	DefaultJobStoreType = "memory"

	DefaultProgressBufferSize  = 16
	DefaultProgressMinInterval = 500 * time.Millisecond
	DefaultProgressByteDelta   = 8 << 20

	DefaultMetricsPath = "/metrics"
)

// ApplyDefaults fills unset fields with their defaults. Explicit values,
// including explicit zeros where zero is meaningful (jobs.ttl,
// engine.ops_per_second), are left alone.
func (c *Config) ApplyDefaults() {
	c.applyLoggingDefaults()
	c.applyServerDefaults()
	c.applyPoolDefaults()
	c.applyEngineDefaults()
	c.applyJobsDefaults()
	c.applyProgressDefaults()
	c.applyMetricsDefaults()
	c.applyLocationDefaults()
}

func (c *Config) applyLoggingDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}

func (c *Config) applyServerDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func (c *Config) applyPoolDefaults() {
	if c.Pool.DialTimeout == 0 {
		c.Pool.DialTimeout = DefaultDialTimeout
	}
	if c.Pool.DegradedCooldown == 0 {
		c.Pool.DegradedCooldown = DefaultDegradedCooldown
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = DefaultIdleTimeout
	}
	if c.Pool.SweepInterval == 0 {
		c.Pool.SweepInterval = DefaultSweepInterval
	}
}

func (c *Config) applyEngineDefaults() {
	if c.Engine.MaxConcurrent == 0 {
		c.Engine.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Engine.OperationTimeout == 0 {
		c.Engine.OperationTimeout = DefaultOperationTimeout
	}
}

func (c *Config) applyJobsDefaults() {
	if c.Jobs.Type == "" {
		c.Jobs.Type = DefaultJobStoreType
	}
}

func (c *Config) applyProgressDefaults() {
	if c.Progress.BufferSize == 0 {
		c.Progress.BufferSize = DefaultProgressBufferSize
	}
	if c.Progress.MinInterval == 0 {
		c.Progress.MinInterval = DefaultProgressMinInterval
	}
	if c.Progress.ByteDelta == 0 {
		c.Progress.ByteDelta = DefaultProgressByteDelta
	}
}

func (c *Config) applyMetricsDefaults() {
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (c *Config) applyLocationDefaults() {
	for i := range c.Locations {
		loc := &c.Locations[i]
		if loc.Name == "" {
			loc.Name = loc.ID
		}
		if loc.Root == "" {
			loc.Root = "/"
		}
	}
}
