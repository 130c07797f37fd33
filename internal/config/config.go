// Package config defines the engine configuration and loads it from JSON or
// YAML files with environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/harun/toolrun/internal/audit"
	"github.com/harun/toolrun/internal/logger"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/harun/toolrun/pkg/recovery"
	"github.com/harun/toolrun/pkg/tool"
)

// Config represents the main toolrun configuration
type Config struct {
	Engine    EngineConfig      `json:"engine" mapstructure:"engine" yaml:"engine"`
	Recovery  RecoveryConfig    `json:"recovery" mapstructure:"recovery" yaml:"recovery"`
	State     StateConfig       `json:"state" mapstructure:"state" yaml:"state"`
	Logging   logger.Config     `json:"logging" mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig     `json:"metrics" mapstructure:"metrics" yaml:"metrics"`
	Tracing   tracing.Config    `json:"tracing" mapstructure:"tracing" yaml:"tracing"`
	Audit     audit.Config      `json:"audit" mapstructure:"audit" yaml:"audit"`
	Server    ServerConfig      `json:"server" mapstructure:"server" yaml:"server"`
	Workspace WorkspaceConfig   `json:"workspace" mapstructure:"workspace" yaml:"workspace"`
	Tools     []tool.Descriptor `json:"tools" mapstructure:"-" yaml:"tools"`
}

// EngineConfig holds executor, limiter, worker pool and batch settings
type EngineConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxOutputSize  int           `json:"max_output_size" mapstructure:"max_output_size" yaml:"max_output_size"`
	MaxConcurrent  int           `json:"max_concurrent" mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxParallel    int           `json:"max_parallel" mapstructure:"max_parallel" yaml:"max_parallel"`
	Workers        int           `json:"workers" mapstructure:"workers" yaml:"workers"`
	BatchSize      int           `json:"batch_size" mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout   time.Duration `json:"batch_timeout" mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// RecoveryConfig overrides the built-in recovery strategies per category
type RecoveryConfig struct {
	HistorySize int             `json:"history_size" mapstructure:"history_size" yaml:"history_size"`
	Policy      recovery.Policy `json:"policy" mapstructure:"policy" yaml:"policy"`
}

// StateConfig holds stateful tool context settings
type StateConfig struct {
	MaxHistory    int           `json:"max_history" mapstructure:"max_history" yaml:"max_history"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Path    string `json:"path" mapstructure:"path" yaml:"path"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string        `json:"host" mapstructure:"host" yaml:"host"`
	Port            int           `json:"port" mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimitPerMinute bounds API requests per client IP. Zero disables it.
	RateLimitPerMinute int `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	// AuthSecret enables HS256 bearer tokens on the API when set.
	AuthSecret string `json:"auth_secret" mapstructure:"auth_secret" yaml:"auth_secret"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WorkspaceConfig confines the builtin file tools
type WorkspaceConfig struct {
	Root         string `json:"root" mapstructure:"root" yaml:"root"`
	MaxReadBytes int64  `json:"max_read_bytes" mapstructure:"max_read_bytes" yaml:"max_read_bytes"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultTimeout: 30 * time.Second,
			MaxOutputSize:  10 * 1024,
			MaxConcurrent:  10,
			MaxParallel:    0,
			Workers:        8,
			BatchSize:      10,
			BatchTimeout:   100 * time.Millisecond,
		},
		Recovery: RecoveryConfig{
			HistorySize: recovery.DefaultHistorySize,
			Policy:      recovery.Policy{},
		},
		State: StateConfig{
			MaxHistory:    100,
			SweepInterval: time.Minute,
		},
		Logging: logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: tracing.DefaultConfig(),
		Audit: audit.Config{
			MaxSize: 100,
			MaxAge:  30,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Workspace: WorkspaceConfig{
			MaxReadBytes: 200000,
		},
		Tools: []tool.Descriptor{},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	redacted := *c
	if redacted.Server.AuthSecret != "" {
		redacted.Server.AuthSecret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}

// Validate checks engine settings. Tool descriptors are validated by the
// tool manager when they are built.
func (c *Config) Validate() error {
	var errs []error

	e := c.Engine
	if e.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("engine.default_timeout must be positive"))
	}
	if e.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("engine.max_concurrent must be positive"))
	}
	if e.Workers <= 0 {
		errs = append(errs, errors.New("engine.workers must be positive"))
	}
	if e.BatchSize <= 0 {
		errs = append(errs, errors.New("engine.batch_size must be positive"))
	}
	if e.BatchTimeout <= 0 {
		errs = append(errs, errors.New("engine.batch_timeout must be positive"))
	}
	if e.MaxParallel < 0 {
		errs = append(errs, errors.New("engine.max_parallel must not be negative"))
	}

	if c.Recovery.HistorySize < 0 {
		errs = append(errs, errors.New("recovery.history_size must not be negative"))
	}
	for category := range c.Recovery.Policy {
		if !slices.Contains(recovery.Categories(), category) {
			errs = append(errs, fmt.Errorf("recovery.policy: unknown category %q", category))
		}
	}
	if err := c.Recovery.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.State.SweepInterval < time.Second {
		errs = append(errs, errors.New("state.sweep_interval must be at least 1s"))
	}
	if c.State.MaxHistory <= 0 {
		errs = append(errs, errors.New("state.max_history must be positive"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("server.rate_limit_per_minute must not be negative"))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}

	return errors.Join(errs...)
}
