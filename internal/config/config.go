// Package config loads graphd configuration from a YAML file and GRAPHD_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config holds engine configuration. The logging and telemetry sections are
// decoded by their own packages through Section.
type Config struct {
	Engine     EngineConfig     `koanf:"engine"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Guard      GuardConfig      `koanf:"guard"`
	Events     EventsConfig     `koanf:"events"`
	Workers    WorkersConfig    `koanf:"workers"`
	Server     ServerConfig     `koanf:"server"`

	k *koanf.Koanf
}

// EngineConfig controls dispatch.
type EngineConfig struct {
	CoordinatorRole string `koanf:"coordinator_role"`
	MaxParallel     int    `koanf:"max_parallel"`
	MaxChildDepth   int    `koanf:"max_child_depth"`
}

// CheckpointConfig selects and tunes the checkpoint log.
type CheckpointConfig struct {
	Backend    string      `koanf:"backend"`
	SQLitePath string      `koanf:"sqlite_path"`
	PageSize   int         `koanf:"page_size"`
	Retry      RetryConfig `koanf:"retry"`
}

// RetryConfig bounds append retries against the backend.
type RetryConfig struct {
	MaxTries        uint     `koanf:"max_tries"`
	InitialInterval Duration `koanf:"initial_interval"`
	MaxInterval     Duration `koanf:"max_interval"`
	MaxElapsedTime  Duration `koanf:"max_elapsed_time"`
}

// GuardConfig adds role grants on top of those derived from worker
// registrations. The merged matrix is frozen at startup.
type GuardConfig struct {
	Roles map[string][]string `koanf:"roles"`
}

// EventsConfig controls lifecycle event sinks.
type EventsConfig struct {
	Buffer     int        `koanf:"buffer"`
	Log        bool       `koanf:"log"`
	Prometheus bool       `koanf:"prometheus"`
	NATS       NATSConfig `koanf:"nats"`
}

// NATSConfig controls publishing events to NATS.
type NATSConfig struct {
	Enabled       bool     `koanf:"enabled"`
	URL           string   `koanf:"url"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	Token         Secret   `koanf:"token"`
	Timeout       Duration `koanf:"timeout"`
}

// WorkersConfig sets the default rate limit applied to registered workers.
// A zero rate disables limiting.
type WorkersConfig struct {
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// ServerConfig holds the ops HTTP endpoint configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			CoordinatorRole: "coordinator",
			MaxParallel:     4,
			MaxChildDepth:   4,
		},
		Checkpoint: CheckpointConfig{
			Backend:  BackendMemory,
			PageSize: 256,
			Retry: RetryConfig{
				MaxTries:        5,
				InitialInterval: Duration(50 * time.Millisecond),
				MaxInterval:     Duration(2 * time.Second),
				MaxElapsedTime:  Duration(30 * time.Second),
			},
		},
		Events: EventsConfig{
			Buffer:     256,
			Log:        true,
			Prometheus: true,
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "graphd",
				Timeout:       Duration(5 * time.Second),
			},
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9091,
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// Section decodes the subtree at path over out. Keys missing from the loaded
// sources leave out's existing values in place.
func (c *Config) Section(path string, out any) error {
	if c.k == nil || !c.k.Exists(path) {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Engine.CoordinatorRole == "" {
		return errors.New("engine.coordinator_role is required")
	}
	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine.max_parallel must be >= 1, got %d", c.Engine.MaxParallel)
	}
	if c.Engine.MaxChildDepth < 0 {
		return fmt.Errorf("engine.max_child_depth must be >= 0, got %d", c.Engine.MaxChildDepth)
	}

	switch c.Checkpoint.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Checkpoint.SQLitePath == "" {
			return errors.New("checkpoint.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be %q or %q, got %q", BackendMemory, BackendSQLite, c.Checkpoint.Backend)
	}
	if c.Checkpoint.PageSize < 1 {
		return fmt.Errorf("checkpoint.page_size must be >= 1, got %d", c.Checkpoint.PageSize)
	}
	if c.Checkpoint.Retry.MaxTries < 1 {
		return errors.New("checkpoint.retry.max_tries must be >= 1")
	}
	if c.Checkpoint.Retry.MaxInterval < c.Checkpoint.Retry.InitialInterval {
		return errors.New("checkpoint.retry.max_interval must be >= initial_interval")
	}

	for role, domains := range c.Guard.Roles {
		if role == "" {
			return errors.New("guard.roles: role name cannot be empty")
		}
		for _, d := range domains {
			if d == "" {
				return fmt.Errorf("guard.roles.%s: domain cannot be empty", role)
			}
		}
	}

	if c.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must be >= 0, got %d", c.Events.Buffer)
	}
	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		return errors.New("events.nats.url is required when nats is enabled")
	}

	if c.Workers.RateLimit < 0 {
		return fmt.Errorf("workers.rate_limit must be >= 0, got %v", c.Workers.RateLimit)
	}
	if c.Workers.RateLimit > 0 && c.Workers.Burst < 1 {
		return errors.New("workers.burst must be >= 1 when rate_limit is set")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	return nil
}
