package config

import (
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/dbkit/cache"
	"github.com/vietddude/dbkit/postgres"
	"github.com/vietddude/dbkit/retry"
)

// Duration wraps time.Duration so YAML values can be written as "100ms"
// or "2s" instead of raw nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var _ yaml.Unmarshaler = (*Duration)(nil)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Service     string          `yaml:"service"`
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Retry       RetryConfig     `yaml:"retry"`
	Health      HealthConfig    `yaml:"health"`
	Redis       cache.Config    `yaml:"redis"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DatabaseConfig holds connection and pool settings.
type DatabaseConfig struct {
	URL             string   `yaml:"url"`
	Driver          string   `yaml:"driver"`
	MaxConns        int      `yaml:"max_conns"`
	MinConns        int      `yaml:"min_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// RetryConfig holds retry policy settings.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	MinWait     Duration `yaml:"min_wait"`
	MaxWait     Duration `yaml:"max_wait"`
	Multiplier  float64  `yaml:"multiplier"`
	Randomize   *bool    `yaml:"randomize"`
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	Timeout    Duration `yaml:"timeout"`
	CheckWrite bool     `yaml:"check_write"`
}

// Postgres converts the database section to a postgres.Config.
func (c *AppConfig) Postgres() postgres.Config {
	return postgres.Config{
		URL:             c.Database.URL,
		Driver:          c.Database.Driver,
		MaxConns:        c.Database.MaxConns,
		MinConns:        c.Database.MinConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime.Std(),
	}
}

// RetryPolicy converts the retry section to a retry.Policy.
func (c *AppConfig) RetryPolicy() retry.Policy {
	randomize := true
	if c.Retry.Randomize != nil {
		randomize = *c.Retry.Randomize
	}
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		MinWait:     c.Retry.MinWait.Std(),
		MaxWait:     c.Retry.MaxWait.Std(),
		Multiplier:  c.Retry.Multiplier,
		Randomize:   randomize,
	}
}
