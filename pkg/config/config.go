// Package config handles interpreting the pgfan.json config file.
package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"os"
)

// Config holds the pgfan configuration.
type Config struct {
	// Listen addresses for the client-facing proxy.
	Listen []ListenAddr `json:"listen"`

	// Database is the logical database name clients connect to. Statements
	// are fanned out across Shards behind this single name.
	Database string `json:"database"`

	// Shards are the backend PostgreSQL servers holding the data.
	Shards []ShardConfig `json:"shards"`

	// MaxConnections caps the total number of shard connections across all
	// shards. 0 means 64.
	MaxConnections int32 `json:"max_connections,omitzero"`

	// MaxHoldBuffer bounds the memory a single holdable cursor may
	// materialize at commit. 0 means 16MiB.
	MaxHoldBuffer ByteSize `json:"max_hold_buffer,omitzero"`

	// DefaultStartupParameters are reported to clients at session startup,
	// in file order.
	DefaultStartupParameters PgStartupParameters `json:"default_startup_parameters,omitzero"`

	// Coordinator tunes the two-phase commit retry policy.
	Coordinator CoordinatorConfig `json:"coordinator,omitzero"`

	TLS           *JsonTLSConfig       `json:"tls,omitzero"`
	Prometheus    *PrometheusConfig    `json:"prometheus,omitzero"`
	OpenTelemetry *OpenTelemetryConfig `json:"opentelemetry,omitzero"`
}

// CoordinatorConfig bounds the coordinator's retry loop.
type CoordinatorConfig struct {
	// MaxAttempts is the total number of tries per participant per
	// resolution request. Default: 5.
	MaxAttempts int `json:"max_attempts,omitzero"`
	// RetryBaseDelay is the backoff after the first failure; doubles per
	// attempt. Default: "50ms".
	RetryBaseDelay Duration `json:"retry_base_delay,omitzero"`
	// RetryMaxDelay caps the backoff. Default: "2s".
	RetryMaxDelay Duration `json:"retry_max_delay,omitzero"`
}

// ParseConfig parses a JSON configuration string and returns a Config.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// Secrets returns an iterator over all secret references in the config.
// Each secret is yielded with a description of where it appears in the config.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		for i, shard := range c.Shards {
			if !yield(fmt.Sprintf("shards[%d].username", i), shard.Username) {
				return
			}
			if !yield(fmt.Sprintf("shards[%d].password", i), shard.Password) {
				return
			}
		}
	}
}

// Validate verifies the configuration is valid:
// - At least one shard, with unique ids
// - All shard configs produce valid pool configs
// - All secrets are accessible
// It does not stop at the first error; all errors are accumulated and returned together.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if len(c.Shards) == 0 {
		errs = append(errs, errors.New("at least one shard is required"))
	}

	seen := make(map[string]bool, len(c.Shards))
	for i, shard := range c.Shards {
		if shard.ID == "" {
			errs = append(errs, fmt.Errorf("shards[%d]: id is required", i))
		} else if seen[shard.ID] {
			errs = append(errs, fmt.Errorf("shards[%d]: duplicate shard id %q", i, shard.ID))
		}
		seen[shard.ID] = true

		if _, err := shard.PoolConfig(ctx, secrets); err != nil {
			errs = append(errs, fmt.Errorf("shards[%d]: %w", i, err))
		}
	}

	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.OpenTelemetry != nil {
		if err := c.OpenTelemetry.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	for path, ref := range c.Secrets() {
		if _, err := secrets.Get(ctx, ref); err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	return errors.Join(errs...)
}

// GetMaxConnections returns the global shard connection cap.
func (c *Config) GetMaxConnections() int32 {
	if c.MaxConnections <= 0 {
		return 64
	}
	return c.MaxConnections
}

// GetMaxHoldBuffer returns the per-cursor materialization cap in bytes.
func (c *Config) GetMaxHoldBuffer() int64 {
	if c.MaxHoldBuffer <= 0 {
		return int64(16 * MiB)
	}
	return c.MaxHoldBuffer.Int64()
}
