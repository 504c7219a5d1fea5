// Package config loads and validates the anvil.yml broker configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when fields are omitted.
const (
	DefaultListen                 = ":8080"
	DefaultHeartbeatWindowSeconds = 300
	DefaultSweepIntervalSeconds   = 30
)

// AnvilConfig represents the top-level anvil.yml configuration.
type AnvilConfig struct {
	Version string       `yaml:"version"`
	Redis   RedisConfig  `yaml:"redis"`
	Broker  BrokerConfig `yaml:"broker"`
}

// RedisConfig specifies the Redis backing store.
type RedisConfig struct {
	URL string `yaml:"url"` // e.g. redis://localhost:6379/0
}

// BrokerConfig specifies broker behaviour settings.
type BrokerConfig struct {
	// Instance namespaces all Redis keys so multiple brokers can share a server.
	Instance string `yaml:"instance"`

	// Listen is the HTTP listen address for the API and health endpoints.
	Listen string `yaml:"listen,omitempty"`

	// HeartbeatWindowSeconds is the freshness window: an agent is ACTIVE only
	// while its last heartbeat is younger than this.
	HeartbeatWindowSeconds int `yaml:"heartbeat_window_seconds,omitempty"`

	// SweepIntervalSeconds is the period of the reconciler's full sweep.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds,omitempty"`
}

// HeartbeatWindow returns the freshness window as a duration.
func (c *AnvilConfig) HeartbeatWindow() time.Duration {
	return time.Duration(c.Broker.HeartbeatWindowSeconds) * time.Second
}

// SweepInterval returns the sweep period as a duration.
func (c *AnvilConfig) SweepInterval() time.Duration {
	return time.Duration(c.Broker.SweepIntervalSeconds) * time.Second
}

// Load reads and validates an anvil.yml file, applying defaults.
func Load(path string) (*AnvilConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AnvilConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs strict validation on the configuration and applies
// defaults for optional fields.
func (c *AnvilConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	if c.Broker.Instance == "" {
		return fmt.Errorf("broker.instance is required")
	}

	if c.Broker.Listen == "" {
		c.Broker.Listen = DefaultListen
	}

	if c.Broker.HeartbeatWindowSeconds == 0 {
		c.Broker.HeartbeatWindowSeconds = DefaultHeartbeatWindowSeconds
	}
	if c.Broker.HeartbeatWindowSeconds < 0 {
		return fmt.Errorf("broker.heartbeat_window_seconds must be > 0, got %d", c.Broker.HeartbeatWindowSeconds)
	}

	if c.Broker.SweepIntervalSeconds == 0 {
		c.Broker.SweepIntervalSeconds = DefaultSweepIntervalSeconds
	}
	if c.Broker.SweepIntervalSeconds < 0 {
		return fmt.Errorf("broker.sweep_interval_seconds must be > 0, got %d", c.Broker.SweepIntervalSeconds)
	}

	return nil
}
