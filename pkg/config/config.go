// Package config loads the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"fossibot-bridge/pkg/logger"

	"gopkg.in/yaml.v3"
)

// Config is the complete bridge configuration. Interval fields are seconds
// in YAML (matching the ambient convention elsewhere in the bridge) and
// exposed as time.Duration via their *Duration() accessors.
type Config struct {
	Username                string               `yaml:"username"`
	Password                string               `yaml:"password"`
	DeveloperMode           bool                 `yaml:"developer_mode"`
	PollIntervalSeconds     int                  `yaml:"poll_interval"`
	HealthCheckSeconds      int                  `yaml:"health_check_interval"`
	StaleAfterSeconds       int                  `yaml:"stale_after"`
	MetricsPort             int                  `yaml:"metrics_port"`
	HealthPort              int                  `yaml:"health_port"`
	Logging                 logger.LoggingConfig `yaml:"logging"`
}

// PollInterval is the configured device-poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HealthCheckInterval is the configured staleness-check cadence.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckSeconds) * time.Second
}

// StaleAfter is how long without a successful communication before the
// coordinator considers the connection stale and triggers a reconnect.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// setDefaults fills in zero-valued fields with the bridge's documented defaults.
func (c *Config) setDefaults() {
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = 30
	}
	if c.HealthCheckSeconds == 0 {
		c.HealthCheckSeconds = 60
	}
	if c.StaleAfterSeconds == 0 {
		c.StaleAfterSeconds = 300
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.HealthPort == 0 {
		c.HealthPort = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = logger.LogLevelInfo
	}
}

// LoadConfig reads and validates the bridge configuration, trying a short
// list of conventional locations when configPath is empty or missing.
func LoadConfig(configPath string) (*Config, error) {
	paths := []string{
		configPath,
		"/etc/fossibot-bridge/config.yaml",
		"/etc/fossibot-bridge.yaml",
		"./config.yaml",
	}

	var data []byte
	var err error
	var usedPath string

	for _, path := range paths {
		if path == "" {
			continue
		}
		// #nosec G304 - paths come from a hardcoded list of conventional locations
		data, err = os.ReadFile(path)
		if err == nil {
			usedPath = path
			break
		}
	}

	if err != nil {
		return nil, fmt.Errorf("cannot read configuration file from any of %v: %w", paths, err)
	}

	config, parseErr := LoadConfigFromString(string(data))
	if parseErr != nil {
		return nil, fmt.Errorf("error parsing configuration from %s: %w", usedPath, parseErr)
	}

	logger.LogInfo("✅ Configuration loaded successfully from %s", usedPath)
	return config, nil
}

// LoadConfigFromString parses configuration from a YAML string, for tests
// and for embedding the config in something other than a file.
func LoadConfigFromString(yamlContent string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(yamlContent), &config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is not specified")
	}
	if c.Password == "" {
		return fmt.Errorf("password is not specified")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.HealthCheckSeconds <= 0 {
		return fmt.Errorf("health_check_interval must be positive")
	}
	if c.StaleAfterSeconds <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	return nil
}
