// Package config provides configuration management for the Kiro proxy server.
// It handles loading and parsing YAML configuration files, and provides structured
// access to application settings including server port, the upstream base URL,
// account storage location, scheduler intervals, and cooldown tuning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
// Every field has a working default; running without a config file is supported.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// KiroBaseURL is the base URL of the upstream Kiro service.
	KiroBaseURL string `yaml:"kiro-base-url"`

	// AuthDir is the directory where account state and the flow store live.
	AuthDir string `yaml:"auth-dir"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// ProxyURL is the URL of an optional proxy server to use for upstream requests.
	// Supports socks5://, http:// and https:// schemes.
	ProxyURL string `yaml:"proxy-url"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// LoggingToFile switches log output from stdout to rotating files under logs/.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ManagementKey guards the /v0/management endpoints. Empty disables the check.
	ManagementKey string `yaml:"management-key"`

	// RequestRetry is the per-request upstream attempt budget.
	RequestRetry int `yaml:"request-retry"`

	// QuotaCooldownSeconds is how long an account rests after a quota event.
	QuotaCooldownSeconds int `yaml:"quota-cooldown-seconds"`

	// SessionAffinityTTLSeconds is the sliding lifetime of a session affinity entry.
	SessionAffinityTTLSeconds int `yaml:"session-affinity-ttl-seconds"`

	// RefreshIntervalMinutes is the cadence of the proactive token refresh task.
	RefreshIntervalMinutes int `yaml:"refresh-interval-minutes"`

	// HealthIntervalMinutes is the cadence of the account health-check task.
	HealthIntervalMinutes int `yaml:"health-interval-minutes"`
}

const (
	defaultPort        = 8080
	defaultKiroBaseURL = "https://q.us-east-1.amazonaws.com"
)

// DefaultConfig returns a configuration populated with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                      defaultPort,
		KiroBaseURL:               defaultKiroBaseURL,
		AuthDir:                   "~/.kiro-proxy",
		RequestRetry:              3,
		QuotaCooldownSeconds:      300,
		SessionAffinityTTLSeconds: 60,
		RefreshIntervalMinutes:    5,
		HealthIntervalMinutes:     10,
	}
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, and fills unset fields with defaults. A missing
// file is not an error: the defaults are returned so the proxy can start
// with no configuration at all.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be parsed
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	if configFile == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values left by a partial YAML document.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.KiroBaseURL == "" {
		c.KiroBaseURL = d.KiroBaseURL
	}
	c.KiroBaseURL = strings.TrimRight(c.KiroBaseURL, "/")
	if c.AuthDir == "" {
		c.AuthDir = d.AuthDir
	}
	if c.RequestRetry <= 0 {
		c.RequestRetry = d.RequestRetry
	}
	if c.QuotaCooldownSeconds <= 0 {
		c.QuotaCooldownSeconds = d.QuotaCooldownSeconds
	}
	if c.SessionAffinityTTLSeconds <= 0 {
		c.SessionAffinityTTLSeconds = d.SessionAffinityTTLSeconds
	}
	if c.RefreshIntervalMinutes <= 0 {
		c.RefreshIntervalMinutes = d.RefreshIntervalMinutes
	}
	if c.HealthIntervalMinutes <= 0 {
		c.HealthIntervalMinutes = d.HealthIntervalMinutes
	}
}

// ResolveAuthDir expands a leading "~" in AuthDir against the user's home
// directory and returns the absolute path.
func (c *Config) ResolveAuthDir() (string, error) {
	dir := c.AuthDir
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// QuotaCooldown returns the quota cooldown as a duration.
func (c *Config) QuotaCooldown() time.Duration {
	return time.Duration(c.QuotaCooldownSeconds) * time.Second
}

// AffinityTTL returns the session affinity lifetime as a duration.
func (c *Config) AffinityTTL() time.Duration {
	return time.Duration(c.SessionAffinityTTLSeconds) * time.Second
}

// RefreshInterval returns the proactive refresh cadence as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

// HealthInterval returns the health-check cadence as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMinutes) * time.Minute
}
