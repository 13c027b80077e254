// Package autonomy loads the operator-mounted autonomy configuration: the
// master switch plus the guardrail limits the scheduler enforces every tick.
package autonomy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config is mounted in the control-plane pod.
const DefaultPath = "/etc/leviathan/autonomy.yaml"

// Config is the guardrail configuration. The zero value is fully disabled.
type Config struct {
	AutonomyEnabled        bool     `yaml:"autonomy_enabled" json:"autonomy_enabled"`
	TargetID               string   `yaml:"target_id" json:"target_id"`
	AllowedPathPrefixes    []string `yaml:"allowed_path_prefixes" json:"allowed_path_prefixes"`
	DeniedPathPrefixes     []string `yaml:"denied_path_prefixes" json:"denied_path_prefixes"`
	MaxOpenPRs             int      `yaml:"max_open_prs" json:"max_open_prs"`
	MaxAttemptsPerTask     int      `yaml:"max_attempts_per_task" json:"max_attempts_per_task"`
	RetryBackoffSeconds    int      `yaml:"retry_backoff_seconds" json:"retry_backoff_seconds"`
	CircuitBreakerFailures int      `yaml:"circuit_breaker_failures" json:"circuit_breaker_failures"`
	CircuitBreakerWindow   int      `yaml:"circuit_breaker_window" json:"circuit_breaker_window"`
}

// Defaults applied to unset limits. A limit of zero would otherwise stall
// the scheduler permanently.
const (
	DefaultMaxOpenPRs             = 1
	DefaultMaxAttemptsPerTask     = 3
	DefaultRetryBackoffSeconds    = 60
	DefaultCircuitBreakerFailures = 3
	DefaultCircuitBreakerWindow   = 10
)

// Load reads the mounted config. A missing file yields the disabled default
// with source "default"; otherwise source is the path read.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, "default", nil
		}
		return nil, "", fmt.Errorf("autonomy: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, "", fmt.Errorf("autonomy: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, path, nil
}

func (c *Config) applyDefaults() {
	if c.MaxOpenPRs <= 0 {
		c.MaxOpenPRs = DefaultMaxOpenPRs
	}
	if c.MaxAttemptsPerTask <= 0 {
		c.MaxAttemptsPerTask = DefaultMaxAttemptsPerTask
	}
	if c.RetryBackoffSeconds <= 0 {
		c.RetryBackoffSeconds = DefaultRetryBackoffSeconds
	}
	if c.CircuitBreakerFailures <= 0 {
		c.CircuitBreakerFailures = DefaultCircuitBreakerFailures
	}
	if c.CircuitBreakerWindow <= 0 {
		c.CircuitBreakerWindow = DefaultCircuitBreakerWindow
	}
}
