// Package config loads and validates the agent configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/glowd/internal/policy"
)

// Config represents the application configuration.
type Config struct {
	Daemon          DaemonConfig      `yaml:"daemon"`
	Thresholds      ThresholdsConfig  `yaml:"thresholds"`
	Poll            PollConfig        `yaml:"poll"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	Log             LogConfig         `yaml:"log"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// DaemonConfig contains lighting daemon connection and delivery settings.
type DaemonConfig struct {
	Address    string `yaml:"address"`
	OnProfile  string `yaml:"on_profile"`
	OffProfile string `yaml:"off_profile"`

	ConnectTimeout Duration `yaml:"connect_timeout"` // TCP connect timeout
	IOTimeout      Duration `yaml:"io_timeout"`      // Per-packet read/write timeout

	// Delivery retry settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between attempts (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between attempts (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxAttempts     int      `yaml:"max_attempts"`      // Attempts per intent generation (default: 5)
	RetryCooldown   Duration `yaml:"retry_cooldown"`    // Pause before re-arming after exhausted attempts
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`    // Profile loads per second, 0 = unlimited
}

// ThresholdsConfig contains the idle/curfew rule values. These directly
// change lighting behavior, so none of them are defaulted: missing or
// invalid values fail validation.
type ThresholdsConfig struct {
	DayIdleTimeout   Duration `yaml:"day_idle_timeout"`
	NightIdleTimeout Duration `yaml:"night_idle_timeout"`
	NightStart       string   `yaml:"night_start"`
	NightEnd         string   `yaml:"night_end"`
	CurfewStart      string   `yaml:"curfew_start"`
	CurfewEnd        string   `yaml:"curfew_end"`
}

// Build parses and validates the thresholds into the policy value object.
func (c *ThresholdsConfig) Build() (policy.Thresholds, error) {
	night, err := policy.ParseWindow(c.NightStart, c.NightEnd)
	if err != nil {
		return policy.Thresholds{}, fmt.Errorf("night window: %w", err)
	}
	curfew, err := policy.ParseWindow(c.CurfewStart, c.CurfewEnd)
	if err != nil {
		return policy.Thresholds{}, fmt.Errorf("curfew window: %w", err)
	}

	t := policy.Thresholds{
		DayIdleTimeout:   c.DayIdleTimeout.Duration(),
		NightIdleTimeout: c.NightIdleTimeout.Duration(),
		Night:            night,
		Curfew:           curfew,
	}
	if err := t.Validate(); err != nil {
		return policy.Thresholds{}, err
	}
	return t, nil
}

// PollConfig contains idle polling settings.
type PollConfig struct {
	Interval Duration `yaml:"interval"` // OS idle counter sample interval
}

// LedgerConfig contains transition history settings. An empty path
// disables the ledger.
type LedgerConfig struct {
	Path            string   `yaml:"path"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// Enabled reports whether the ledger should be opened.
func (c *LedgerConfig) Enabled() bool {
	return c.Path != ""
}

// HealthcheckConfig contains health check server settings.
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// GetLevel returns the configured level with a default.
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// Duration is a wrapper around time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills ambient settings. Threshold values are deliberately
// excluded: they are validated, never defaulted.
func (c *Config) applyDefaults() {
	if c.Daemon.Address == "" {
		c.Daemon.Address = "127.0.0.1:6742"
	}
	if c.Daemon.OnProfile == "" {
		c.Daemon.OnProfile = "On"
	}
	if c.Daemon.OffProfile == "" {
		c.Daemon.OffProfile = "Off"
	}
	if c.Daemon.ConnectTimeout == 0 {
		c.Daemon.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.Daemon.IOTimeout == 0 {
		c.Daemon.IOTimeout = Duration(5 * time.Second)
	}
	if c.Daemon.MinRetryBackoff == 0 {
		c.Daemon.MinRetryBackoff = Duration(1 * time.Second)
	}
	if c.Daemon.MaxRetryBackoff == 0 {
		c.Daemon.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if c.Daemon.RetryMultiplier == 0 {
		c.Daemon.RetryMultiplier = 2.0
	}
	if c.Daemon.MaxAttempts == 0 {
		c.Daemon.MaxAttempts = 5
	}
	if c.Daemon.RetryCooldown == 0 {
		c.Daemon.RetryCooldown = Duration(2 * time.Minute)
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = Duration(15 * time.Second)
	}

	if c.Ledger.CleanupInterval == 0 {
		c.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if c.Ledger.RetentionDays == 0 {
		c.Ledger.RetentionDays = 30
	}

	if c.Healthcheck.Port == 0 {
		c.Healthcheck.Port = 9090
	}
	if c.Healthcheck.Host == "" {
		c.Healthcheck.Host = "127.0.0.1"
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate rejects configurations the agent cannot safely run with.
func (c *Config) Validate() error {
	if _, err := c.Thresholds.Build(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if c.Poll.Interval.Duration() < time.Second {
		return fmt.Errorf("poll interval %s is below 1s", c.Poll.Interval.Duration())
	}
	if c.Daemon.MaxAttempts < 1 {
		return fmt.Errorf("daemon max_attempts must be at least 1, got %d", c.Daemon.MaxAttempts)
	}
	if c.Daemon.MinRetryBackoff.Duration() > c.Daemon.MaxRetryBackoff.Duration() {
		return fmt.Errorf("daemon min_retry_backoff %s exceeds max_retry_backoff %s",
			c.Daemon.MinRetryBackoff.Duration(), c.Daemon.MaxRetryBackoff.Duration())
	}
	return nil
}

// GetShutdownTimeout returns the shutdown timeout as a time.Duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
