// Package config provides configuration loading and validation for the capture agent.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/jonathan/court-capture/internal/tribunal"
)

// Config represents the agent configuration that can be loaded from a JSON file.
// All fields are optional; missing values come from the environment or defaults.
type Config struct {
	// Storage and logging
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL
	LogFile     string `json:"log_file,omitempty"`     // JSON log file, in addition to stderr
	LogLevel    string `json:"log_level,omitempty"`    // debug, info, warn or error

	// Pagination
	PageSize         int `json:"page_size,omitempty"`           // Items requested per page
	InterPageDelayMs int `json:"inter_page_delay_ms,omitempty"` // Pause between page requests

	// Retry
	MaxAttempts      int     `json:"max_attempts,omitempty"`        // Attempts per call, including the first
	RetryBaseDelayMs int     `json:"retry_base_delay_ms,omitempty"` // Delay before the first retry
	RetryMultiplier  float64 `json:"retry_multiplier,omitempty"`    // Growth factor between retries

	// System default timeouts by operation, in milliseconds
	Timeouts tribunal.Timeouts `json:"timeouts,omitempty"`

	// Browser and scheduling
	Headless          *bool   `json:"headless,omitempty"`            // Run the login browser headless
	ChromePath        string  `json:"chrome_path,omitempty"`         // Browser executable override
	Concurrency       int     `json:"concurrency,omitempty"`         // Captures in flight for batches
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // Per-session API request rate

	// Server
	ListenAddr string `json:"listen_addr,omitempty"` // HTTP listen address for serve
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values. Zero means unset.
func (c *Config) Validate() error {
	nonNegative := []struct {
		name  string
		value float64
	}{
		{"page_size", float64(c.PageSize)},
		{"inter_page_delay_ms", float64(c.InterPageDelayMs)},
		{"max_attempts", float64(c.MaxAttempts)},
		{"retry_base_delay_ms", float64(c.RetryBaseDelayMs)},
		{"retry_multiplier", c.RetryMultiplier},
		{"concurrency", float64(c.Concurrency)},
		{"requests_per_second", c.RequestsPerSecond},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			return fmt.Errorf("config error: '%s' must be non-negative", f.name)
		}
	}
	if c.RetryMultiplier != 0 && c.RetryMultiplier < 1 {
		return fmt.Errorf("config error: 'retry_multiplier' must be at least 1")
	}

	for op, d := range c.Timeouts {
		if !slices.Contains(tribunal.Operations, op) {
			return fmt.Errorf("config error: unknown timeout operation %q", op)
		}
		if d <= 0 {
			return fmt.Errorf("config error: timeout for %s must be positive", op)
		}
	}

	if c.LogLevel != "" {
		if _, err := ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
	}
	return nil
}

// MergeWithDefaults returns a new Config with unset fields filled from defaults.
// Timeouts are merged per operation.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.LogFile == "" {
		result.LogFile = defaults.LogFile
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.ChromePath == "" {
		result.ChromePath = defaults.ChromePath
	}
	if result.ListenAddr == "" {
		result.ListenAddr = defaults.ListenAddr
	}

	// Numeric fields: use default if zero
	if result.PageSize == 0 {
		result.PageSize = defaults.PageSize
	}
	if result.InterPageDelayMs == 0 {
		result.InterPageDelayMs = defaults.InterPageDelayMs
	}
	if result.MaxAttempts == 0 {
		result.MaxAttempts = defaults.MaxAttempts
	}
	if result.RetryBaseDelayMs == 0 {
		result.RetryBaseDelayMs = defaults.RetryBaseDelayMs
	}
	if result.RetryMultiplier == 0 {
		result.RetryMultiplier = defaults.RetryMultiplier
	}
	if result.Concurrency == 0 {
		result.Concurrency = defaults.Concurrency
	}
	if result.RequestsPerSecond == 0 {
		result.RequestsPerSecond = defaults.RequestsPerSecond
	}

	// Headless is a pointer so an explicit false survives the merge
	if result.Headless == nil {
		result.Headless = defaults.Headless
	}

	merged := maps.Clone(defaults.Timeouts)
	if merged == nil {
		merged = tribunal.Timeouts{}
	}
	maps.Copy(merged, c.Timeouts)
	if len(merged) > 0 {
		result.Timeouts = merged
	}

	return result
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
