package config

import (
	"fmt"
	"maps"
	"os"
	"strconv"
	"time"

	"github.com/jonathan/court-capture/internal/capture"
	"github.com/jonathan/court-capture/internal/retry"
	"github.com/jonathan/court-capture/internal/tribunal"
)

// Built-in values used when neither the environment nor a config file sets them.
const (
	DefaultMaxAttempts       = 3
	DefaultRetryBaseDelay    = 500 * time.Millisecond
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultConcurrency       = 4
	DefaultRequestsPerSecond = 2.0
	DefaultListenAddr        = ":8080"
)

// DefaultTimeouts are the system timeouts applied when a profile has no override.
func DefaultTimeouts() tribunal.Timeouts {
	return tribunal.Timeouts{
		tribunal.OpLogin:       60 * time.Second,
		tribunal.OpRedirect:    30 * time.Second,
		tribunal.OpNetworkIdle: 10 * time.Second,
		tribunal.OpAPI:         30 * time.Second,
	}
}

// CaptureDefaults holds resolved capture tunables.
type CaptureDefaults struct {
	PageSize          int
	InterPageDelay    time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration
	Timeouts          tribunal.Timeouts
	Headless          bool
	ChromePath        string
	Concurrency       int
	RequestsPerSecond float64
}

// NewCaptureDefaults creates capture defaults from environment variables.
func NewCaptureDefaults() (*CaptureDefaults, error) {
	env, err := EnvConfig()
	if err != nil {
		return nil, err
	}
	return CaptureDefaultsFrom(env)
}

// CaptureDefaultsFrom resolves c over the built-in values.
func CaptureDefaultsFrom(c Config) (*CaptureDefaults, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := &CaptureDefaults{
		PageSize:          capture.DefaultPageSize,
		InterPageDelay:    capture.DefaultInterPageDelay,
		MaxAttempts:       DefaultMaxAttempts,
		RetryBaseDelay:    DefaultRetryBaseDelay,
		RetryMultiplier:   DefaultRetryMultiplier,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		Timeouts:          DefaultTimeouts(),
		Headless:          true,
		ChromePath:        c.ChromePath,
		Concurrency:       DefaultConcurrency,
		RequestsPerSecond: DefaultRequestsPerSecond,
	}
	if c.PageSize > 0 {
		d.PageSize = c.PageSize
	}
	if c.InterPageDelayMs > 0 {
		d.InterPageDelay = time.Duration(c.InterPageDelayMs) * time.Millisecond
	}
	if c.MaxAttempts > 0 {
		d.MaxAttempts = c.MaxAttempts
	}
	if c.RetryBaseDelayMs > 0 {
		d.RetryBaseDelay = time.Duration(c.RetryBaseDelayMs) * time.Millisecond
	}
	if c.RetryMultiplier > 0 {
		d.RetryMultiplier = c.RetryMultiplier
	}
	maps.Copy(d.Timeouts, c.Timeouts)
	if c.Headless != nil {
		d.Headless = *c.Headless
	}
	if c.Concurrency > 0 {
		d.Concurrency = c.Concurrency
	}
	if c.RequestsPerSecond > 0 {
		d.RequestsPerSecond = c.RequestsPerSecond
	}

	if err := d.normalize(); err != nil {
		return nil, err
	}
	return d, nil
}

// normalize validates the configuration.
func (d *CaptureDefaults) normalize() error {
	if d.PageSize < 1 {
		return fmt.Errorf("page size must be at least 1, got: %d", d.PageSize)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got: %d", d.MaxAttempts)
	}
	if d.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got: %v", d.RetryMultiplier)
	}
	if d.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got: %d", d.Concurrency)
	}
	for _, op := range tribunal.Operations {
		if d.Timeouts[op] <= 0 {
			return &tribunal.MissingTimeoutError{Operation: op}
		}
	}
	return nil
}

// CaptureOptions returns pagination options.
func (d *CaptureDefaults) CaptureOptions() capture.Options {
	return capture.Options{PageSize: d.PageSize, InterPageDelay: d.InterPageDelay}
}

// RetryPolicy returns the retry policy shared by logins and page fetches.
func (d *CaptureDefaults) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: d.MaxAttempts,
		BaseDelay:   d.RetryBaseDelay,
		Multiplier:  d.RetryMultiplier,
		MaxDelay:    d.RetryMaxDelay,
	}
}

// EnvConfig reads a Config from environment variables. Unset variables leave
// fields at zero; malformed values are errors.
func EnvConfig() (Config, error) {
	c := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogFile:     os.Getenv("LOG_FILE"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		ChromePath:  os.Getenv("CHROME_PATH"),
		ListenAddr:  os.Getenv("LISTEN_ADDR"),
		Timeouts:    tribunal.Timeouts{},
	}

	var err error
	if c.PageSize, err = envInt("CAPTURE_PAGE_SIZE"); err != nil {
		return Config{}, err
	}
	if c.MaxAttempts, err = envInt("CAPTURE_MAX_ATTEMPTS"); err != nil {
		return Config{}, err
	}
	if c.Concurrency, err = envInt("CAPTURE_CONCURRENCY"); err != nil {
		return Config{}, err
	}
	if c.RetryMultiplier, err = envFloat("CAPTURE_RETRY_MULTIPLIER"); err != nil {
		return Config{}, err
	}
	if c.RequestsPerSecond, err = envFloat("CAPTURE_REQUESTS_PER_SECOND"); err != nil {
		return Config{}, err
	}

	delay, err := envDuration("CAPTURE_INTER_PAGE_DELAY")
	if err != nil {
		return Config{}, err
	}
	c.InterPageDelayMs = int(delay.Milliseconds())
	base, err := envDuration("CAPTURE_RETRY_BASE_DELAY")
	if err != nil {
		return Config{}, err
	}
	c.RetryBaseDelayMs = int(base.Milliseconds())

	timeoutVars := map[tribunal.Operation]string{
		tribunal.OpLogin:       "TIMEOUT_LOGIN",
		tribunal.OpRedirect:    "TIMEOUT_REDIRECT",
		tribunal.OpNetworkIdle: "TIMEOUT_NETWORK_IDLE",
		tribunal.OpAPI:         "TIMEOUT_API",
	}
	for op, key := range timeoutVars {
		d, err := envDuration(key)
		if err != nil {
			return Config{}, err
		}
		if d != 0 {
			c.Timeouts[op] = d
		}
	}

	if v := os.Getenv("CAPTURE_HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CAPTURE_HEADLESS: %v", err)
		}
		c.Headless = &b
	}
	return c, nil
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got: %d", key, n)
	}
	return n, nil
}

func envFloat(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got: %v", key, f)
	}
	return f, nil
}

// envDuration accepts Go durations ("45s") or bare milliseconds ("45000").
func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("invalid %s: must be positive, got: %d", key, ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got: %s", key, d)
	}
	return d, nil
}
