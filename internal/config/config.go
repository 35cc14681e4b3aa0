// Package config handles application configuration and environment loading.
//
// Values are resolved in order: built-in defaults, then an optional YAML
// file (CONFIG_FILE), then environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duck-coordinator/internal/admission"
	"duck-coordinator/internal/urlrewrite"
)

// AdmissionConfig configures the submission token bucket.
type AdmissionConfig struct {
	BucketSize      int           `yaml:"bucket_size"`
	RefillPerSecond float64       `yaml:"refill_per_second"` // 0 means BucketSize
	Mode            string        `yaml:"mode"`              // blocking | nonblocking
	Timeout         time.Duration `yaml:"timeout"`           // max blocking wait
}

// QueryConfig configures polling and expiry.
type QueryConfig struct {
	PollRate       float64       `yaml:"poll_rate"` // polls/s per query; 0 disables
	PollBurst      int           `yaml:"poll_burst"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	ClientTimeout  time.Duration `yaml:"client_timeout"` // expiry window
	AbandonedGrace time.Duration `yaml:"abandoned_grace"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// EngineConfig configures the DuckDB execution engine.
type EngineConfig struct {
	DuckDBPath     string `yaml:"duckdb_path"` // empty for in-memory
	MaxConcurrency int    `yaml:"max_concurrency"`
	BatchSize      int    `yaml:"batch_size"`
}

// Config holds the configuration for the statement gateway.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // HTTP listen address (default ":8080")
	LogLevel   string `yaml:"log_level"`   // log level: debug, info, warn, error (default "info")
	Env        string `yaml:"env"`         // environment: "development" (default) or "production"

	// Per-client HTTP rate limiting
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`   // sustained requests per second (default 100)
	RateLimitBurst int     `yaml:"rate_limit_burst"` // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"` // default: ["*"]

	// ProxyPrefix is the prefix this server decodes on /v1/proxy. Empty
	// means the prefix is derived from the request host.
	ProxyPrefix string `yaml:"proxy_prefix"`

	Admission AdmissionConfig `yaml:"admission"`
	Query     QueryConfig     `yaml:"query"`
	Engine    EngineConfig    `yaml:"engine"`

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		LogLevel:           "info",
		Env:                "development",
		RateLimitRPS:       100,
		RateLimitBurst:     200,
		CORSAllowedOrigins: []string{"*"},
		Admission: AdmissionConfig{
			BucketSize: 100,
			Mode:       string(admission.ModeBlocking),
			Timeout:    30 * time.Second,
		},
		Query: QueryConfig{
			PollBurst:      10,
			PollTimeout:    time.Second,
			ClientTimeout:  5 * time.Minute,
			AbandonedGrace: time.Minute,
			SweepInterval:  5 * time.Second,
		},
		Engine: EngineConfig{
			MaxConcurrency: 4,
			BatchSize:      1024,
		},
	}
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads defaults, then the YAML file named by CONFIG_FILE if set,
// then environment variables, and validates the result.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

// Load is LoadFromEnv with an explicit config file path. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.mergeEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Env, "ENV")
	setString(&c.ProxyPrefix, "PROXY_PREFIX")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	c.setFloat(&c.RateLimitRPS, "RATE_LIMIT_RPS")
	c.setInt(&c.RateLimitBurst, "RATE_LIMIT_BURST")

	c.setInt(&c.Admission.BucketSize, "ADMISSION_BUCKET_SIZE")
	c.setFloat(&c.Admission.RefillPerSecond, "ADMISSION_REFILL_PER_SECOND")
	setString(&c.Admission.Mode, "ADMISSION_MODE")
	c.setDuration(&c.Admission.Timeout, "ADMISSION_TIMEOUT")

	c.setFloat(&c.Query.PollRate, "QUERY_POLL_RATE")
	c.setInt(&c.Query.PollBurst, "QUERY_POLL_BURST")
	c.setDuration(&c.Query.PollTimeout, "QUERY_POLL_TIMEOUT")
	c.setDuration(&c.Query.ClientTimeout, "QUERY_CLIENT_TIMEOUT")
	c.setDuration(&c.Query.AbandonedGrace, "QUERY_ABANDONED_GRACE")
	c.setDuration(&c.Query.SweepInterval, "SWEEP_INTERVAL")

	setString(&c.Engine.DuckDBPath, "DUCKDB_PATH")
	c.setInt(&c.Engine.MaxConcurrency, "ENGINE_MAX_CONCURRENCY")
	c.setInt(&c.Engine.BatchSize, "ENGINE_BATCH_SIZE")
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Admission.BucketSize < 1 {
		return fmt.Errorf("ADMISSION_BUCKET_SIZE must be at least 1, got %d", c.Admission.BucketSize)
	}
	if c.Admission.RefillPerSecond < 0 {
		return fmt.Errorf("ADMISSION_REFILL_PER_SECOND must not be negative, got %v", c.Admission.RefillPerSecond)
	}
	if _, err := admission.ParseMode(c.Admission.Mode); err != nil {
		return fmt.Errorf("ADMISSION_MODE: %w", err)
	}
	if c.Admission.Timeout < 0 {
		return fmt.Errorf("ADMISSION_TIMEOUT must not be negative, got %s", c.Admission.Timeout)
	}
	if c.Query.PollRate < 0 {
		return fmt.Errorf("QUERY_POLL_RATE must not be negative, got %v", c.Query.PollRate)
	}
	if c.Query.ClientTimeout <= 0 {
		return fmt.Errorf("QUERY_CLIENT_TIMEOUT must be positive, got %s", c.Query.ClientTimeout)
	}
	if c.Query.AbandonedGrace < 0 {
		return fmt.Errorf("QUERY_ABANDONED_GRACE must not be negative, got %s", c.Query.AbandonedGrace)
	}
	if c.Query.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.Query.SweepInterval)
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("ENGINE_MAX_CONCURRENCY must be at least 1, got %d", c.Engine.MaxConcurrency)
	}
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("ENGINE_BATCH_SIZE must be at least 1, got %d", c.Engine.BatchSize)
	}
	if c.ProxyPrefix != "" {
		if err := urlrewrite.ValidatePrefix(c.ProxyPrefix); err != nil {
			return fmt.Errorf("PROXY_PREFIX: %w", err)
		}
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}

	// Production mode: insecure defaults are fatal errors.
	if c.IsProduction() {
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				return fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
			}
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s=%q: not an integer", key, v))
		return
	}
	*dst = n
}

func (c *Config) setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s=%q: not a number", key, v))
		return
	}
	*dst = f
}

func (c *Config) setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s=%q: not a duration", key, v))
		return
	}
	*dst = d
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
