// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration // 0 leaves SSE streams unbounded.
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64
	APIKey              string // Empty disables auth.
	CORSOrigins         []string
	SSEHeartbeat        time.Duration

	// Storage settings.
	DBPath            string
	EventRetentionMax int // Events kept per run; 0 disables pruning.

	// Rate limiting on write routes, keyed by client IP.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		APIKey:       envStr("AGENTOPS_API_KEY", ""),
		DBPath:       envStr("AGENTOPS_DB_PATH", "data/agentops.db"),
		CORSOrigins:  envList("AGENTOPS_CORS_ORIGINS", []string{"*"}),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "agentops"),
		LogLevel:     envStr("AGENTOPS_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("AGENTOPS_PORT", 8787)
	collect(err)
	cfg.ReadTimeout, err = envDuration("AGENTOPS_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("AGENTOPS_WRITE_TIMEOUT", 0)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("AGENTOPS_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)
	maxBody, err := envInt("AGENTOPS_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MiB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.SSEHeartbeat, err = envDuration("AGENTOPS_SSE_HEARTBEAT", 15*time.Second)
	collect(err)
	cfg.EventRetentionMax, err = envInt("AGENTOPS_EVENT_RETENTION_MAX", 5000)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("AGENTOPS_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("AGENTOPS_RATE_LIMIT_RPS", 50)
	collect(err)
	cfg.RateLimitBurst, err = envInt("AGENTOPS_RATE_LIMIT_BURST", 200)
	collect(err)
	cfg.OTELInsecure, err = envBool("AGENTOPS_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the loaded values are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("AGENTOPS_PORT must be between 0 and 65535, got %d", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("AGENTOPS_DB_PATH is required"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("AGENTOPS_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.EventRetentionMax < 0 {
		errs = append(errs, errors.New("AGENTOPS_EVENT_RETENTION_MAX must not be negative"))
	}
	if c.SSEHeartbeat <= 0 {
		errs = append(errs, errors.New("AGENTOPS_SSE_HEARTBEAT must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("AGENTOPS_RATE_LIMIT_RPS and AGENTOPS_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("AGENTOPS_LOG_LEVEL=%q is not one of debug, info, warn, error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
