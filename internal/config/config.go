// Package config loads the gateway configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full gateway configuration. Every field can be set through an
// ITSMBRIDGE_* environment variable.
type Config struct {
	// ListenAddr is the bind address for the agent-facing HTTP server.
	ListenAddr string

	// DatabaseURL is the Postgres DSN for the persistent store.
	DatabaseURL string

	// DatabaseMaxConns and DatabaseMinConns bound the connection pool.
	// 0 takes the store's defaults.
	DatabaseMaxConns int
	DatabaseMinConns int

	// EncryptionKeyHex is the hex-encoded 32-byte master key. It is decoded
	// once at startup; the raw bytes never appear in logs or on disk.
	EncryptionKeyHex string

	// APIKeys is the accepted X-API-Key allow-list.
	APIKeys []string

	// AllowedIPs restricts connecting agents (IPs or CIDRs). Empty allows all.
	AllowedIPs []string

	// SessionIdleTimeout destroys sessions with no messages for this long.
	SessionIdleTimeout time.Duration

	// SessionPerMinute is the per-session message budget.
	SessionPerMinute int

	// MaxSessionsPerTenant caps concurrent SSE sessions per tenant.
	// 0 means unlimited.
	MaxSessionsPerTenant int

	// SweepInterval is the token sweeper's cadence.
	SweepInterval time.Duration

	// RefreshMargin is how far ahead of expiry the sweeper refreshes.
	RefreshMargin time.Duration

	// SafetyMargin is subtracted from provider expiry when storing tokens.
	SafetyMargin time.Duration

	// MultiInstance makes the refresh gate consult the shared audit trail on
	// every decision instead of only at cold start.
	MultiInstance bool

	// InstanceID tags audit rows; defaults to the hostname.
	InstanceID string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// Debug switches to pretty console logging.
	Debug bool
}

// Default returns the configuration defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		ListenAddr:         ":8080",
		SessionIdleTimeout: 30 * time.Minute,
		SessionPerMinute:   60,
		SweepInterval:      60 * time.Second,
		RefreshMargin:      5 * time.Minute,
		SafetyMargin:       60 * time.Second,
		InstanceID:         hostname,
		LogLevel:           "info",
	}
}

// Load builds the configuration from defaults plus environment overrides.
// Validation is separate so callers can apply flag overrides first.
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("ITSMBRIDGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ITSMBRIDGE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ITSMBRIDGE_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DatabaseMaxConns = n
		}
	}
	if v := os.Getenv("ITSMBRIDGE_DB_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DatabaseMinConns = n
		}
	}
	if v := os.Getenv("ITSMBRIDGE_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKeyHex = v
	}
	if v := os.Getenv("ITSMBRIDGE_API_KEYS"); v != "" {
		cfg.APIKeys = splitList(v)
	}
	if v := os.Getenv("ITSMBRIDGE_ALLOWED_IPS"); v != "" {
		cfg.AllowedIPs = splitList(v)
	}
	if v := os.Getenv("ITSMBRIDGE_SESSION_IDLE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.SessionIdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ITSMBRIDGE_SESSION_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionPerMinute = n
		}
	}
	if v := os.Getenv("ITSMBRIDGE_MAX_SESSIONS_PER_TENANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSessionsPerTenant = n
		}
	}
	if v := os.Getenv("ITSMBRIDGE_SWEEP_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.SweepInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ITSMBRIDGE_REFRESH_MARGIN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RefreshMargin = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ITSMBRIDGE_SAFETY_MARGIN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.SafetyMargin = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ITSMBRIDGE_MULTI_INSTANCE"); v == "true" || v == "1" {
		cfg.MultiInstance = true
	}
	if v := os.Getenv("ITSMBRIDGE_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("ITSMBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ITSMBRIDGE_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}

	return cfg
}

// Validate checks that the configuration is runnable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.EncryptionKeyHex == "" {
		return ErrMissingEncryptionKey
	}
	if key, err := hex.DecodeString(c.EncryptionKeyHex); err != nil || len(key) != 32 {
		return ErrInvalidEncryptionKey
	}
	if len(c.APIKeys) == 0 {
		return ErrMissingAPIKeys
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
