package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testKeyHex = "2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a"

func validConfig() *Config {
	cfg := Default()
	cfg.DatabaseURL = "postgres://gateway@localhost/itsmbridge"
	cfg.EncryptionKeyHex = testKeyHex
	cfg.APIKeys = []string{"key-1"}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want 30m", cfg.SessionIdleTimeout)
	}
	if cfg.SweepInterval != 60*time.Second {
		t.Errorf("SweepInterval = %v, want 60s", cfg.SweepInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.MultiInstance {
		t.Error("MultiInstance should default to false")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ITSMBRIDGE_LISTEN_ADDR", ":9090")
	t.Setenv("ITSMBRIDGE_DATABASE_URL", "postgres://other@db/itsmbridge")
	t.Setenv("ITSMBRIDGE_API_KEYS", "key-1, key-2 ,key-3")
	t.Setenv("ITSMBRIDGE_ALLOWED_IPS", "10.0.0.0/8,192.168.1.5")
	t.Setenv("ITSMBRIDGE_SESSION_IDLE_TIMEOUT_MS", "60000")
	t.Setenv("ITSMBRIDGE_MAX_SESSIONS_PER_TENANT", "4")
	t.Setenv("ITSMBRIDGE_DB_MAX_CONNS", "40")
	t.Setenv("ITSMBRIDGE_MULTI_INSTANCE", "true")
	t.Setenv("ITSMBRIDGE_LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DatabaseURL != "postgres://other@db/itsmbridge" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if len(cfg.APIKeys) != 3 || cfg.APIKeys[1] != "key-2" {
		t.Errorf("APIKeys = %v, want 3 trimmed entries", cfg.APIKeys)
	}
	if len(cfg.AllowedIPs) != 2 {
		t.Errorf("AllowedIPs = %v, want 2 entries", cfg.AllowedIPs)
	}
	if cfg.SessionIdleTimeout != time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want 1m", cfg.SessionIdleTimeout)
	}
	if cfg.MaxSessionsPerTenant != 4 {
		t.Errorf("MaxSessionsPerTenant = %d, want 4", cfg.MaxSessionsPerTenant)
	}
	if cfg.DatabaseMaxConns != 40 {
		t.Errorf("DatabaseMaxConns = %d, want 40", cfg.DatabaseMaxConns)
	}
	if !cfg.MultiInstance {
		t.Error("MultiInstance should be true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_IgnoresMalformedDurations(t *testing.T) {
	t.Setenv("ITSMBRIDGE_SWEEP_INTERVAL_MS", "not-a-number")
	t.Setenv("ITSMBRIDGE_SESSION_PER_MINUTE", "-5")

	cfg := Load()

	if cfg.SweepInterval != 60*time.Second {
		t.Errorf("SweepInterval = %v, want default 60s", cfg.SweepInterval)
	}
	if cfg.SessionPerMinute != 60 {
		t.Errorf("SessionPerMinute = %d, want default 60", cfg.SessionPerMinute)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, ErrMissingDatabaseURL},
		{"missing encryption key", func(c *Config) { c.EncryptionKeyHex = "" }, ErrMissingEncryptionKey},
		{"short encryption key", func(c *Config) { c.EncryptionKeyHex = "abcd" }, ErrInvalidEncryptionKey},
		{"non-hex encryption key", func(c *Config) { c.EncryptionKeyHex = strings.Repeat("zz", 32) }, ErrInvalidEncryptionKey},
		{"no api keys", func(c *Config) { c.APIKeys = nil }, ErrMissingAPIKeys},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, ErrInvalidLogLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
