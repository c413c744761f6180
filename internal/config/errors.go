package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates no Postgres DSN was configured.
	ErrMissingDatabaseURL = errors.New("database URL is required (set ITSMBRIDGE_DATABASE_URL)")

	// ErrMissingEncryptionKey indicates no master key was configured.
	ErrMissingEncryptionKey = errors.New("encryption key is required (set ITSMBRIDGE_ENCRYPTION_KEY)")

	// ErrInvalidEncryptionKey indicates the key is not 32 hex-encoded bytes.
	ErrInvalidEncryptionKey = errors.New("encryption key must be 64 hex characters (32 bytes)")

	// ErrMissingAPIKeys indicates no agent API keys were configured.
	ErrMissingAPIKeys = errors.New("at least one API key is required (set ITSMBRIDGE_API_KEYS)")

	// ErrInvalidLogLevel indicates an unrecognized log level.
	ErrInvalidLogLevel = errors.New("invalid log level")
)
