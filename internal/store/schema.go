package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the gateway's relational layout. Applied idempotently at startup;
// heavier migration tooling stays outside the core.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	region     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	tier       TEXT NOT NULL DEFAULT 'basic',
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS tenants_name_lower_idx ON tenants (LOWER(name));

CREATE TABLE IF NOT EXISTS oauth_configs (
	tenant_id             UUID PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
	client_id_enc         TEXT NOT NULL,
	client_secret_enc     TEXT NOT NULL,
	refresh_token_enc     TEXT NOT NULL,
	client_id_fingerprint TEXT NOT NULL,
	scopes                TEXT[] NOT NULL DEFAULT '{}',
	instance_url          TEXT NOT NULL,
	scheme_version        TEXT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS oauth_configs_fingerprint_idx ON oauth_configs (client_id_fingerprint);

CREATE TABLE IF NOT EXISTS stored_tokens (
	tenant_id         UUID PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
	access_token_enc  TEXT NOT NULL,
	refresh_token_enc TEXT NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	scopes            TEXT[] NOT NULL DEFAULT '{}',
	last_refreshed    TIMESTAMPTZ NOT NULL DEFAULT now(),
	refresh_count     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS refresh_audits (
	id             BIGSERIAL PRIMARY KEY,
	tenant_id      UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	outcome        TEXT NOT NULL,
	classification TEXT NOT NULL DEFAULT '',
	instance_id    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS refresh_audits_tenant_at_idx ON refresh_audits (tenant_id, at);
`

// EnsureSchema applies the gateway schema if it is not already present.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
