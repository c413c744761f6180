// Package store is the gateway's single source of truth: tenants, encrypted
// OAuth credentials, cached tokens, and the refresh audit trail. Writes that
// span tables run in one transaction so other instances always observe a
// consistent view.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNameCollision is returned when a tenant name is already taken
// (case-insensitive).
var ErrNameCollision = errors.New("tenant name already exists")

// Store wraps the connection pool with the gateway's query surface.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for lifecycle management.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

const tenantColumns = "id, name, region, status, tier, metadata, created_at, updated_at"

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Region, &t.Status, &t.Tier, &t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenantWithConfig inserts a tenant and its OAuth config in one
// transaction. Registration is all-or-nothing: a tenant without credentials
// would be unusable.
func (s *Store) CreateTenantWithConfig(ctx context.Context, tenant *Tenant, cfg *OAuthConfig) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin registration tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM tenants WHERE LOWER(name) = LOWER($1))",
		tenant.Name,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrNameCollision
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tenants (id, name, region, status, tier, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tenant.ID, tenant.Name, tenant.Region, tenant.Status, tenant.Tier, tenant.Metadata,
	); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO oauth_configs
			(tenant_id, client_id_enc, client_secret_enc, refresh_token_enc,
			 client_id_fingerprint, scopes, instance_url, scheme_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cfg.TenantID, cfg.ClientIDEnc, cfg.ClientSecretEnc, cfg.RefreshTokenEnc,
		cfg.ClientIDFingerprint, cfg.Scopes, cfg.InstanceURL, cfg.SchemeVersion,
	); err != nil {
		return fmt.Errorf("insert oauth config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit registration tx: %w", err)
	}

	log.Info().
		Str("tenantId", tenant.ID.String()).
		Str("tenant", tenant.Name).
		Str("region", string(tenant.Region)).
		Str("tier", string(tenant.Tier)).
		Msg("tenant registered")

	return nil
}

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id)
	return scanTenant(row)
}

// GetTenantByName loads a tenant by name, case-insensitively.
func (s *Store) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE LOWER(name) = LOWER($1)", name)
	return scanTenant(row)
}

// ListActiveTenants returns all tenants with status active.
func (s *Store) ListActiveTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE status = $1 ORDER BY name", TenantActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpdateTenantStatus changes a tenant's lifecycle state.
func (s *Store) UpdateTenantStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1", id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTenantTier changes a tenant's rate tier.
func (s *Store) UpdateTenantTier(ctx context.Context, id uuid.UUID, tier RateTier) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE tenants SET tier = $2, updated_at = now() WHERE id = $1", id, tier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTenantMetadata replaces a tenant's opaque metadata map.
func (s *Store) UpdateTenantMetadata(ctx context.Context, id uuid.UUID, metadata map[string]string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE tenants SET metadata = $2, updated_at = now() WHERE id = $1", id, metadata)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTenant removes a tenant. Config, token, and audit rows cascade.
func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM tenants WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	log.Info().Str("tenantId", id.String()).Msg("tenant deleted")
	return nil
}

// ---------------------------------------------------------------------------
// OAuth configs
// ---------------------------------------------------------------------------

const oauthColumns = `tenant_id, client_id_enc, client_secret_enc, refresh_token_enc,
	client_id_fingerprint, scopes, instance_url, scheme_version, created_at, updated_at`

func scanOAuthConfig(row pgx.Row) (*OAuthConfig, error) {
	var c OAuthConfig
	err := row.Scan(&c.TenantID, &c.ClientIDEnc, &c.ClientSecretEnc, &c.RefreshTokenEnc,
		&c.ClientIDFingerprint, &c.Scopes, &c.InstanceURL, &c.SchemeVersion, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOAuthConfig loads the OAuth config for a tenant.
func (s *Store) GetOAuthConfig(ctx context.Context, tenantID uuid.UUID) (*OAuthConfig, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+oauthColumns+" FROM oauth_configs WHERE tenant_id = $1", tenantID)
	return scanOAuthConfig(row)
}

// GetOAuthConfigByFingerprint looks up an OAuth config by the SHA-256
// fingerprint of its client id, for connect-time tenant binding.
func (s *Store) GetOAuthConfigByFingerprint(ctx context.Context, fingerprint string) (*OAuthConfig, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+oauthColumns+" FROM oauth_configs WHERE client_id_fingerprint = $1", fingerprint)
	return scanOAuthConfig(row)
}

// UpsertOAuthConfig inserts or replaces a tenant's OAuth config.
func (s *Store) UpsertOAuthConfig(ctx context.Context, cfg *OAuthConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_configs
			(tenant_id, client_id_enc, client_secret_enc, refresh_token_enc,
			 client_id_fingerprint, scopes, instance_url, scheme_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id) DO UPDATE SET
			client_id_enc = EXCLUDED.client_id_enc,
			client_secret_enc = EXCLUDED.client_secret_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			client_id_fingerprint = EXCLUDED.client_id_fingerprint,
			scopes = EXCLUDED.scopes,
			instance_url = EXCLUDED.instance_url,
			scheme_version = EXCLUDED.scheme_version,
			updated_at = now()`,
		cfg.TenantID, cfg.ClientIDEnc, cfg.ClientSecretEnc, cfg.RefreshTokenEnc,
		cfg.ClientIDFingerprint, cfg.Scopes, cfg.InstanceURL, cfg.SchemeVersion)
	return err
}

// ---------------------------------------------------------------------------
// Stored tokens
// ---------------------------------------------------------------------------

const tokenColumns = `tenant_id, access_token_enc, refresh_token_enc, expires_at,
	scopes, last_refreshed, refresh_count`

func scanToken(row pgx.Row) (*StoredToken, error) {
	var t StoredToken
	err := row.Scan(&t.TenantID, &t.AccessTokenEnc, &t.RefreshTokenEnc, &t.ExpiresAt,
		&t.Scopes, &t.LastRefreshed, &t.RefreshCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetToken loads the stored token for a tenant regardless of expiry.
func (s *Store) GetToken(ctx context.Context, tenantID uuid.UUID) (*StoredToken, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM stored_tokens WHERE tenant_id = $1", tenantID)
	return scanToken(row)
}

// GetValidToken loads the stored token for a tenant only if it has not
// expired, evaluated server-side so all instances agree.
func (s *Store) GetValidToken(ctx context.Context, tenantID uuid.UUID) (*StoredToken, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM stored_tokens WHERE tenant_id = $1 AND expires_at > now()", tenantID)
	return scanToken(row)
}

// UpsertTokenWithAudit atomically replaces a tenant's stored token,
// increments its refresh count, and appends the matching audit row. One
// successful refresh produces exactly one token row state and one audit row.
func (s *Store) UpsertTokenWithAudit(ctx context.Context, token *StoredToken, audit *RefreshAudit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO stored_tokens
			(tenant_id, access_token_enc, refresh_token_enc, expires_at, scopes, last_refreshed, refresh_count)
		VALUES ($1, $2, $3, $4, $5, now(), 1)
		ON CONFLICT (tenant_id) DO UPDATE SET
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			last_refreshed = now(),
			refresh_count = stored_tokens.refresh_count + 1`,
		token.TenantID, token.AccessTokenEnc, token.RefreshTokenEnc, token.ExpiresAt, token.Scopes,
	); err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_audits (tenant_id, at, outcome, classification, instance_id)
		VALUES ($1, $2, $3, $4, $5)`,
		audit.TenantID, audit.At, audit.Outcome, audit.Classification, audit.InstanceID,
	); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteExpiredTokens removes tokens that expired more than olderThan ago.
// Returns the number of rows removed.
func (s *Store) DeleteExpiredTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM stored_tokens WHERE expires_at < now() - $1::interval",
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetTokenStats summarizes stored tokens across all tenants.
func (s *Store) GetTokenStats(ctx context.Context) (*TokenStats, error) {
	var stats TokenStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE expires_at > now()),
		       COUNT(*) FILTER (WHERE expires_at <= now())
		FROM stored_tokens`,
	).Scan(&stats.Total, &stats.Valid, &stats.Expired)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ---------------------------------------------------------------------------
// Refresh audits
// ---------------------------------------------------------------------------

// AppendAudit records a refresh attempt outside of a token upsert (failures).
func (s *Store) AppendAudit(ctx context.Context, audit *RefreshAudit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_audits (tenant_id, at, outcome, classification, instance_id)
		VALUES ($1, $2, $3, $4, $5)`,
		audit.TenantID, audit.At, audit.Outcome, audit.Classification, audit.InstanceID)
	return err
}

// AuditsSince returns a tenant's refresh attempts at or after the given time,
// oldest first.
func (s *Store) AuditsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*RefreshAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, at, outcome, classification, instance_id
		FROM refresh_audits
		WHERE tenant_id = $1 AND at >= $2
		ORDER BY at`,
		tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*RefreshAudit
	for rows.Next() {
		var a RefreshAudit
		if err := rows.Scan(&a.ID, &a.TenantID, &a.At, &a.Outcome, &a.Classification, &a.InstanceID); err != nil {
			return nil, err
		}
		audits = append(audits, &a)
	}
	return audits, rows.Err()
}
