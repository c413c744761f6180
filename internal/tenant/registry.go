// Package tenant implements the tenant registry: a read-mostly facade over
// the store that decrypts credentials on demand and caches the result, plus
// the ambient per-request tenant context.
package tenant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/itsmbridge/internal/crypto"
	"github.com/erauner12/itsmbridge/internal/store"
)

// DefaultCacheTTL is how long decrypted tenant configs stay cached.
const DefaultCacheTTL = 300 * time.Second

// AdminScope grants every operation regardless of the allowed-scope list.
const AdminScope = "ITSM.Admin.ALL"

// scopePattern is the permitted shape of an allowed scope.
var scopePattern = regexp.MustCompile(`^ITSM\.[A-Za-z]+\.(READ|CREATE|UPDATE|DELETE|ALL)$`)

var (
	// ErrInvalidScopeFormat indicates a registration scope does not match
	// the permitted pattern.
	ErrInvalidScopeFormat = errors.New("scope does not match permitted pattern")

	// ErrRegionMismatch indicates the instance URL does not share origin
	// with the region's endpoint.
	ErrRegionMismatch = errors.New("instance URL does not match region origin")

	// ErrInvalidCredentials indicates connect-time client credentials did
	// not match any registered tenant.
	ErrInvalidCredentials = errors.New("invalid client credentials")

	// ErrTenantSuspended indicates the tenant exists but is not active.
	ErrTenantSuspended = errors.New("tenant is suspended")
)

// Store is the subset of the persistent store the registry needs.
type Store interface {
	CreateTenantWithConfig(ctx context.Context, tenant *store.Tenant, cfg *store.OAuthConfig) error
	GetTenant(ctx context.Context, id uuid.UUID) (*store.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*store.Tenant, error)
	GetOAuthConfig(ctx context.Context, tenantID uuid.UUID) (*store.OAuthConfig, error)
	GetOAuthConfigByFingerprint(ctx context.Context, fingerprint string) (*store.OAuthConfig, error)
	UpdateTenantStatus(ctx context.Context, id uuid.UUID, status store.TenantStatus) error
	ListActiveTenants(ctx context.Context) ([]*store.Tenant, error)
}

// TenantWithConfig is an immutable assembly of a tenant row and its decrypted
// credentials. The decrypted fields exist in memory only.
type TenantWithConfig struct {
	Tenant       store.Tenant
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string
	InstanceURL  string
}

// TenantContext derives the ambient request context record for this tenant.
func (t *TenantWithConfig) TenantContext() *Context {
	return &Context{
		TenantID:    t.Tenant.ID,
		Name:        t.Tenant.Name,
		Region:      t.Tenant.Region,
		InstanceURL: t.InstanceURL,
		Scopes:      t.Scopes,
		Tier:        t.Tenant.Tier,
	}
}

// RegisterRequest carries everything needed to register a tenant. The refresh
// token is the output of the one-shot administrative authorization-code
// exchange; the core only consumes it.
type RegisterRequest struct {
	Name         string
	Region       store.Region
	Tier         store.RateTier
	Scopes       []string
	InstanceURL  string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Metadata     map[string]string
}

// Registry looks up tenants, decrypts their credentials on demand, and caches
// the assembled result with a TTL.
type Registry struct {
	store  Store
	crypto *crypto.Service
	cache  *cache
}

// NewRegistry creates a tenant registry with the given cache TTL
// (DefaultCacheTTL if zero).
func NewRegistry(st Store, cr *crypto.Service, cacheTTL time.Duration) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Registry{
		store:  st,
		crypto: cr,
		cache:  newCache(cacheTTL),
	}
}

// Register validates and stores a new tenant with encrypted credentials.
// Tenant row and OAuth config are written in one transaction.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.Tenant, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	if !req.Region.Valid() {
		return nil, fmt.Errorf("unknown region %q", req.Region)
	}
	if req.Tier == "" {
		req.Tier = store.TierBasic
	}
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("unknown rate tier %q", req.Tier)
	}
	if req.ClientID == "" || req.ClientSecret == "" || req.RefreshToken == "" {
		return nil, fmt.Errorf("client id, client secret, and refresh token are required")
	}

	for _, scope := range req.Scopes {
		if !scopePattern.MatchString(scope) && scope != AdminScope {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScopeFormat, scope)
		}
	}

	if err := validateInstanceURL(req.InstanceURL, req.Region); err != nil {
		return nil, err
	}

	tenant := &store.Tenant{
		ID:       uuid.New(),
		Name:     req.Name,
		Region:   req.Region,
		Status:   store.TenantActive,
		Tier:     req.Tier,
		Metadata: req.Metadata,
	}
	if tenant.Metadata == nil {
		tenant.Metadata = map[string]string{}
	}

	clientIDEnc, err := r.crypto.Encrypt(req.ClientID, tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("encrypt client id: %w", err)
	}
	clientSecretEnc, err := r.crypto.Encrypt(req.ClientSecret, tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("encrypt client secret: %w", err)
	}
	refreshTokenEnc, err := r.crypto.Encrypt(req.RefreshToken, tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	cfg := &store.OAuthConfig{
		TenantID:            tenant.ID,
		ClientIDEnc:         clientIDEnc,
		ClientSecretEnc:     clientSecretEnc,
		RefreshTokenEnc:     refreshTokenEnc,
		ClientIDFingerprint: Fingerprint(req.ClientID),
		Scopes:              req.Scopes,
		InstanceURL:         req.InstanceURL,
		SchemeVersion:       crypto.SchemeVersion,
	}

	if err := r.store.CreateTenantWithConfig(ctx, tenant, cfg); err != nil {
		return nil, err
	}

	return tenant, nil
}

// Get returns the tenant with decrypted credentials, from cache when fresh.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*TenantWithConfig, error) {
	return r.cache.getOrLoad(id, func() (*TenantWithConfig, error) {
		return r.load(ctx, id)
	})
}

// Authenticate binds connect-time client credentials to a registered tenant.
// Lookup goes through the client-id fingerprint; both decrypted credentials
// are then compared in constant time.
func (r *Registry) Authenticate(ctx context.Context, clientID, clientSecret string) (*TenantWithConfig, error) {
	cfg, err := r.store.GetOAuthConfigByFingerprint(ctx, Fingerprint(clientID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	twc, err := r.Get(ctx, cfg.TenantID)
	if err != nil {
		return nil, err
	}

	idOK := subtle.ConstantTimeCompare([]byte(twc.ClientID), []byte(clientID)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(twc.ClientSecret), []byte(clientSecret)) == 1
	if !idOK || !secretOK {
		return nil, ErrInvalidCredentials
	}

	if twc.Tenant.Status != store.TenantActive {
		return nil, ErrTenantSuspended
	}

	return twc, nil
}

// ValidateScope reports whether the tenant's allowed scopes cover the
// required scope, either directly or through the admin wildcard.
func (r *Registry) ValidateScope(ctx context.Context, tenantID uuid.UUID, required string) (bool, error) {
	twc, err := r.Get(ctx, tenantID)
	if err != nil {
		return false, err
	}

	for _, scope := range twc.Scopes {
		if scope == required || scope == AdminScope {
			return true, nil
		}
	}
	return false, nil
}

// UpdateStatus changes a tenant's lifecycle state and drops the cache entry.
func (r *Registry) UpdateStatus(ctx context.Context, id uuid.UUID, status store.TenantStatus) error {
	if err := r.store.UpdateTenantStatus(ctx, id, status); err != nil {
		return err
	}
	r.cache.invalidate(id)

	log.Info().
		Str("tenantId", id.String()).
		Str("status", string(status)).
		Msg("tenant status updated")

	return nil
}

// Suspend marks a tenant suspended after a permanent credential failure and
// leaves an admin-visible trace in the log stream.
func (r *Registry) Suspend(ctx context.Context, id uuid.UUID, reason string) error {
	if err := r.UpdateStatus(ctx, id, store.TenantSuspended); err != nil {
		return err
	}

	log.Warn().
		Str("tenantId", id.String()).
		Str("reason", reason).
		Msg("tenant auto-suspended")

	return nil
}

// ListActive returns all active tenants (used by the background sweeper).
func (r *Registry) ListActive(ctx context.Context) ([]*store.Tenant, error) {
	return r.store.ListActiveTenants(ctx)
}

// Invalidate drops a tenant's cache entry.
func (r *Registry) Invalidate(id uuid.UUID) {
	r.cache.invalidate(id)
}

// load assembles a TenantWithConfig from store rows, decrypting credentials
// under the tenant name's associated data.
func (r *Registry) load(ctx context.Context, id uuid.UUID) (*TenantWithConfig, error) {
	tenant, err := r.store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg, err := r.store.GetOAuthConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	clientID, err := r.crypto.Decrypt(cfg.ClientIDEnc, tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("tenant %s client id: %w", tenant.Name, err)
	}
	clientSecret, err := r.crypto.Decrypt(cfg.ClientSecretEnc, tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("tenant %s client secret: %w", tenant.Name, err)
	}
	refreshToken, err := r.crypto.Decrypt(cfg.RefreshTokenEnc, tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("tenant %s refresh token: %w", tenant.Name, err)
	}

	return &TenantWithConfig{
		Tenant:       *tenant,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
		Scopes:       cfg.Scopes,
		InstanceURL:  cfg.InstanceURL,
	}, nil
}

// Fingerprint returns the SHA-256 hex digest of a client id, the indexed form
// used for connect-time lookup without decrypting every config.
func Fingerprint(clientID string) string {
	sum := sha256.Sum256([]byte(clientID))
	return hex.EncodeToString(sum[:])
}

func validateInstanceURL(instanceURL string, region store.Region) error {
	if instanceURL == "" {
		return fmt.Errorf("instance URL is required")
	}

	parsed, err := url.Parse(instanceURL)
	if err != nil {
		return fmt.Errorf("invalid instance URL: %w", err)
	}

	origin, err := url.Parse(region.Origin())
	if err != nil {
		return fmt.Errorf("invalid region origin: %w", err)
	}

	if parsed.Scheme != origin.Scheme || parsed.Host != origin.Host {
		return fmt.Errorf("%w: %s is not on %s", ErrRegionMismatch, instanceURL, region.Origin())
	}

	return nil
}
