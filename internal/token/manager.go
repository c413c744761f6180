// Package token implements the per-tenant access-token lifecycle: cached
// acquisition, coordinated refresh against the identity provider's limits,
// and background maintenance of stored tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/itsmbridge/internal/breaker"
	"github.com/erauner12/itsmbridge/internal/crypto"
	"github.com/erauner12/itsmbridge/internal/ratelimit"
	"github.com/erauner12/itsmbridge/internal/retry"
	"github.com/erauner12/itsmbridge/internal/store"
	"github.com/erauner12/itsmbridge/internal/tenant"
)

// Store is the subset of the persistent store the token manager needs.
type Store interface {
	GetToken(ctx context.Context, tenantID uuid.UUID) (*store.StoredToken, error)
	GetValidToken(ctx context.Context, tenantID uuid.UUID) (*store.StoredToken, error)
	UpsertTokenWithAudit(ctx context.Context, tok *store.StoredToken, audit *store.RefreshAudit) error
	AppendAudit(ctx context.Context, audit *store.RefreshAudit) error
	DeleteExpiredTokens(ctx context.Context, olderThan time.Duration) (int64, error)
	GetTokenStats(ctx context.Context) (*store.TokenStats, error)
}

// Tenants is the registry view the manager needs: credential lookup, the
// suspension hook for permanent failures, and the active set for the sweeper.
type Tenants interface {
	Get(ctx context.Context, id uuid.UUID) (*tenant.TenantWithConfig, error)
	Suspend(ctx context.Context, id uuid.UUID, reason string) error
	ListActive(ctx context.Context) ([]*store.Tenant, error)
	Invalidate(id uuid.UUID)
}

// Config tunes the token manager's margins and background cadence.
type Config struct {
	// SafetyMargin is subtracted from the provider's expires_in when storing
	// a token, and again when judging whether a stored token is still usable.
	SafetyMargin time.Duration
	// RefreshMargin is how far ahead of expiry the sweeper refreshes
	// proactively.
	RefreshMargin time.Duration
	// CheckInterval is the sweeper's tick.
	CheckInterval time.Duration
	// PurgeInterval is how often long-expired stored tokens are deleted.
	PurgeInterval time.Duration
	// PurgeAge is how long past expiry a stored token must be to be purged.
	PurgeAge time.Duration
	// InstanceID tags audit rows with the process that wrote them.
	InstanceID string
}

// DefaultConfig returns the standard margins: 60s safety, 5m proactive
// refresh, 60s sweep, hourly purge of tokens expired for over a day.
func DefaultConfig() Config {
	return Config{
		SafetyMargin:  60 * time.Second,
		RefreshMargin: 5 * time.Minute,
		CheckInterval: 60 * time.Second,
		PurgeInterval: time.Hour,
		PurgeAge:      24 * time.Hour,
	}
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// Manager serves access tokens for tenants. Reads hit the in-memory cache,
// then the store; refreshes are collapsed per tenant via singleflight and
// guarded by the refresh gate and the circuit breaker.
type Manager struct {
	cfg     Config
	store   Store
	tenants Tenants
	crypto  *crypto.Service
	gate    *ratelimit.RefreshGate
	breaker *breaker.Breaker
	policy  retry.Policy
	idp     IdentityProvider

	group singleflight.Group

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedToken

	now func() time.Time // test hook
}

// NewManager wires the token manager. Zero config fields take DefaultConfig
// values.
func NewManager(cfg Config, st Store, tenants Tenants, cr *crypto.Service, gate *ratelimit.RefreshGate, br *breaker.Breaker, policy retry.Policy, idp IdentityProvider) *Manager {
	def := DefaultConfig()
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = def.RefreshMargin
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.PurgeAge <= 0 {
		cfg.PurgeAge = def.PurgeAge
	}

	return &Manager{
		cfg:     cfg,
		store:   st,
		tenants: tenants,
		crypto:  cr,
		gate:    gate,
		breaker: br,
		policy:  policy,
		idp:     idp,
		cache:   make(map[uuid.UUID]cachedToken),
		now:     time.Now,
	}
}

// AccessToken returns a usable access token for the tenant, refreshing if
// necessary. Concurrent callers for the same tenant share one refresh.
func (m *Manager) AccessToken(ctx context.Context, tenantID uuid.UUID) (string, error) {
	if tok, ok := m.cached(tenantID, m.cfg.SafetyMargin); ok {
		return tok, nil
	}
	return m.acquire(ctx, tenantID, false, m.cfg.SafetyMargin)
}

// ForceRefresh discards the current token and refreshes immediately. It
// bypasses the minimum-interval rule but still counts against the refresh
// window.
func (m *Manager) ForceRefresh(ctx context.Context, tenantID uuid.UUID) (string, error) {
	m.evict(tenantID)
	return m.acquire(ctx, tenantID, true, m.cfg.SafetyMargin)
}

// Stats reports stored-token totals across all tenants.
func (m *Manager) Stats(ctx context.Context) (*store.TokenStats, error) {
	return m.store.GetTokenStats(ctx)
}

// acquire runs the refresh path under singleflight. The shared work runs on a
// context detached from the first caller's cancellation, so one caller
// hanging up does not abort a refresh other callers are waiting on.
func (m *Manager) acquire(ctx context.Context, tenantID uuid.UUID, force bool, margin time.Duration) (string, error) {
	work := context.WithoutCancel(ctx)

	ch := m.group.DoChan(tenantID.String(), func() (interface{}, error) {
		return m.refresh(work, tenantID, force, margin)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refresh is the single-flighted refresh body: re-check cache and store
// against the caller's validity horizon, ask the gate and the breaker, call
// the provider with retries, then persist and audit the outcome. The request
// path passes SafetyMargin; the sweeper passes RefreshMargin so tokens inside
// the proactive window are not mistaken for still-valid ones.
func (m *Manager) refresh(ctx context.Context, tenantID uuid.UUID, force bool, margin time.Duration) (string, error) {
	if !force {
		// Another caller may have refreshed while we queued.
		if tok, ok := m.cached(tenantID, margin); ok {
			return tok, nil
		}
		if tok, ok := m.fromStore(ctx, tenantID, margin); ok {
			return tok, nil
		}
	}

	twc, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}

	decision, err := m.canRefresh(ctx, tenantID, force)
	if err != nil {
		return "", fmt.Errorf("refresh gate: %w", err)
	}
	if !decision.Allowed {
		// Denied before any provider contact: no attempt, no audit row.
		return "", &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	if !m.breaker.Allow() {
		return "", &CircuitOpenError{}
	}

	if twc.RefreshToken == "" {
		m.recordFailure(ctx, twc, ErrNoRefreshToken)
		return "", ErrNoRefreshToken
	}

	m.gate.RecordAttempt(tenantID, m.now())

	var resp *TokenResponse
	err = m.policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = m.idp.Refresh(ctx, twc.Tenant.Region.TokenEndpoint(), twc.ClientID, twc.ClientSecret, twc.RefreshToken)
		return callErr
	})
	if err != nil {
		m.breaker.RecordFailure()
		m.recordFailure(ctx, twc, err)
		return "", &RefreshFailedError{Cause: err}
	}

	m.breaker.RecordSuccess()

	accessToken, err := m.persist(ctx, twc, resp)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("tenantId", tenantID.String()).
		Str("tenant", twc.Tenant.Name).
		Int("expiresIn", resp.ExpiresIn).
		Bool("rotated", resp.RefreshToken != "").
		Msg("access token refreshed")

	return accessToken, nil
}

func (m *Manager) canRefresh(ctx context.Context, tenantID uuid.UUID, force bool) (ratelimit.Decision, error) {
	if force {
		return m.gate.CanForceRefresh(ctx, tenantID)
	}
	return m.gate.CanRefresh(ctx, tenantID)
}

// persist encrypts and stores the new token with its success audit row in one
// transaction, then populates the in-memory cache.
func (m *Manager) persist(ctx context.Context, twc *tenant.TenantWithConfig, resp *TokenResponse) (string, error) {
	now := m.now()
	expiresAt := now.Add(time.Duration(resp.ExpiresIn)*time.Second - m.cfg.SafetyMargin)

	accessEnc, err := m.crypto.Encrypt(resp.AccessToken, twc.Tenant.Name)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}

	// The provider may rotate the refresh token; keep the old one otherwise.
	refreshPlain := resp.RefreshToken
	if refreshPlain == "" {
		refreshPlain = twc.RefreshToken
	}
	refreshEnc, err := m.crypto.Encrypt(refreshPlain, twc.Tenant.Name)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}

	tok := &store.StoredToken{
		TenantID:        twc.Tenant.ID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       expiresAt,
		Scopes:          twc.Scopes,
		LastRefreshed:   now,
	}
	audit := &store.RefreshAudit{
		TenantID:   twc.Tenant.ID,
		At:         now,
		Outcome:    store.AuditSuccess,
		InstanceID: m.cfg.InstanceID,
	}
	if err := m.store.UpsertTokenWithAudit(ctx, tok, audit); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}

	m.mu.Lock()
	m.cache[twc.Tenant.ID] = cachedToken{accessToken: resp.AccessToken, expiresAt: expiresAt}
	m.mu.Unlock()

	return resp.AccessToken, nil
}

// recordFailure audits a failed attempt and suspends the tenant when the
// failure is permanent.
func (m *Manager) recordFailure(ctx context.Context, twc *tenant.TenantWithConfig, cause error) {
	classification, permanent := classify(cause)

	audit := &store.RefreshAudit{
		TenantID:       twc.Tenant.ID,
		At:             m.now(),
		Outcome:        store.AuditFailure,
		Classification: classification,
		InstanceID:     m.cfg.InstanceID,
	}
	if err := m.store.AppendAudit(ctx, audit); err != nil {
		log.Error().Err(err).
			Str("tenantId", twc.Tenant.ID.String()).
			Msg("failed to append refresh audit")
	}

	log.Warn().
		Str("tenantId", twc.Tenant.ID.String()).
		Str("tenant", twc.Tenant.Name).
		Str("classification", classification).
		Bool("permanent", permanent).
		Msg("token refresh failed")

	if permanent {
		if err := m.tenants.Suspend(ctx, twc.Tenant.ID, classification); err != nil {
			log.Error().Err(err).
				Str("tenantId", twc.Tenant.ID.String()).
				Msg("failed to suspend tenant after permanent refresh failure")
		}
		m.evict(twc.Tenant.ID)
	}
}

// cached returns a token from the in-memory cache that is still usable under
// the given margin.
func (m *Manager) cached(tenantID uuid.UUID, margin time.Duration) (string, bool) {
	m.mu.RLock()
	tok, ok := m.cache[tenantID]
	m.mu.RUnlock()

	if !ok || !m.usable(tok.expiresAt, margin) {
		return "", false
	}
	return tok.accessToken, true
}

// fromStore loads a still-usable token persisted by this or another instance.
func (m *Manager) fromStore(ctx context.Context, tenantID uuid.UUID, margin time.Duration) (string, bool) {
	stored, err := m.store.GetValidToken(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).
				Str("tenantId", tenantID.String()).
				Msg("stored token lookup failed")
		}
		return "", false
	}
	if !m.usable(stored.ExpiresAt, margin) {
		return "", false
	}

	twc, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", false
	}
	accessToken, err := m.crypto.Decrypt(stored.AccessTokenEnc, twc.Tenant.Name)
	if err != nil {
		log.Error().Err(err).
			Str("tenantId", tenantID.String()).
			Msg("stored token failed to decrypt")
		return "", false
	}

	m.mu.Lock()
	m.cache[tenantID] = cachedToken{accessToken: accessToken, expiresAt: stored.ExpiresAt}
	m.mu.Unlock()

	return accessToken, true
}

func (m *Manager) usable(expiresAt time.Time, margin time.Duration) bool {
	return m.now().Add(margin).Before(expiresAt)
}

func (m *Manager) evict(tenantID uuid.UUID) {
	m.mu.Lock()
	delete(m.cache, tenantID)
	m.mu.Unlock()
}

// Run drives the background sweeper until ctx is cancelled: proactive
// refresh of tokens nearing expiry every CheckInterval, purge of long-expired
// rows every PurgeInterval.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.cfg.CheckInterval)
	defer sweep.Stop()
	purge := time.NewTicker(m.cfg.PurgeInterval)
	defer purge.Stop()

	log.Info().
		Dur("checkInterval", m.cfg.CheckInterval).
		Dur("refreshMargin", m.cfg.RefreshMargin).
		Msg("token sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("token sweeper stopped")
			return ctx.Err()
		case <-sweep.C:
			m.sweep(ctx)
		case <-purge.C:
			m.purge(ctx)
		}
	}
}

// sweep refreshes every active tenant whose stored token expires within the
// refresh margin. Gate and breaker denials are expected here and only logged.
func (m *Manager) sweep(ctx context.Context) {
	tenants, err := m.tenants.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweeper could not list active tenants")
		return
	}

	deadline := m.now().Add(m.cfg.RefreshMargin)
	for _, t := range tenants {
		stored, err := m.store.GetToken(ctx, t.ID)
		if err != nil {
			// No token yet means no session has needed one; nothing to keep
			// warm.
			if !errors.Is(err, store.ErrNotFound) {
				log.Error().Err(err).Str("tenantId", t.ID.String()).Msg("sweeper token lookup failed")
			}
			continue
		}
		if stored.ExpiresAt.After(deadline) {
			continue
		}

		if _, err := m.acquire(ctx, t.ID, false, m.cfg.RefreshMargin); err != nil {
			var rl *RateLimitedError
			var co *CircuitOpenError
			switch {
			case errors.As(err, &rl):
				log.Debug().
					Str("tenantId", t.ID.String()).
					Dur("retryAfter", rl.RetryAfter).
					Msg("proactive refresh rate limited")
			case errors.As(err, &co):
				log.Debug().Str("tenantId", t.ID.String()).Msg("proactive refresh skipped: circuit open")
			default:
				log.Warn().Err(err).Str("tenantId", t.ID.String()).Msg("proactive refresh failed")
			}
		}
	}
}

func (m *Manager) purge(ctx context.Context) {
	n, err := m.store.DeleteExpiredTokens(ctx, m.cfg.PurgeAge)
	if err != nil {
		log.Error().Err(err).Msg("expired token purge failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("purged expired tokens")
	}
}
