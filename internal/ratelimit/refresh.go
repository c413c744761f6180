package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/itsmbridge/internal/store"
)

// AuditReader is the store view the gate uses to recover its window after a
// cold start and, in multi-instance mode, to see other instances' attempts.
type AuditReader interface {
	AuditsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*store.RefreshAudit, error)
}

// RefreshGateConfig carries the provider's empirical refresh limits. The
// defaults are hard contracts: the provider returns opaque 4xx on faster
// cadences and eventually blocks the refresh token outright.
type RefreshGateConfig struct {
	// MinInterval is the minimum spacing between refresh attempts per tenant.
	MinInterval time.Duration
	// WindowLimit caps refresh attempts per Window per tenant.
	WindowLimit int
	// Window is the rolling window for WindowLimit.
	Window time.Duration
	// MultiInstance re-consults the audit table on every decision so
	// instances sharing a store also share the window.
	MultiInstance bool
}

// DefaultRefreshGateConfig returns the provider's observed limits:
// one refresh per 3 minutes, at most 10 per 10-minute window.
func DefaultRefreshGateConfig() RefreshGateConfig {
	return RefreshGateConfig{
		MinInterval: 3 * time.Minute,
		WindowLimit: 10,
		Window:      10 * time.Minute,
	}
}

type gateState struct {
	mu        sync.Mutex
	attempts  []time.Time // ascending
	recovered bool
}

// RefreshGate enforces the minimum refresh interval and the windowed cap per
// tenant. State is in-memory per process; the audit table is the shared
// authority consulted at cold start and, optionally, on every decision.
type RefreshGate struct {
	cfg    RefreshGateConfig
	audits AuditReader

	mu      sync.Mutex
	tenants map[uuid.UUID]*gateState

	now func() time.Time // test hook
}

// NewRefreshGate creates a refresh gate. Zero config fields take the
// provider defaults.
func NewRefreshGate(cfg RefreshGateConfig, audits AuditReader) *RefreshGate {
	def := DefaultRefreshGateConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = def.WindowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	return &RefreshGate{
		cfg:     cfg,
		audits:  audits,
		tenants: make(map[uuid.UUID]*gateState),
		now:     time.Now,
	}
}

// CanRefresh decides whether a refresh may be attempted now, enforcing both
// the minimum interval and the windowed cap.
func (g *RefreshGate) CanRefresh(ctx context.Context, tenantID uuid.UUID) (Decision, error) {
	return g.decide(ctx, tenantID, true)
}

// CanForceRefresh is the administrative variant: it bypasses the minimum
// interval but still honours the windowed cap.
func (g *RefreshGate) CanForceRefresh(ctx context.Context, tenantID uuid.UUID) (Decision, error) {
	return g.decide(ctx, tenantID, false)
}

// RecordAttempt notes that a refresh attempt was made (success or failure;
// the provider counts both).
func (g *RefreshGate) RecordAttempt(tenantID uuid.UUID, at time.Time) {
	st := g.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.attempts = append(st.attempts, at)
	st.prune(at.Add(-g.cfg.Window))
}

func (g *RefreshGate) decide(ctx context.Context, tenantID uuid.UUID, enforceInterval bool) (Decision, error) {
	st := g.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := g.now()

	if !st.recovered || g.cfg.MultiInstance {
		if err := g.syncFromAudits(ctx, tenantID, st, now); err != nil {
			return Decision{}, err
		}
	}

	st.prune(now.Add(-g.cfg.Window))

	if enforceInterval && len(st.attempts) > 0 {
		last := st.attempts[len(st.attempts)-1]
		if elapsed := now.Sub(last); elapsed < g.cfg.MinInterval {
			d := deny(g.cfg.MinInterval - elapsed)
			log.Debug().
				Str("tenantId", tenantID.String()).
				Dur("retryAfter", d.RetryAfter).
				Msg("refresh denied: minimum interval")
			return d, nil
		}
	}

	if len(st.attempts) >= g.cfg.WindowLimit {
		oldest := st.attempts[0]
		d := deny(oldest.Add(g.cfg.Window).Sub(now))
		log.Debug().
			Str("tenantId", tenantID.String()).
			Int("attempts", len(st.attempts)).
			Dur("retryAfter", d.RetryAfter).
			Msg("refresh denied: window cap")
		return d, nil
	}

	return allow(), nil
}

// syncFromAudits merges recent audit rows into the in-memory window. Called
// with the tenant's lock held.
func (g *RefreshGate) syncFromAudits(ctx context.Context, tenantID uuid.UUID, st *gateState, now time.Time) error {
	rows, err := g.audits.AuditsSince(ctx, tenantID, now.Add(-g.cfg.Window))
	if err != nil {
		return err
	}

	merged := make([]time.Time, 0, len(rows)+len(st.attempts))
	for _, row := range rows {
		merged = append(merged, row.At)
	}
	// Keep local attempts newer than the newest audit row: an in-flight
	// attempt may not have an audit row yet.
	var newest time.Time
	if len(merged) > 0 {
		newest = merged[len(merged)-1]
	}
	for _, at := range st.attempts {
		if at.After(newest) {
			merged = append(merged, at)
		}
	}

	st.attempts = merged
	st.recovered = true
	return nil
}

func (g *RefreshGate) state(tenantID uuid.UUID) *gateState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.tenants[tenantID]
	if !ok {
		st = &gateState{}
		g.tenants[tenantID] = st
	}
	return st
}

// prune drops attempts older than cutoff. Called with the lock held.
func (st *gateState) prune(cutoff time.Time) {
	i := 0
	for i < len(st.attempts) && st.attempts[i].Before(cutoff) {
		i++
	}
	st.attempts = st.attempts[i:]
}
