package sse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultIdleTimeout is how long a session may sit without messages
	// before the cleanup loop destroys it.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSessionPerMinute caps JSON-RPC messages per session.
	DefaultSessionPerMinute = 60

	// sessionQueueDepth bounds the per-session work queue.
	sessionQueueDepth = 64
)

// ErrQueueFull is returned when a session's work queue cannot accept another
// message.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "session work queue is full" }

// ErrSessionLimit is returned when a tenant is already at its concurrent
// session cap.
var ErrSessionLimit = errors.New("tenant session limit reached")

// Session binds one SSE connection to a tenant. All work for the session runs
// on a single worker goroutine, so responses leave in request order.
type Session struct {
	ID          string
	TenantID    uuid.UUID
	Fingerprint string
	RemoteIP    string
	CreatedAt   time.Time

	mu           sync.Mutex
	lastActivity time.Time

	stream  *Stream
	work    chan func(context.Context)
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
}

// Stream returns the session's SSE stream.
func (s *Session) Stream() *Stream { return s.stream }

// Touch records message activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the session's most recent message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Allow consumes one slot from the session's message budget.
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

// Enqueue hands a work item to the session's worker. Items run strictly in
// arrival order.
func (s *Session) Enqueue(fn func(context.Context)) error {
	select {
	case s.work <- fn:
		return nil
	default:
		return ErrQueueFull{}
	}
}

// run drains the work queue until the session is destroyed.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.work:
			fn(s.ctx)
		}
	}
}

// ManagerConfig tunes the session table.
type ManagerConfig struct {
	IdleTimeout  time.Duration
	PerMinute    int // per-session message budget
	BurstSize    int
	SweepEvery   time.Duration
	MaxPerTenant int // 0 = unlimited
}

// Manager owns the session table: creation on connect, O(1) lookup,
// destruction on disconnect or idle timeout.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. Zero config fields take defaults.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultSessionPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}

	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session bound to a tenant and starts its worker.
// The returned session is destroyed when ctx ends. Returns ErrSessionLimit
// when MaxPerTenant is set and the tenant is at its cap.
func (m *Manager) Create(ctx context.Context, tenantID uuid.UUID, fingerprint, remoteIP string, stream *Stream) (*Session, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	now := time.Now()

	s := &Session{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Fingerprint:  fingerprint,
		RemoteIP:     remoteIP,
		CreatedAt:    now,
		lastActivity: now,
		stream:       stream,
		work:         make(chan func(context.Context), sessionQueueDepth),
		limiter:      rate.NewLimiter(rate.Limit(float64(m.cfg.PerMinute)/60.0), m.cfg.BurstSize),
		ctx:          sessionCtx,
		cancel:       cancel,
	}

	m.mu.Lock()
	if m.cfg.MaxPerTenant > 0 {
		n := 0
		for _, existing := range m.sessions {
			if existing.TenantID == tenantID {
				n++
			}
		}
		if n >= m.cfg.MaxPerTenant {
			m.mu.Unlock()
			cancel()
			log.Warn().
				Str("tenantId", tenantID.String()).
				Int("limit", m.cfg.MaxPerTenant).
				Msg("session refused: tenant at session limit")
			return nil, ErrSessionLimit
		}
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go s.run()

	log.Debug().
		Str("sessionId", s.ID).
		Str("tenantId", tenantID.String()).
		Str("remoteIp", remoteIP).
		Msg("session created")

	return s, nil
}

// Get looks up a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Destroy cancels a session and removes it from the table.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.cancel()
	s.stream.Close()

	log.Debug().
		Str("sessionId", sessionID).
		Str("tenantId", s.TenantID.String()).
		Msg("session destroyed")
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ByRemoteIP returns session counts grouped by client IP.
func (m *Manager) ByRemoteIP() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.sessions))
	for _, s := range m.sessions {
		out[s.RemoteIP]++
	}
	return out
}

// Run sweeps idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.Destroy(id)
	}
	if len(idle) > 0 {
		log.Info().Int("count", len(idle)).Msg("destroyed idle sessions")
	}
}
