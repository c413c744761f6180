package sse

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/itsmbridge/internal/mcp"
	"github.com/erauner12/itsmbridge/internal/store"
	"github.com/erauner12/itsmbridge/internal/tenant"
)

// DefaultKeepaliveInterval is how often comment frames are sent on idle
// streams.
const DefaultKeepaliveInterval = 30 * time.Second

// Config tunes the agent-facing HTTP surface.
type Config struct {
	// APIKeys is the list of accepted X-API-Key values.
	APIKeys []string
	// AllowedIPs restricts connecting clients; entries are IPs or CIDRs.
	// Empty allows all.
	AllowedIPs []string
	// ClientIDHeader and ClientSecretHeader name the headers carrying the
	// tenant's connect-time credentials.
	ClientIDHeader     string
	ClientSecretHeader string
	// KeepaliveInterval is the comment-frame cadence on SSE streams.
	KeepaliveInterval time.Duration
}

// TenantRegistry is the registry view the server needs: connect-time
// authentication and per-message tenant lookup.
type TenantRegistry interface {
	Authenticate(ctx context.Context, clientID, clientSecret string) (*tenant.TenantWithConfig, error)
	Get(ctx context.Context, id uuid.UUID) (*tenant.TenantWithConfig, error)
}

// Server is the SSE session multiplexer: it accepts agent connections, binds
// each to a tenant, and dispatches JSON-RPC messages onto session workers.
type Server struct {
	cfg       Config
	sessions  *Manager
	registry  *mcp.Registry
	tenants   TenantRegistry
	allowNets []*net.IPNet
	allowIPs  []net.IP
}

// NewServer wires the multiplexer. Invalid AllowedIPs entries are logged and
// skipped.
func NewServer(cfg Config, sessions *Manager, registry *mcp.Registry, tenants TenantRegistry) *Server {
	if cfg.ClientIDHeader == "" {
		cfg.ClientIDHeader = "X-Client-Id"
	}
	if cfg.ClientSecretHeader == "" {
		cfg.ClientSecretHeader = "X-Client-Secret"
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		tenants:  tenants,
	}

	for _, entry := range cfg.AllowedIPs {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			s.allowNets = append(s.allowNets, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			s.allowIPs = append(s.allowIPs, ip)
			continue
		}
		log.Warn().Str("entry", entry).Msg("ignoring invalid IP allowlist entry")
	}

	return s
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Use(s.requireAllowedIP)

		r.Get("/sse", s.handleSSE)
		r.Post("/messages", s.handleMessages)
		r.Get("/sessions", s.handleSessions)
	})

	return r
}

// requireAPIKey gates every agent-facing route on a configured key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		ok := false
		for _, allowed := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
				ok = true
			}
		}
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAllowedIP enforces the IP allowlist when one is configured.
func (s *Server) requireAllowedIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowNets) == 0 && len(s.allowIPs) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.ipAllowed(ip) {
			log.Warn().Str("remoteIp", host).Msg("connection refused by IP allowlist")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ipAllowed(ip net.IP) bool {
	for _, ipnet := range s.allowNets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	for _, allowed := range s.allowIPs {
		if allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// handleSSE authenticates the tenant and holds the event stream open until
// the client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(s.cfg.ClientIDHeader)
	clientSecret := r.Header.Get(s.cfg.ClientSecretHeader)
	if clientID == "" || clientSecret == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing client credentials"})
		return
	}

	twc, err := s.tenants.Authenticate(r.Context(), clientID, clientSecret)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrInvalidCredentials):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid client credentials"})
		case errors.Is(err, tenant.ErrTenantSuspended):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "tenant suspended"})
		default:
			log.Error().Err(err).Msg("tenant authentication failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	stream, err := NewStream(r.Context(), w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	remoteIP, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		remoteIP = r.RemoteAddr
	}

	session, err := s.sessions.Create(r.Context(), twc.Tenant.ID, tenant.Fingerprint(clientID), remoteIP, stream)
	if err != nil {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many sessions for tenant"})
		return
	}
	defer s.sessions.Destroy(session.ID)

	if err := stream.SendData(map[string]string{"type": "connection", "sessionId": session.ID}); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to send connection event")
		return
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("tenantId", twc.Tenant.ID.String()).
		Str("tenant", twc.Tenant.Name).
		Msg("SSE stream established")

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info().Str("sessionId", session.ID).Msg("SSE stream closed")
			return
		case <-stream.Done():
			log.Info().Str("sessionId", session.ID).Msg("SSE stream closed")
			return
		case <-keepalive.C:
			stream.SendComment("keepalive")
		}
	}
}

// handleMessages accepts one JSON-RPC message for an existing session and
// returns 202; the response is delivered on the session's stream.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	if !session.Allow() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "session message budget exceeded"})
		return
	}
	session.Touch()

	var req mcp.Request
	decodeErr := json.NewDecoder(r.Body).Decode(&req)

	err := session.Enqueue(func(ctx context.Context) {
		if decodeErr != nil {
			session.Stream().SendEvent(mcp.NewError(nil, mcp.ParseError, "invalid JSON", nil))
			return
		}
		if req.JSONRPC != "2.0" {
			session.Stream().SendEvent(mcp.NewError(req.ID, mcp.InvalidRequest, "invalid jsonrpc version", nil))
			return
		}
		s.dispatch(ctx, session, &req)
	})
	if err != nil {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "session busy"})
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// dispatch runs one JSON-RPC request on the session worker. The tenant is
// re-resolved from the session binding on every message so status and scope
// changes apply immediately.
func (s *Server) dispatch(ctx context.Context, session *Session, req *mcp.Request) {
	respond := func(resp *mcp.Response) {
		if req.IsNotification() {
			return
		}
		if err := session.Stream().SendEvent(resp); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to write response event")
		}
	}

	twc, err := s.tenants.Get(ctx, session.TenantID)
	if err != nil {
		respond(mcp.NewError(req.ID, mcp.InternalError, "tenant lookup failed", nil))
		return
	}
	if twc.Tenant.Status != store.TenantActive {
		respond(mcp.NewError(req.ID, mcp.InvalidRequest, "tenant is not active", nil))
		return
	}
	ctx = tenant.WithContext(ctx, twc.TenantContext())

	logger := log.With().
		Str("sessionId", session.ID).
		Str("tenantId", session.TenantID.String()).
		Str("method", req.Method).
		Logger()

	switch req.Method {
	case "initialize":
		respond(mcp.NewResult(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "itsmbridge", "version": "0.1.0"},
		}))

	case "tools/list":
		respond(mcp.NewResult(req.ID, map[string]any{"tools": s.registry.List()}))

	case "tools/call":
		var callReq mcp.CallRequest
		if err := json.Unmarshal(req.Params, &callReq); err != nil {
			respond(mcp.NewError(req.ID, mcp.InvalidParams, "invalid tool call parameters", nil))
			return
		}

		result, err := s.registry.Call(ctx, callReq)
		if err != nil {
			var unknown *mcp.ErrUnknownTool
			if errors.As(err, &unknown) {
				respond(mcp.NewError(req.ID, mcp.InvalidParams, unknown.Error(), nil))
				return
			}
			logger.Error().Err(err).Msg("tool call failed")
			respond(mcp.NewError(req.ID, mcp.InternalError, "internal error", nil))
			return
		}
		respond(mcp.NewResult(req.ID, result))

	case "ping":
		respond(mcp.NewResult(req.ID, map[string]string{"status": "ok"}))

	default:
		if req.IsNotification() {
			logger.Debug().Msg("ignoring unknown notification")
			return
		}
		respond(mcp.NewError(req.ID, mcp.MethodNotFound, "method not found: "+req.Method, nil))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count": s.sessions.Count(),
		"byIp":  s.sessions.ByRemoteIP(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}
