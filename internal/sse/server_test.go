package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/itsmbridge/internal/mcp"
	"github.com/erauner12/itsmbridge/internal/store"
	"github.com/erauner12/itsmbridge/internal/tenant"
)

type fakeTenantRegistry struct {
	twc *tenant.TenantWithConfig
}

func (f *fakeTenantRegistry) Authenticate(_ context.Context, clientID, clientSecret string) (*tenant.TenantWithConfig, error) {
	if clientID != f.twc.ClientID || clientSecret != f.twc.ClientSecret {
		return nil, tenant.ErrInvalidCredentials
	}
	if f.twc.Tenant.Status != store.TenantActive {
		return nil, tenant.ErrTenantSuspended
	}
	return f.twc, nil
}

func (f *fakeTenantRegistry) Get(_ context.Context, id uuid.UUID) (*tenant.TenantWithConfig, error) {
	if id != f.twc.Tenant.ID {
		return nil, store.ErrNotFound
	}
	return f.twc, nil
}

func testTenant() *tenant.TenantWithConfig {
	return &tenant.TenantWithConfig{
		Tenant: store.Tenant{
			ID:     uuid.New(),
			Name:   "acme",
			Region: store.RegionUS,
			Status: store.TenantActive,
			Tier:   store.TierBasic,
		},
		ClientID:     "cid",
		ClientSecret: "sec",
		Scopes:       []string{"ITSM.Requests.READ"},
		InstanceURL:  "https://sdp.us.itsmcloud.net/app/acme",
	}
}

// echoRegistry has one test tool that returns its arguments, optionally
// sleeping first so FIFO ordering can be exercised.
func echoRegistry() *mcp.Registry {
	r := mcp.NewRegistry()
	r.MustRegister(mcp.ToolDefinition{
		Name:        "echo",
		Description: "returns its arguments",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var params struct {
			SleepMs int `json:"sleep_ms"`
		}
		json.Unmarshal(args, &params)
		if params.SleepMs > 0 {
			time.Sleep(time.Duration(params.SleepMs) * time.Millisecond)
		}
		return json.RawMessage(args), nil
	})
	return r
}

type testHarness struct {
	ts       *httptest.Server
	body     *bufio.Reader
	closeFns []func()
	session  string
}

func (h *testHarness) close() {
	for i := len(h.closeFns) - 1; i >= 0; i-- {
		h.closeFns[i]()
	}
}

func newHarness(t *testing.T, cfg Config, reg *mcp.Registry, tenants TenantRegistry) *testHarness {
	t.Helper()

	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = time.Minute
	}
	if len(cfg.APIKeys) == 0 {
		cfg.APIKeys = []string{"key-1"}
	}

	srv := NewServer(cfg, NewManager(ManagerConfig{}), reg, tenants)
	ts := httptest.NewServer(srv.Routes())

	h := &testHarness{ts: ts}
	h.closeFns = append(h.closeFns, ts.Close)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-API-Key", "key-1")
	req.Header.Set("X-Client-Id", "cid")
	req.Header.Set("X-Client-Secret", "sec")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.closeFns = append(h.closeFns, func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}

	h.body = bufio.NewReader(resp.Body)

	// First frame is the connection event.
	_, data := h.readEvent(t)
	var conn struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(data), &conn); err != nil {
		t.Fatalf("connection event: %v", err)
	}
	if conn.Type != "connection" || conn.SessionID == "" {
		t.Fatalf("connection event: %s", data)
	}
	h.session = conn.SessionID
	return h
}

// readEvent reads one SSE frame, skipping comment frames.
func (h *testHarness) readEvent(t *testing.T) (event, data string) {
	t.Helper()
	for {
		line, err := h.body.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if data != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (h *testHarness) post(t *testing.T, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/messages?sessionId="+h.session, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("build post: %v", err)
	}
	req.Header.Set("X-API-Key", "key-1")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestSSE_ConnectionEventAndPing(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	if resp := h.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post status: %d", resp.StatusCode)
	}

	event, data := h.readEvent(t)
	if event != "message" {
		t.Errorf("event: %q", event)
	}
	var rpc mcp.Response
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("response: %v", err)
	}
	if string(rpc.ID) != "1" || rpc.Error != nil {
		t.Errorf("ping response: %s", data)
	}
}

func TestSSE_ResponsesArriveInRequestOrder(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	// The first call sleeps; if calls ran concurrently the later ones would
	// overtake it.
	for i := 1; i <= 5; i++ {
		sleep := 0
		if i == 1 {
			sleep = 100
		}
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"echo","arguments":{"n":%d,"sleep_ms":%d}}}`, i, i, sleep)
		if resp := h.post(t, body); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("post %d status: %d", i, resp.StatusCode)
		}
	}

	for i := 1; i <= 5; i++ {
		_, data := h.readEvent(t)
		var rpc mcp.Response
		if err := json.Unmarshal([]byte(data), &rpc); err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if string(rpc.ID) != fmt.Sprintf("%d", i) {
			t.Fatalf("response order broken: got id %s at position %d", rpc.ID, i)
		}
	}
}

func TestSSE_UnknownMethodIsMethodNotFound(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	h.post(t, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)

	_, data := h.readEvent(t)
	var rpc mcp.Response
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("response: %v", err)
	}
	if rpc.Error == nil || rpc.Error.Code != mcp.MethodNotFound {
		t.Errorf("expected -32601, got %s", data)
	}
}

func TestSSE_ToolsListOverStream(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	h.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	_, data := h.readEvent(t)
	var rpc struct {
		Result struct {
			Tools []mcp.ToolDescriptor `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("response: %v", err)
	}
	if len(rpc.Result.Tools) != 1 || rpc.Result.Tools[0].Name != "echo" {
		t.Errorf("tools/list: %s", data)
	}
}

func TestMessages_UnknownSessionIs404(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/messages?sessionId="+uuid.New().String(),
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("X-API-Key", "key-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestSSE_InvalidAPIKeyRejected(t *testing.T) {
	srv := NewServer(Config{APIKeys: []string{"key-1"}}, NewManager(ManagerConfig{}), echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	req.Header.Set("X-API-Key", "wrong")
	req.Header.Set("X-Client-Id", "cid")
	req.Header.Set("X-Client-Secret", "sec")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
}

func TestSSE_InvalidClientCredentialsRejected(t *testing.T) {
	srv := NewServer(Config{APIKeys: []string{"key-1"}}, NewManager(ManagerConfig{}), echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	req.Header.Set("X-API-Key", "key-1")
	req.Header.Set("X-Client-Id", "cid")
	req.Header.Set("X-Client-Secret", "nope")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
}

func TestHealth_ReportsSessionCount(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	resp, err := http.Get(h.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()

	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Sessions != 1 {
		t.Errorf("health: %+v", health)
	}
}

func TestMessages_SessionBudgetReturns429(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	// Manager default burst is 10; the 11th immediate message must be shed.
	var last *http.Response
	for i := 0; i < 11; i++ {
		last = h.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status: got %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestSSE_ParseErrorDeliveredOverStream(t *testing.T) {
	h := newHarness(t, Config{}, echoRegistry(), &fakeTenantRegistry{twc: testTenant()})
	defer h.close()

	if resp := h.post(t, `{not json`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post status: %d", resp.StatusCode)
	}

	_, data := h.readEvent(t)
	var rpc mcp.Response
	if err := json.Unmarshal([]byte(data), &rpc); err != nil {
		t.Fatalf("response: %v", err)
	}
	if rpc.Error == nil || rpc.Error.Code != mcp.ParseError {
		t.Errorf("expected -32700, got %s", data)
	}
}
