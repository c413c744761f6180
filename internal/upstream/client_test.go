package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/itsmbridge/internal/ratelimit"
	"github.com/erauner12/itsmbridge/internal/retry"
	"github.com/erauner12/itsmbridge/internal/store"
	"github.com/erauner12/itsmbridge/internal/tenant"
)

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	nextToken   string
	accessCalls int
	forceCalls  int
}

func (f *fakeTokens) AccessToken(context.Context, uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessCalls++
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(context.Context, uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceCalls++
	if f.nextToken != "" {
		f.token = f.nextToken
	}
	return f.token, nil
}

type fakeBudget struct {
	mu       sync.Mutex
	denied   bool
	retryIn  time.Duration
	reserves int
}

func (f *fakeBudget) Reserve(uuid.UUID, store.RateTier) ratelimit.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	if f.denied {
		return ratelimit.Decision{Allowed: false, RetryAfter: f.retryIn}
	}
	return ratelimit.Decision{Allowed: true}
}

func testCtx(instanceURL string) context.Context {
	return tenant.WithContext(context.Background(), &tenant.Context{
		TenantID:    uuid.New(),
		Name:        "acme",
		Region:      store.RegionUS,
		InstanceURL: instanceURL,
		Scopes:      []string{"ITSM.Requests.READ"},
		Tier:        store.TierBasic,
	})
}

func testClient(tokens TokenSource, budget BudgetReserver) *Client {
	policy := retry.Policy{Strategy: retry.StrategyConstant, InitialDelay: time.Millisecond, MaxAttempts: 3}
	return NewClient(nil, tokens, budget, policy)
}

func TestDo_InjectsBearerAndPassesBodyThrough(t *testing.T) {
	var gotAuth, gotCorrelation string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		w.Write([]byte(`{"requests":[]}`))
	}))
	defer ts.Close()

	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	body, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"requests":[]}` {
		t.Errorf("body not passed through: %s", body)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("authorization header: %q", gotAuth)
	}
	if gotCorrelation == "" {
		t.Error("no correlation id sent")
	}
}

func TestDo_Recovers401WithOneForcedRefresh(t *testing.T) {
	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	tokens := &fakeTokens{token: "tok-1", nextToken: "tok-2"}
	c := testClient(tokens, &fakeBudget{})

	body, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests/1", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body: %s", body)
	}
	if tokens.forceCalls != 1 {
		t.Errorf("force refreshes: got %d, want 1", tokens.forceCalls)
	}
	if requests != 2 {
		t.Errorf("upstream requests: got %d, want 2", requests)
	}
}

func TestDo_PersistentUnauthorizedSurfacesAuthError(t *testing.T) {
	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	tokens := &fakeTokens{token: "tok-1"}
	c := testClient(tokens, &fakeBudget{})

	_, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests/1", nil)
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error: got %v, want AuthError", err)
	}
	// One forced refresh, not one per retry attempt.
	if tokens.forceCalls != 1 {
		t.Errorf("force refreshes: got %d, want 1", tokens.forceCalls)
	}
	if requests != 2 {
		t.Errorf("upstream requests: got %d, want 2", requests)
	}
}

func TestDo_BudgetDenialFailsFast(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream contacted despite budget denial")
	}))
	defer ts.Close()

	tokens := &fakeTokens{token: "tok-1"}
	c := testClient(tokens, &fakeBudget{denied: true, retryIn: 9 * time.Second})

	_, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests", nil)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("error: got %v, want RateLimitedError", err)
	}
	if rl.Upstream {
		t.Error("local budget denial marked as upstream")
	}
	if rl.RetryAfter != 9*time.Second {
		t.Errorf("retry after: %v", rl.RetryAfter)
	}
	if tokens.accessCalls != 0 {
		t.Error("token acquired for a denied request")
	}
}

func TestDo_Upstream429CarriesRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	_, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests", nil)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("error: got %v, want RateLimitedError", err)
	}
	if !rl.Upstream {
		t.Error("upstream 429 not marked upstream")
	}
	if rl.RetryAfter != 17*time.Second {
		t.Errorf("retry after: got %v, want 17s", rl.RetryAfter)
	}
}

func TestDo_ValidationErrorPreservesFieldMessages(t *testing.T) {
	upstreamBody := `{"response_status":{"status":"failed","messages":[{"status_code":4001,"field":"subject","message":"subject is mandatory"}]}}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(upstreamBody))
	}))
	defer ts.Close()

	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	_, err := c.Do(testCtx(ts.URL), http.MethodPost, "/api/v3/requests", []byte(`{}`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error: got %v, want ValidationError", err)
	}
	if ve.Status != http.StatusUnprocessableEntity {
		t.Errorf("status: %d", ve.Status)
	}
	if len(ve.Messages) != 1 || ve.Messages[0].Field != "subject" || ve.Messages[0].Message != "subject is mandatory" {
		t.Errorf("field messages not preserved: %+v", ve.Messages)
	}
	if string(ve.Raw) != upstreamBody {
		t.Error("raw upstream body not preserved")
	}
}

func TestDo_404IsNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	_, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests/999", nil)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error: got %v, want NotFoundError", err)
	}
	if nf.Path != "/api/v3/requests/999" {
		t.Errorf("path: %q", nf.Path)
	}
}

func TestDo_ServerErrorsAreRetried(t *testing.T) {
	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	body, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body: %s", body)
	}
	if requests != 3 {
		t.Errorf("upstream requests: got %d, want 3", requests)
	}
}

func TestDo_RequestTimeoutsAreRetried(t *testing.T) {
	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	body, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body: %s", body)
	}
	if requests != 3 {
		t.Errorf("upstream requests: got %d, want 3", requests)
	}
}

func TestDo_PersistentTimeoutSurfacesTimeoutError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer ts.Close()

	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	_, err := c.Do(testCtx(ts.URL), http.MethodGet, "/api/v3/requests", nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error: got %v, want TimeoutError", err)
	}
	if !te.Retryable() {
		t.Error("upstream 408 classified as non-retryable")
	}
}

func TestDo_NoTenantContext(t *testing.T) {
	c := testClient(&fakeTokens{token: "tok-1"}, &fakeBudget{})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/v3/requests", nil)
	if !errors.Is(err, tenant.ErrNoContext) {
		t.Fatalf("error: got %v, want ErrNoContext", err)
	}
}
