package mcp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/erauner12/itsmbridge/internal/tenant"
	"github.com/erauner12/itsmbridge/internal/token"
	"github.com/erauner12/itsmbridge/internal/upstream"
)

func TestFromError_Kinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"budget denial", &upstream.RateLimitedError{RetryAfter: 5 * time.Second}, KindRateLimited},
		{"refresh gate denial", &token.RateLimitedError{RetryAfter: 3 * time.Minute}, KindRateLimited},
		{"circuit open", &token.CircuitOpenError{}, KindCircuitOpen},
		{"validation", &upstream.ValidationError{Status: 422}, KindValidationError},
		{"not found", &upstream.NotFoundError{Path: "/api/v3/requests/9"}, KindNotFound},
		{"server error", &upstream.ServerError{Status: 503}, KindUpstream5xx},
		{"upstream timeout", &upstream.TimeoutError{Path: "/api/v3/requests"}, KindNetworkError},
		{"auth failure", &upstream.AuthError{Status: 401}, KindAuthError},
		{"no refresh token", token.ErrNoRefreshToken, KindAuthError},
		{"invalid credentials", tenant.ErrInvalidCredentials, KindAuthError},
		{"suspended tenant", tenant.ErrTenantSuspended, KindAuthError},
		{"permanent oauth failure", &token.RefreshFailedError{Cause: &token.OAuthError{Code: "invalid_grant"}}, KindAuthError},
		{"transient refresh failure", &token.RefreshFailedError{Cause: errors.New("connection reset")}, KindNetworkError},
		{"unclassified", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ge := FromError(tt.err)
			if ge.Code != tt.kind {
				t.Errorf("kind: got %s, want %s", ge.Code, tt.kind)
			}
		})
	}
}

func TestFromError_RetryAfterRoundsUp(t *testing.T) {
	ge := FromError(&token.RateLimitedError{RetryAfter: 2*time.Minute + 300*time.Millisecond})
	if ge.RetryAfter != 121 {
		t.Errorf("retryAfter: got %d, want 121", ge.RetryAfter)
	}
}

func TestFromError_ValidationDetailsPreserved(t *testing.T) {
	raw := json.RawMessage(`{"response_status":{"messages":[{"field":"subject","message":"mandatory"}]}}`)
	ge := FromError(&upstream.ValidationError{Status: 422, Raw: raw})

	if string(ge.Details) != string(raw) {
		t.Errorf("details not preserved: %s", ge.Details)
	}
}

func TestFromError_GatewayErrorPassesThrough(t *testing.T) {
	in := NewGatewayError(KindPermissionDenied, "tenant is not authorized for ITSM.Assets.READ")
	if got := FromError(in); got != in {
		t.Error("existing GatewayError was rewrapped")
	}
}

func TestFromError_NeverLeaksInternals(t *testing.T) {
	ge := FromError(errors.New("pq: password authentication failed for user itsmbridge"))
	if ge.Message != "internal error" {
		t.Errorf("internal error message leaked: %q", ge.Message)
	}
}
