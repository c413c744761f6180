package token

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoRefreshToken is terminal: the tenant has no refresh token on file and
// must be re-registered.
var ErrNoRefreshToken = errors.New("tenant has no refresh token")

// RateLimitedError is returned when the refresh gate or a budget denies the
// operation; callers should wait RetryAfter before trying again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Retryable is false: retrying inside the window would be denied again.
func (e *RateLimitedError) Retryable() bool { return false }

// CircuitOpenError is returned when the refresh circuit is open; the identity
// provider was not contacted.
type CircuitOpenError struct{}

func (e *CircuitOpenError) Error() string { return "refresh circuit is open" }
func (e *CircuitOpenError) Retryable() bool { return false }

// RefreshFailedError wraps the final error of an exhausted or aborted refresh.
type RefreshFailedError struct {
	Cause error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed: %v", e.Cause)
}

func (e *RefreshFailedError) Unwrap() error { return e.Cause }

// OAuthError is an error response from the identity provider's token
// endpoint.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("identity provider error %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("identity provider error %q (HTTP %d)", e.Code, e.Status)
}

// Permanent reports whether the error means the refresh token itself is dead.
// The classification is stable: invalid_grant is permanent even inside a
// window of transient failures.
func (e *OAuthError) Permanent() bool {
	switch e.Code {
	case "invalid_grant", "token_revoked", "invalid_client", "unauthorized_client":
		return true
	}
	return false
}

// Retryable reports whether the attempt may be repeated.
func (e *OAuthError) Retryable() bool {
	if e.Permanent() {
		return false
	}
	if e.Code == "temporarily_unavailable" || e.Code == "server_error" {
		return true
	}
	switch e.Status {
	case 408, 429:
		return true
	}
	return e.Status >= 500
}

// classify maps a refresh error to its audit classification and whether it is
// permanent (tenant must be suspended).
func classify(err error) (string, bool) {
	if errors.Is(err, ErrNoRefreshToken) {
		return "no_refresh_token", true
	}

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Code, oauthErr.Permanent()
	}

	return "transient", false
}
