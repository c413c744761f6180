package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/erauner12/itsmbridge/internal/tenant"
	"github.com/erauner12/itsmbridge/internal/token"
	"github.com/erauner12/itsmbridge/internal/upstream"
)

// ErrorKind categorizes gateway errors for agents.
type ErrorKind string

const (
	KindAuthError        ErrorKind = "AUTH_ERROR"
	KindValidationError  ErrorKind = "VALIDATION_ERROR"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindRateLimited      ErrorKind = "RATE_LIMITED"
	KindCircuitOpen      ErrorKind = "CIRCUIT_OPEN"
	KindUpstream5xx      ErrorKind = "UPSTREAM_5XX"
	KindNetworkError     ErrorKind = "NETWORK_ERROR"
	KindPermissionDenied ErrorKind = "PERMISSION_DENIED"
	KindInternal         ErrorKind = "INTERNAL"
)

// GatewayError is the structured error agents see. RetryAfter is in whole
// seconds when the error is time-bounded; Details carries upstream payloads
// verbatim where they exist.
type GatewayError struct {
	Code       ErrorKind       `json:"code"`
	Message    string          `json:"message"`
	RetryAfter int             `json:"retryAfter,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewGatewayError builds a gateway error with just a kind and message.
func NewGatewayError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Code: kind, Message: message}
}

// FromError translates internal errors into the agent-facing vocabulary. The
// message never leaks credentials or tokens; upstream validation payloads are
// passed through untouched in Details.
func FromError(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}

	var upstreamRL *upstream.RateLimitedError
	if errors.As(err, &upstreamRL) {
		return &GatewayError{
			Code:       KindRateLimited,
			Message:    upstreamRL.Error(),
			RetryAfter: ceilSeconds(upstreamRL.RetryAfter),
		}
	}

	var tokenRL *token.RateLimitedError
	if errors.As(err, &tokenRL) {
		return &GatewayError{
			Code:       KindRateLimited,
			Message:    "token refresh rate limited",
			RetryAfter: ceilSeconds(tokenRL.RetryAfter),
		}
	}

	var circuitOpen *token.CircuitOpenError
	if errors.As(err, &circuitOpen) {
		return &GatewayError{Code: KindCircuitOpen, Message: "token refresh temporarily unavailable"}
	}

	var validation *upstream.ValidationError
	if errors.As(err, &validation) {
		return &GatewayError{
			Code:    KindValidationError,
			Message: validation.Error(),
			Details: validation.Raw,
		}
	}

	var notFound *upstream.NotFoundError
	if errors.As(err, &notFound) {
		return &GatewayError{Code: KindNotFound, Message: notFound.Error()}
	}

	var serverErr *upstream.ServerError
	if errors.As(err, &serverErr) {
		return &GatewayError{Code: KindUpstream5xx, Message: serverErr.Error()}
	}

	var timeout *upstream.TimeoutError
	if errors.As(err, &timeout) {
		return &GatewayError{Code: KindNetworkError, Message: timeout.Error()}
	}

	var authErr *upstream.AuthError
	if errors.As(err, &authErr) {
		return &GatewayError{Code: KindAuthError, Message: "upstream rejected the tenant's credentials"}
	}

	switch {
	case errors.Is(err, token.ErrNoRefreshToken),
		errors.Is(err, tenant.ErrInvalidCredentials),
		errors.Is(err, tenant.ErrTenantSuspended):
		return &GatewayError{Code: KindAuthError, Message: err.Error()}
	}

	var refreshFailed *token.RefreshFailedError
	if errors.As(err, &refreshFailed) {
		var oauthErr *token.OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Permanent() {
			return &GatewayError{Code: KindAuthError, Message: "tenant authorization is no longer valid"}
		}
		return &GatewayError{Code: KindNetworkError, Message: "token refresh failed"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Code: KindNetworkError, Message: "upstream request failed"}
	}

	return &GatewayError{Code: KindInternal, Message: "internal error"}
}

func ceilSeconds(d time.Duration) int {
	n := int(d / time.Second)
	if d%time.Second != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
