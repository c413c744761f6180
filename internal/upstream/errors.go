package upstream

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthError means the upstream rejected our bearer token even after a forced
// refresh. Not retryable: something is wrong with the tenant's grant.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream authentication failed (HTTP %d)", e.Status)
}

func (e *AuthError) Retryable() bool { return false }

// NotFoundError is an upstream 404 for the requested resource.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("upstream resource not found: %s", e.Path)
}

func (e *NotFoundError) Retryable() bool { return false }

// FieldMessage is one field-level message from an upstream validation
// response, preserved verbatim.
type FieldMessage struct {
	StatusCode int    `json:"status_code,omitempty"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ValidationError is an upstream 4xx carrying field-level messages. Raw holds
// the untouched response body so nothing upstream said is lost.
type ValidationError struct {
	Status   int
	Messages []FieldMessage
	Raw      json.RawMessage
}

func (e *ValidationError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("upstream validation failed (HTTP %d): %s", e.Status, e.Messages[0].Message)
	}
	return fmt.Sprintf("upstream validation failed (HTTP %d)", e.Status)
}

func (e *ValidationError) Retryable() bool { return false }

// RateLimitedError is either a local budget denial or an upstream 429; in
// both cases the caller should wait RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
	Upstream   bool // true when the 429 came from the provider, not our budget
}

func (e *RateLimitedError) Error() string {
	src := "request budget exhausted"
	if e.Upstream {
		src = "upstream rate limited"
	}
	return fmt.Sprintf("%s, retry after %s", src, e.RetryAfter)
}

func (e *RateLimitedError) Retryable() bool { return false }

// TimeoutError is an upstream 408: the instance gave up waiting on the
// request. Transient, retried like a 5xx.
type TimeoutError struct {
	Path string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timed out handling %s", e.Path)
}

func (e *TimeoutError) Retryable() bool { return true }

// ServerError is an upstream 5xx; transient by assumption.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upstream server error (HTTP %d)", e.Status)
}

func (e *ServerError) Retryable() bool { return true }
