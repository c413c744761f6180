// Package upstream wraps HTTP access to a tenant's ITSM instance: bearer
// injection, budget enforcement, the one-shot 401 recovery, and translation
// of upstream status codes into typed errors.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/itsmbridge/internal/ratelimit"
	"github.com/erauner12/itsmbridge/internal/retry"
	"github.com/erauner12/itsmbridge/internal/store"
	"github.com/erauner12/itsmbridge/internal/tenant"
)

// maxResponseBytes caps how much of an upstream body we read.
const maxResponseBytes = 4 << 20

// TokenSource supplies access tokens for the ambient tenant.
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID uuid.UUID) (string, error)
	ForceRefresh(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// BudgetReserver is the request-budget gate consulted before every call.
type BudgetReserver interface {
	Reserve(tenantID uuid.UUID, tier store.RateTier) ratelimit.Decision
}

// Client makes authenticated calls against the ambient tenant's instance.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	budget     BudgetReserver
	policy     retry.Policy
}

// NewClient wires the upstream client. A nil httpClient gets a
// 30-second-timeout default; a zero policy gets retry.DefaultPolicy.
func NewClient(httpClient *http.Client, tokens TokenSource, budget BudgetReserver, policy retry.Policy) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		budget:     budget,
		policy:     policy,
	}
}

// Do executes one upstream call for the tenant in ctx. The path is joined to
// the tenant's instance URL; body may be nil. On success the raw response
// body is returned so callers can pass upstream JSON through untouched.
//
// 5xx and transport failures are retried under the client's policy; 401 is
// recovered exactly once per original call by forcing a token refresh.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	if d := c.budget.Reserve(tc.TenantID, tc.Tier); !d.Allowed {
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	correlationID := uuid.New().String()
	logger := log.With().
		Str("tenantId", tc.TenantID.String()).
		Str("method", method).
		Str("path", path).
		Str("correlationId", correlationID).
		Logger()

	url := strings.TrimSuffix(tc.InstanceURL, "/") + path

	// The 401 recovery is once per original call, not once per retry attempt.
	authRetried := false

	var out []byte
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := c.send(ctx, tc, method, url, body, correlationID, &logger)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && !authRetried {
			authRetried = true
			io.Copy(io.Discard, resp.Body)

			logger.Warn().Msg("upstream returned 401, forcing token refresh")
			if _, err := c.tokens.ForceRefresh(ctx, tc.TenantID); err != nil {
				return fmt.Errorf("force refresh after 401: %w", err)
			}

			retryResp, err := c.send(ctx, tc, method, url, body, correlationID, &logger)
			if err != nil {
				return err
			}
			defer retryResp.Body.Close()
			resp = retryResp
		}

		payload, err := c.translate(resp, path, &logger)
		if err != nil {
			return err
		}
		out = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// send builds and executes a single HTTP attempt with fresh auth headers.
func (c *Client) send(ctx context.Context, tc *tenant.Context, method, url string, body []byte, correlationID string, logger *zerolog.Logger) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	token, err := c.tokens.AccessToken(ctx, tc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("acquire access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("upstream request failed")
		return nil, err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("upstream request completed")

	return resp, nil
}

// translate maps an upstream response to a payload or a typed error.
func (c *Client) translate(resp *http.Response, path string, logger *zerolog.Logger) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Status: resp.StatusCode}

	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Path: path}

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter == 0 {
			retryAfter = 60 * time.Second
		}
		logger.Warn().
			Dur("retryAfter", retryAfter).
			Str("rateLimitRemaining", resp.Header.Get("X-RateLimit-Remaining")).
			Msg("upstream rate limited")
		return nil, &RateLimitedError{RetryAfter: retryAfter, Upstream: true}

	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, &TimeoutError{Path: path}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, parseValidationError(resp.StatusCode, payload)

	default:
		return nil, &ServerError{Status: resp.StatusCode}
	}
}

// parseValidationError extracts field-level messages from the provider's
// response_status envelope, keeping the raw body alongside.
func parseValidationError(status int, body []byte) *ValidationError {
	ve := &ValidationError{Status: status, Raw: json.RawMessage(body)}

	var envelope struct {
		ResponseStatus struct {
			Messages []FieldMessage `json:"messages"`
		} `json:"response_status"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		ve.Messages = envelope.ResponseStatus.Messages
	}
	return ve
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}
