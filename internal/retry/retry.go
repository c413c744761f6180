// Package retry provides the backoff policy shared by the token refresh path
// and upstream calls, plus the retryable/permanent error classification.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how delays grow between attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyConstant    Strategy = "constant"
)

// Policy describes a retry schedule.
type Policy struct {
	Strategy     Strategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxAttempts  int
	Jitter       bool
}

// DefaultPolicy is the refresh path's default: 3 attempts, exponential from
// 1s capped at 30s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		MaxAttempts:  3,
		Jitter:       true,
	}
}

// DelayFor returns the base delay after the Nth attempt (1-based), before
// jitter. Exponential is min(maxDelay, initialDelay * factor^(attempt-1)).
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyConstant:
		d = p.InitialDelay
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt)
	default:
		d = p.InitialDelay
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Factor)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// policyBackOff adapts a Policy to the backoff.BackOff interface so the
// library drives the loop, context handling, and permanent-error machinery.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.policy.DelayFor(b.attempt)
	if b.policy.Jitter && d > 0 {
		// Uniform jitter in [0.75d, 1.25d).
		d = time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	}
	return d
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Do runs op under the policy. Errors classified non-retryable abort
// immediately; retryable errors are retried up to MaxAttempts with the
// policy's delays. The last error is returned when attempts are exhausted.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &policyBackOff{policy: p}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// retryableError is implemented by typed errors that know their own
// classification (upstream and identity provider errors).
type retryableError interface {
	Retryable() bool
}

// IsRetryable classifies an error as worth retrying. Typed errors carry
// their own classification; otherwise transport-level failures (refused or
// reset connections, timeouts, DNS failures) are retryable and everything
// else is permanent. The classification is stable: a permanent error is
// permanent even inside a window of transient ones.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
