// Package ratelimit enforces the gateway's two budget families: the refresh
// gate (how often a tenant's token may be refreshed against the identity
// provider) and per-tenant API request budgets. The refresh limits are
// empirical contracts with the provider, carried as configuration.
package ratelimit

import "time"

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(retryAfter time.Duration) Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}
