// Package breaker implements a three-state circuit breaker used by the token
// refresh path. When the identity provider is down every tenant's refresh
// fails in short succession; the breaker stops the calls before they burn
// refresh-attempt budget.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates normal operation - calls pass through.
	StateClosed State = "closed"
	// StateOpen indicates failing state - calls are rejected immediately.
	StateOpen State = "open"
	// StateHalfOpen indicates recovery testing - a small probe quota is allowed.
	StateHalfOpen State = "half-open"
)

// Config controls the breaker's transitions.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing probes.
	ResetTimeout time.Duration
	// SuccessThreshold is the consecutive successes in half-open that close it.
	SuccessThreshold int
	// HalfOpenMax is the probe quota in half-open state.
	HalfOpenMax int

	// VolumeThreshold and ErrorThresholdPercentage enable the volume mode:
	// with at least VolumeThreshold calls in Window, an error rate above the
	// percentage opens the circuit regardless of consecutive counts.
	// VolumeThreshold 0 disables the mode.
	VolumeThreshold          int
	ErrorThresholdPercentage float64
	Window                   time.Duration
}

// DefaultConfig matches the refresh path's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMax:      1,
		Window:           time.Minute,
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker manages circuit state for a single dependency.
// Transitions: closed -> open -> half-open -> closed.
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  Config

	state            State
	failureCount     int
	halfOpenSuccess  int
	halfOpenInFlight int
	lastStateChange  time.Time
	forced           bool

	window []outcome

	now func() time.Time // test hook
}

// New creates a breaker with the given configuration. The name is used for
// logging only.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return &Breaker{
		name:            name,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open state it also
// reserves one probe slot; the caller must report the result via
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.forced {
			return false
		}
		if b.now().Sub(b.lastStateChange) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenInFlight = 1
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return false
		}
		b.halfOpenInFlight++
		return true

	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(true)
	b.failureCount = 0

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			log.Info().Str("breaker", b.name).Msg("circuit closed (recovery successful)")
		}
	}
}

// RecordFailure records a failed call. Opens the circuit at the consecutive
// failure threshold, on any half-open failure, or when the windowed error
// rate exceeds the configured percentage at sufficient volume.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(false)
	b.failureCount++

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold || b.errorRateExceeded() {
			b.transition(StateOpen)
			log.Warn().
				Str("breaker", b.name).
				Int("failures", b.failureCount).
				Msg("circuit opened")
		}

	case StateHalfOpen:
		// Any failure during recovery testing reopens the circuit.
		b.transition(StateOpen)
		log.Warn().Str("breaker", b.name).Msg("circuit reopened (probe failed)")
	}
}

// State returns the breaker's current state, accounting for reset-timeout
// elapse in the open state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed with all counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forced = false
	b.window = nil
	b.transition(StateClosed)
	log.Info().Str("breaker", b.name).Msg("circuit reset")
}

// ForceOpen holds the circuit open until Reset or ForceClose (operational
// override).
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forced = true
	b.transition(StateOpen)
	log.Warn().Str("breaker", b.name).Msg("circuit forced open")
}

// ForceClose closes the circuit regardless of recent failures.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forced = false
	b.transition(StateClosed)
	log.Warn().Str("breaker", b.name).Msg("circuit forced closed")
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.lastStateChange = b.now()

	switch to {
	case StateClosed:
		b.failureCount = 0
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
	case StateOpen:
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
	}
}

// record appends to the rolling outcome window, pruning aged entries.
// Must be called with the lock held.
func (b *Breaker) record(ok bool) {
	now := b.now()
	b.window = append(b.window, outcome{at: now, ok: ok})

	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	b.window = b.window[i:]
}

// errorRateExceeded must be called with the lock held.
func (b *Breaker) errorRateExceeded() bool {
	if b.cfg.VolumeThreshold <= 0 || len(b.window) < b.cfg.VolumeThreshold {
		return false
	}

	failures := 0
	for _, o := range b.window {
		if !o.ok {
			failures++
		}
	}

	rate := float64(failures) / float64(len(b.window)) * 100
	return rate > b.cfg.ErrorThresholdPercentage
}
