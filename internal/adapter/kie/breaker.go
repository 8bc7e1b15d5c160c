package kie

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	// BreakerClosed indicates the circuit is closed and calls are allowed.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen indicates a trial state where probe calls test recovery.
	BreakerHalfOpen
	// BreakerOpen indicates calls are blocked until the reset timeout passes.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker fronting every provider call.
// Only transport-level failures (network, 429, 5xx) trip it; rejected
// payloads leave it untouched.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		state:            BreakerClosed,
	}
}

// Allow reports whether a call may proceed. When the circuit is open it
// returns false together with the time of the next probe so callers can tell
// users when to retry.
func (b *Breaker) Allow() (bool, time.Time) {
	if b == nil {
		return true, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true, time.Time{}
	case BreakerOpen:
		probeAt := b.openedAt.Add(b.resetTimeout)
		if time.Now().Before(probeAt) {
			return false, probeAt
		}
		b.transition(BreakerHalfOpen)
		b.failures = 0
		b.successes = 0
		slog.Info("circuit breaker transitioning to half-open",
			slog.Duration("reset_timeout", b.resetTimeout),
			slog.Time("opened_at", b.openedAt))
		return true, time.Time{}
	default:
		return false, b.openedAt.Add(b.resetTimeout)
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transition(BreakerClosed)
			b.failures = 0
			b.successes = 0
			slog.Info("circuit breaker closed after successful probes",
				slog.Int("success_threshold", b.successThreshold))
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transition(BreakerOpen)
			b.openedAt = time.Now()
			slog.Warn("circuit breaker opened due to failure threshold",
				slog.Int("failures", b.failures),
				slog.Int("failure_threshold", b.failureThreshold))
		}
	case BreakerHalfOpen:
		// Any failure during the probe phase reopens the circuit.
		b.transition(BreakerOpen)
		b.openedAt = time.Now()
		b.successes = 0
		slog.Warn("circuit breaker reopened by failed probe")
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState) {
	b.state = to
	observability.BreakerState.Set(float64(to))
	observability.BreakerTransitionsTotal.WithLabelValues(to.String()).Inc()
}
