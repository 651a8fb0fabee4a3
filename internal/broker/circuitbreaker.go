package broker

import (
	"math"
	"sync"
	"time"
)

const (
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// CircuitBreaker tracks consecutive DataBroker failures and trips into
// READ-ONLY mode after maxFailures, the same exponential-backoff shape
// a WebSocket reconnect loop uses (spec §4.2: "exponential backoff,
// capped at 5 minutes... after N consecutive failures the circuit
// breaker opens").
type CircuitBreaker struct {
	mu          sync.Mutex
	maxFailures int
	failures    int
	state       CircuitState
	openedAt    time.Time
	halfOpenAt  time.Time
}

// NewCircuitBreaker builds a breaker that opens after maxFailures
// consecutive failed connection attempts.
func NewCircuitBreaker(maxFailures int) *CircuitBreaker {
	return &CircuitBreaker{maxFailures: maxFailures, state: CircuitClosed}
}

// RecordFailure registers a failed attempt and returns the delay the
// caller should wait before the next attempt.
func (cb *CircuitBreaker) RecordFailure() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.failures >= cb.maxFailures && cb.state == CircuitClosed {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
	return backoffDelay(cb.failures)
}

// RecordSuccess resets the breaker to CLOSED.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

// State returns the current circuit state. An OPEN breaker transitions
// to HALF_OPEN once a cooldown equal to the max backoff has elapsed,
// allowing the next connect attempt through as a probe.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.openedAt) > maxReconnectDelay {
		cb.state = CircuitHalfOpen
		cb.halfOpenAt = time.Now()
	}
	return cb.state
}

// ReadOnly reports whether new entries must be blocked. Per spec §4.2,
// a stale/open DATA feed blocks new entries only — exit flow is
// unaffected since it runs through the EXEC broker independently.
func (cb *CircuitBreaker) ReadOnly() bool {
	return cb.State() == CircuitOpen
}

func backoffDelay(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
