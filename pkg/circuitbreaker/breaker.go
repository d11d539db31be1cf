// Package circuitbreaker tracks consecutive failures of an RPC endpoint so the
// client factory can skip a failing primary URL and go straight to the fallback.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is a point in time snapshot of a breaker
type State struct {
	Enabled      bool      `json:"enabled"`
	Open         bool      `json:"open"`
	FailureCount int       `json:"failure_count"`
	Threshold    int       `json:"threshold"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	TripTime     time.Time `json:"trip_time,omitempty"`
}

// CircuitBreaker opens after threshold failures inside the window and
// closes again once resetTimeout has passed since it tripped
type CircuitBreaker struct {
	enabled       bool
	failThreshold int
	failureWindow time.Duration
	resetTimeout  time.Duration

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	tripped      bool
	tripTime     time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(enabled bool, threshold int, window time.Duration, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		now:           time.Now,
	}
}

// RecordFailure records a failure and returns true if the breaker is now open
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.closeIfExpired(now)
	if cb.tripped {
		return true
	}

	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
	}
	return cb.tripped
}

// RecordSuccess clears the failure count of a closed breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeIfExpired(cb.now())
	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.failureCount = 0
}

// State returns a snapshot of the breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.enabled {
		cb.closeIfExpired(cb.now())
	}
	return State{
		Enabled:      cb.enabled,
		Open:         cb.enabled && cb.tripped,
		FailureCount: cb.failureCount,
		Threshold:    cb.failThreshold,
		LastFailure:  cb.lastFailure,
		TripTime:     cb.tripTime,
	}
}

// closeIfExpired must be called with mu held
func (cb *CircuitBreaker) closeIfExpired(now time.Time) {
	if cb.tripped && now.Sub(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
	}
}
