package resilience

import (
	"sync"
	"time"
)

// Circuit states.
const (
	CircuitClosed = "closed"
	CircuitOpen   = "open"
)

// CircuitBreaker counts retryable upstream failures and opens once the
// threshold is reached inside the reset window. An open circuit closes
// again after a quiet period of the same length.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	resetWindow time.Duration
	errorCount  int
	lastErrorAt time.Time
	now         func() time.Time
}

// NewCircuitBreaker builds a breaker with the given threshold and reset
// window (defaults: 3 errors, 5 minutes).
func NewCircuitBreaker(threshold int, resetWindow time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetWindow <= 0 {
		resetWindow = 5 * time.Minute
	}
	return &CircuitBreaker{threshold: threshold, resetWindow: resetWindow, now: time.Now}
}

// Allow reports whether a call may proceed. A quiet period longer than the
// reset window closes the circuit and clears the count.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeReset()
	return cb.errorCount < cb.threshold
}

// RecordFailure notes a retryable upstream failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeReset()
	cb.errorCount++
	cb.lastErrorAt = cb.now()
}

// RecordSuccess clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.errorCount = 0
}

// State returns "closed" or "open".
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeReset()
	if cb.errorCount >= cb.threshold {
		return CircuitOpen
	}
	return CircuitClosed
}

// maybeReset clears stale failures. Caller holds the lock.
func (cb *CircuitBreaker) maybeReset() {
	if cb.errorCount > 0 && cb.now().Sub(cb.lastErrorAt) >= cb.resetWindow {
		cb.errorCount = 0
	}
}
