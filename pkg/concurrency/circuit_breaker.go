package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	// StateClosed allows operations through.
	StateClosed BreakerState = iota

	// StateOpen blocks operations until the reset timeout elapses.
	StateOpen

	// StateHalfOpen probes whether the downstream has recovered.
	StateHalfOpen
)

// halfOpenSuccesses is how many consecutive successes in half-open state
// close the circuit again.
const halfOpenSuccesses = 5

// CircuitBreaker guards the retrieval collaborators. Consecutive failures
// past the threshold open the circuit; after the reset timeout one probe
// window decides whether it closes again.
type CircuitBreaker struct {
	state            atomic.Int32
	failures         atomic.Int64
	successes        atomic.Int64
	lastFailureNanos atomic.Int64

	failureThreshold int64
	resetTimeout     time.Duration
	mu               sync.Mutex
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether operations should currently be blocked. An open
// circuit whose reset timeout has elapsed transitions to half-open and lets
// the caller through as a probe.
func (cb *CircuitBreaker) IsOpen() bool {
	if BreakerState(cb.state.Load()) != StateOpen {
		return false
	}
	lastFailure := cb.lastFailureNanos.Load()
	if lastFailure > 0 && time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess notes a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)

	if BreakerState(cb.state.Load()) == StateHalfOpen {
		if cb.successes.Add(1) >= halfOpenSuccesses {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure notes a failed operation, opening the circuit when the
// consecutive-failure threshold is reached. Any failure during the half-open
// probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.successes.Store(0)
	cb.lastFailureNanos.Store(time.Now().UnixNano())

	failures := cb.failures.Add(1)
	switch BreakerState(cb.state.Load()) {
	case StateClosed:
		if failures >= cb.failureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(cb.state.Load())
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	cb.lastFailureNanos.Store(0)
}

func (cb *CircuitBreaker) transitionTo(next BreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if BreakerState(cb.state.Load()) == next {
		return
	}
	cb.state.Store(int32(next))

	switch next {
	case StateClosed:
		cb.failures.Store(0)
		cb.successes.Store(0)
	case StateHalfOpen:
		cb.successes.Store(0)
	}
}

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
