package pricing

import (
	"context"
	"sync"
	"time"
)

// BreakerState is one of the three states the circuit breaker can be in.
type BreakerState int

const (
	// StateClosed passes calls through, counting consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen rejects calls without invoking body until timeout elapses.
	StateOpen
	// StateHalfOpen passes calls through as probes; the next recorded
	// outcome closes or reopens the breaker.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements the three-state breaker of spec.md §4.3: it
// short-circuits calls to a failing upstream to preserve latency budget,
// tracking state per process (spec.md §9: "do not globalize").
//
// Concurrency: all state reads and transitions are serialized under mu.
// mu is never held across body's execution — only the pre-check
// transition and the post-hoc recording are serialized, so a slow body
// never blocks other goroutines from observing breaker state.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           BreakerState
	failures        int
	lastFailureTime time.Time
	threshold       int
	timeout         time.Duration
	onTransition    func(from, to BreakerState, failures int)
}

// NewCircuitBreaker builds a breaker with the given threshold and
// recovery timeout. onTransition, if non-nil, is invoked on its own
// goroutine whenever state changes, for observability wiring; calls for
// successive transitions are not ordered with respect to each other.
func NewCircuitBreaker(threshold int, timeout time.Duration, onTransition func(from, to BreakerState, failures int)) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, timeout: timeout, onTransition: onTransition}
}

// Call executes body if the breaker permits it, recording the outcome.
// Returns ErrBreakerOpen without invoking body if the breaker is Open and
// the recovery timeout has not yet elapsed.
func (b *CircuitBreaker) Call(ctx context.Context, body func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if !b.allow() {
		return nil, newBreakerOpenError()
	}

	result, err := body(ctx)
	if err != nil {
		b.RecordFailure()
		return nil, err
	}
	b.RecordSuccess()
	return result, nil
}

// allow performs the pre-check transition: Closed and HalfOpen calls are
// always allowed through; an Open call is allowed only once the recovery
// timeout has elapsed, at which point the breaker moves to HalfOpen as a
// probe slot for this call.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.timeout {
			b.transitionLocked(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess is public so external timeouts and watchdogs that call
// body outside of Call can still feed the breaker (spec.md §4.3).
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure is public for the same reason as RecordSuccess.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.lastFailureTime = time.Now()
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.lastFailureTime = time.Now()
			b.transitionLocked(StateOpen)
		}
	case StateOpen:
		b.lastFailureTime = time.Now()
	}
}

// transitionLocked updates state and fires onTransition on its own
// goroutine so a slow or misbehaving observer never holds mu. Caller must
// hold mu.
func (b *CircuitBreaker) transitionLocked(to BreakerState) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.onTransition != nil {
		failures := b.failures
		go b.onTransition(from, to, failures)
	}
}

// IsOpen reports a consistent snapshot of whether the breaker currently
// rejects calls (Open and not yet eligible for a HalfOpen probe).
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && time.Since(b.lastFailureTime) < b.timeout
}

// State returns a consistent snapshot of the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker to Closed with a zeroed failure count.
// Idempotent: calling Reset repeatedly has the same effect as once.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed || b.failures != 0 {
		b.transitionLocked(StateClosed)
	}
}
