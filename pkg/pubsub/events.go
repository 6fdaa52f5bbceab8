// Package pubsub defines the event schemas the pricing service broadcasts
// about its own coordination state (breaker transitions, lock loss) so the
// monitoring service can aggregate a fleet-visible picture without the
// breaker itself becoming distributed (spec.md §9: "the breaker is per
// process ... do not globalize" — publishing an event about a transition
// is observation, not shared state).
package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventVersion1 is the current event schema version.
const EventVersion1 = 1

// BreakerStateEvent reports a circuit breaker state transition. The
// breaker is process-local and not keyed by cache key (spec.md §9: "do
// not globalize"); Resource names the upstream call path it guards.
type BreakerStateEvent struct {
	Version   int       `json:"version"`
	Resource  string    `json:"resource"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that the event is well-formed.
func (e *BreakerStateEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Resource == "" {
		return errors.New("resource is required")
	}
	if e.To == "" {
		return errors.New("to state is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	return nil
}

// ToJSON serializes the event.
func (e *BreakerStateEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// LockLostEvent reports that a lock renewer observed loss of a lease it
// previously held, either because another holder took over the key or
// because the renewer could not extend it before the lease TTL elapsed.
type LockLostEvent struct {
	Version   int       `json:"version"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason"` // "stolen", "store_error"
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that the event is well-formed.
func (e *LockLostEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Key == "" {
		return errors.New("key is required")
	}
	if e.Reason == "" {
		return errors.New("reason is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	return nil
}

// ToJSON serializes the event.
func (e *LockLostEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }

// FollowerTimeoutEvent reports that a follower exhausted its retries and
// fell through to the stale/unavailable fallback path.
type FollowerTimeoutEvent struct {
	Version    int       `json:"version"`
	Key        string    `json:"key"`
	Retries    int       `json:"retries"`
	FellBackTo string    `json:"fell_back_to"` // "stale", "unavailable"
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks that the event is well-formed.
func (e *FollowerTimeoutEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Key == "" {
		return errors.New("key is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp cannot be zero")
	}
	return nil
}

// ToJSON serializes the event.
func (e *FollowerTimeoutEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }
