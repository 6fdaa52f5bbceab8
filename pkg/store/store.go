// Package store abstracts the shared key-value primitives the pricing
// cache's coordination layer depends on: conditional set-if-absent with
// expiry, list push/pop (including blocking pop with timeout), and two
// fixed compare-and-act scripts used to fence the distributed lock.
//
// Design Notes:
//   - Modeled as a capability interface (spec.md §9 "polymorphism over
//     store primitives") so the coordination logic in package pricing never
//     imports a specific store client.
//   - Two implementations ship here: Redis (github.com/redis/rueidis) for
//     production, and an in-memory fake for deterministic tests, including
//     real blocking-with-timeout BRPop semantics.
package store

import (
	"context"
	"time"
)

// Store is the capability set required by the coalescing cache, the
// distributed lock, and the follower channel.
type Store interface {
	// Get returns the value at k, or ok=false if absent.
	Get(ctx context.Context, k string) ([]byte, bool, error)

	// Set stores v at k with expiry ttl. If nx is true, the write only
	// succeeds when k is currently absent (SETNX semantics); ok reports
	// whether the write happened.
	Set(ctx context.Context, k string, v []byte, ttl time.Duration, nx bool) (ok bool, err error)

	// Del removes zero or more keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// LPush pushes v onto the head of the list at k.
	LPush(ctx context.Context, k string, v []byte) error

	// RPop pops from the tail of the list at k without blocking.
	RPop(ctx context.Context, k string) ([]byte, bool, error)

	// BRPop blocks up to timeout for an element to become available at
	// the tail of the list at k. ok is false on timeout.
	BRPop(ctx context.Context, k string, timeout time.Duration) ([]byte, bool, error)

	// ExtendIfOwner atomically resets the TTL on k to ttl iff the value
	// currently stored at k equals token. This is the fenced "compare and
	// extend" script the lock renewer relies on.
	ExtendIfOwner(ctx context.Context, k, token string, ttl time.Duration) (bool, error)

	// DeleteIfOwner atomically deletes k iff the value currently stored
	// at k equals token. This is the fenced "compare and delete" script
	// the lock release path relies on.
	DeleteIfOwner(ctx context.Context, k, token string) (bool, error)
}
