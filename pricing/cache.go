package pricing

import (
	"context"
	"errors"
	"time"

	"pricingcache.app/pkg/middleware"
	"pricingcache.app/pkg/models"
	"pricingcache.app/pkg/store"
)

// breakerRecordedErr wraps any error returned from CircuitBreaker.Call. A
// body failure has already run through RecordFailure there; a breaker-open
// rejection was refused without recording. electAndFetch unwraps this
// marker and records neither case again before falling back.
type breakerRecordedErr struct{ err error }

func (e *breakerRecordedErr) Error() string { return e.err.Error() }
func (e *breakerRecordedErr) Unwrap() error { return e.err }

func staleKey(cacheKey string) string { return models.StaleKey(cacheKey) }

// ComputeFunc performs the expensive, at-most-once-per-window upstream
// call. It is invoked only by the leader, under the circuit breaker and a
// hard timeout.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// CoalescingCache orchestrates fresh lookup, leader election, upstream
// invocation under breaker and timeout, follower notification, stale
// population, and fallback (spec.md §4.4). It is the composition point
// for DistributedLock, FollowerWait, and CircuitBreaker.
type CoalescingCache struct {
	store   store.Store
	lock    *DistributedLock
	breaker *CircuitBreaker
	cfg     Config

	onFollowerTimeout func(key string, retries int, fellBackTo string)
}

// NewCoalescingCache wires the coordination primitives together.
func NewCoalescingCache(s store.Store, lock *DistributedLock, breaker *CircuitBreaker, cfg Config, onFollowerTimeout func(key string, retries int, fellBackTo string)) *CoalescingCache {
	return &CoalescingCache{store: s, lock: lock, breaker: breaker, cfg: cfg, onFollowerTimeout: onFollowerTimeout}
}

// Fetch implements spec.md §4.4's algorithm exactly:
//
//  1. Fresh hit -> return it, zero upstream calls.
//  2. Breaker open -> stale if present, else ServiceUnavailable.
//  3. Leader election via the distributed lock:
//     a. double-checked fresh read
//     b. breaker.Call(compute) under API_TIMEOUT
//     c. write fresh + stale
//     d. drain waiters
//     e. return the result
//  4. Lock held elsewhere -> follower path with bounded retry/backoff.
//  5. Any other leader-branch failure -> fallback; a failure is recorded
//     against the breaker once, and a breaker-open rejection not at all.
func (c *CoalescingCache) Fetch(ctx context.Context, key string, compute ComputeFunc) ([]byte, error) {
	if fresh, ok, err := c.store.Get(ctx, key); err != nil {
		return nil, newUnexpectedError(err)
	} else if ok {
		return fresh, nil
	}

	if c.breaker.IsOpen() {
		return c.fallback(ctx, key)
	}

	return c.electAndFetch(ctx, key, compute, 0)
}

func (c *CoalescingCache) electAndFetch(ctx context.Context, key string, compute ComputeFunc, retry int) ([]byte, error) {
	result, err := c.lock.WithLock(ctx, key, func(ctx context.Context) (any, error) {
		return c.leaderBranch(ctx, key, compute)
	})

	if err == nil {
		return result.([]byte), nil
	}

	if err == ErrLockHeld {
		return c.followerBranch(ctx, key, compute, retry)
	}

	// LockError (lease lost mid-body), a store failure surfacing from
	// the leader branch outside the breaker's own body slot, or any
	// other unexpected failure counts against the breaker before
	// falling back to stale. An error already run through
	// CircuitBreaker.Call's body — wrapped in breakerRecordedErr by
	// leaderBranch — has already been recorded there; recording it
	// again here would trip the breaker on fewer real failures than
	// spec.md §8's threshold specifies.
	var recorded *breakerRecordedErr
	if !errors.As(err, &recorded) {
		c.breaker.RecordFailure()
	}
	return c.fallback(ctx, key)
}

// leaderBranch runs inside the distributed lock's critical section.
func (c *CoalescingCache) leaderBranch(ctx context.Context, key string, compute ComputeFunc) ([]byte, error) {
	// Double-checked locking: another process may have completed between
	// our first fresh read and winning the lock.
	if fresh, ok, err := c.store.Get(ctx, key); err != nil {
		return nil, newUnexpectedError(err)
	} else if ok {
		return fresh, nil
	}

	computeCtx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	result, err := c.breaker.Call(computeCtx, func(ctx context.Context) ([]byte, error) {
		type outcome struct {
			body []byte
			err  error
		}
		done := make(chan outcome, 1)
		go func() {
			body, err := compute(ctx)
			done <- outcome{body, err}
		}()

		select {
		case o := <-done:
			return o.body, o.err
		case <-ctx.Done():
			return nil, newTimeoutError(ctx.Err())
		}
	})
	if err != nil {
		middleware.LogError(middleware.NewRequestID(), "leader_compute_failed", err, map[string]interface{}{"key": key})
		return nil, &breakerRecordedErr{err}
	}

	if _, err := c.store.Set(ctx, key, result, c.cfg.FreshTTL, false); err != nil {
		return nil, newUnexpectedError(err)
	}
	if _, err := c.store.Set(ctx, staleKey(key), result, c.cfg.StaleTTL, false); err != nil {
		return nil, newUnexpectedError(err)
	}

	if err := drainWaiters(ctx, c.store, key, result); err != nil {
		// Waiter notification failure never fails the leader's own
		// response; followers still converge via timeout + stale
		// fallback (spec.md §9).
		_ = err
	}

	return result, nil
}

// followerBranch implements spec.md §4.4 step 4: register, wait, and on
// timeout retry with exponential backoff until the retry count reaches
// MaxFollowerRetries, then fall back to stale. retry is the number of
// follower timeouts already observed for this fetch (0 on first attempt).
//
// Matches spec.md scenario 6 (leader crash) exactly for the default
// MaxFollowerRetries=2: two total wait attempts separated by one 0.5s
// backoff, then fallback — "increment retry count; if retry count <
// MAX_RETRIES, sleep and repeat" only ever produces MAX_RETRIES-1
// backoffs, not MAX_RETRIES of them.
func (c *CoalescingCache) followerBranch(ctx context.Context, key string, compute ComputeFunc, retry int) ([]byte, error) {
	handle, err := Register(ctx, c.store, key, c.cfg.FollowerTimeout)
	if err != nil {
		return nil, err
	}

	payload, err := handle.Wait(ctx)
	if err == nil {
		return payload, nil
	}

	if !isTimeoutErr(err) {
		return nil, err
	}

	newRetry := retry + 1
	if newRetry < c.cfg.MaxFollowerRetries {
		backoff := c.cfg.FollowerBackoff * time.Duration(1<<uint(newRetry-1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, newUnexpectedError(ctx.Err())
		}
		return c.followerBranch(ctx, key, compute, newRetry)
	}

	result, err := c.fallback(ctx, key)
	if c.onFollowerTimeout != nil {
		fellBackTo := "stale"
		if err != nil {
			fellBackTo = "unavailable"
		}
		c.onFollowerTimeout(key, newRetry, fellBackTo)
	}
	return result, err
}

func isTimeoutErr(err error) bool {
	pe, ok := err.(*Error)
	return ok && pe.Kind == KindTimeout
}

// fallback reads the stale entry, returning it if present; otherwise
// raises ServiceUnavailable (spec.md §4.4 Fallback).
func (c *CoalescingCache) fallback(ctx context.Context, key string) ([]byte, error) {
	stale, ok, err := c.store.Get(ctx, staleKey(key))
	if err != nil {
		return nil, newUnexpectedError(err)
	}
	if ok {
		return stale, nil
	}
	return nil, newServiceUnavailableError()
}
