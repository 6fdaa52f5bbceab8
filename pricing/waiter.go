package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pricingcache.app/pkg/store"
)

func waitersKey(cacheKey string) string { return "waiters:" + cacheKey }

// FollowerWait is the follower side of the AsyncRequest channel (spec.md
// §4.2): a follower registers a private queue name onto the shared
// waiters list for a key, then blocks on that private queue until the
// leader pushes a result or the timeout elapses.
type FollowerWait struct {
	store     store.Store
	cacheKey  string
	queueName string
	timeout   time.Duration
}

// Register creates a new follower queue and pushes its name onto the
// shared waiters list for key. Registration completes (the push is
// synchronous) before Register returns, so a follower that registers
// before the leader begins draining is guaranteed a slot in the drain
// (spec.md §4.2, §5).
func Register(ctx context.Context, s store.Store, cacheKey string, timeout time.Duration) (*FollowerWait, error) {
	queueName := "waiter:" + cacheKey + ":" + uuid.New().String()
	if err := s.LPush(ctx, waitersKey(cacheKey), []byte(queueName)); err != nil {
		return nil, newUnexpectedError(err)
	}
	return &FollowerWait{store: s, cacheKey: cacheKey, queueName: queueName, timeout: timeout}, nil
}

// Wait blocks until the leader publishes a result to this follower's
// private queue, or returns a timeout error. The private queue is
// best-effort deleted on every exit path. The payload is returned as-is,
// without being decoded or validated, and the follower never retries on
// its own queue.
func (f *FollowerWait) Wait(ctx context.Context) ([]byte, error) {
	defer func() {
		_ = f.store.Del(context.Background(), f.queueName)
	}()

	payload, ok, err := f.store.BRPop(ctx, f.queueName, f.timeout)
	if err != nil {
		return nil, newUnexpectedError(err)
	}
	if !ok {
		return nil, newTimeoutError(nil)
	}
	return payload, nil
}

// QueueName exposes the private queue name, primarily for tests that need
// to simulate a leader pushing directly onto it.
func (f *FollowerWait) QueueName() string { return f.queueName }

// drainWaiters is the leader-side counterpart: repeatedly tail-pop a
// follower queue name from the shared waiters list and head-push the
// serialized result onto that queue, until the list is empty. After
// draining, the waiters list key itself is deleted defensively (spec.md
// §4.4 step 3d).
func drainWaiters(ctx context.Context, s store.Store, cacheKey string, payload []byte) error {
	key := waitersKey(cacheKey)
	for {
		name, ok, err := s.RPop(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := s.LPush(ctx, string(name), payload); err != nil {
			// Best-effort: a follower that never receives its payload
			// still converges via its own timeout + stale fallback
			// (spec.md §9 lost-wakeup rationale). Continue draining the
			// rest of the list rather than aborting.
			continue
		}
	}
	return s.Del(ctx, key)
}
