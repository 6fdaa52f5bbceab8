package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricingcache.app/pkg/store"
)

// ErrLockHeld is returned by DistributedLock.WithLock when the key is
// currently held by another process; the caller becomes a follower.
var ErrLockHeld = errors.New("lock held by another process")

// ErrLockLost is returned from WithLock's body execution slot when the
// renewer observes loss of the lease while body was still running.
var ErrLockLost = errors.New("lock lease lost mid-body")

// DistributedLock is the fenced, self-renewing mutual-exclusion primitive
// described in spec.md §4.1: exclusive execution of a body across all
// processes for a given key, kept alive by a concurrent renewer while the
// body runs, and released via a compare-and-delete script that only the
// current lease token can satisfy.
type DistributedLock struct {
	store       store.Store
	ttl         time.Duration
	extendEvery time.Duration
	onLost      func(key, reason string)
}

// NewDistributedLock builds a lock manager over the given store.
// onLost, if non-nil, is invoked (from the renewer goroutine) whenever a
// lease is lost, for observability wiring; it must not block.
func NewDistributedLock(s store.Store, ttl, extendEvery time.Duration, onLost func(key, reason string)) *DistributedLock {
	return &DistributedLock{store: s, ttl: ttl, extendEvery: extendEvery, onLost: onLost}
}

func lockKey(cacheKey string) string { return "lock:" + cacheKey }

// WithLock grants exclusive execution of body across all processes holding
// a reference to the same store, for the given cache key. If the lock is
// already held elsewhere, it fails fast with ErrLockHeld and body is never
// invoked — there is no retry at this layer (spec.md §4.1).
//
// While body runs, a concurrent renewer keeps the lease alive. If the
// renewer observes lease loss (another holder took over the key, or the
// lease presumably expired during a store outage), it signals loss; body
// itself is not preempted (it "must observe no added suspension points"),
// but WithLock reports ErrLockLost once body returns so the caller can
// treat any results it produced as suspect and route through fallback.
func (l *DistributedLock) WithLock(ctx context.Context, key string, body func(ctx context.Context) (any, error)) (any, error) {
	token := uuid.New().String()
	k := lockKey(key)

	ok, err := l.store.Set(ctx, k, []byte(token), l.ttl, true)
	if err != nil {
		return nil, newUnexpectedError(err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	renewCtx, cancelRenew := context.WithCancel(context.Background())
	lost := make(chan struct{})
	var lostOnce sync.Once
	signalLost := func(reason string) {
		lostOnce.Do(func() {
			close(lost)
			if l.onLost != nil {
				l.onLost(key, reason)
			}
		})
	}

	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go l.renew(renewCtx, k, token, signalLost, &renewWG)

	result, bodyErr := body(ctx)

	cancelRenew()
	renewWG.Wait()

	select {
	case <-lost:
		if bodyErr == nil {
			bodyErr = newLockError(ErrLockLost)
		}
	default:
	}

	// Best-effort release. TTL reclaims the key if this fails or if the
	// lease was already stolen (the compare-and-delete script is a no-op
	// in that case, which is correct: releasing must never delete someone
	// else's lease).
	_, _ = l.store.DeleteIfOwner(context.Background(), k, token)

	if bodyErr != nil {
		return result, bodyErr
	}
	return result, nil
}

// renew extends the lease every extendEvery until renewCtx is canceled or
// the lease is lost. It uses a monotonic clock (time.Since) to detect a
// presumed-expired lease across transient store errors, per spec.md §4.1.
func (l *DistributedLock) renew(renewCtx context.Context, key, token string, signalLost func(reason string), wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(l.extendEvery)
	defer ticker.Stop()

	lastSuccess := time.Now()

	for {
		select {
		case <-renewCtx.Done():
			return
		case <-ticker.C:
			ok, err := l.store.ExtendIfOwner(context.Background(), key, token, l.ttl)
			if err != nil {
				// Transient store error: tolerate unless the lease would
				// already have expired on the wire (spec.md §9 open
				// question — treated here as a policy parameter fixed to
				// "tolerate until TTL elapsed").
				if time.Since(lastSuccess) >= l.ttl {
					signalLost("store_error")
					return
				}
				continue
			}
			if !ok {
				signalLost("stolen")
				return
			}
			lastSuccess = time.Now()
		}
	}
}
