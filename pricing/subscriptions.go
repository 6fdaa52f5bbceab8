package pricing

import (
	"context"
	"time"

	"encore.dev/pubsub"

	pricingpubsub "pricingcache.app/pkg/pubsub"
)

// Topics carrying the pricing service's own coordination events. Publishing
// is observation, not shared state — the breaker and lock stay per process
// (spec.md §9); monitoring aggregates a fleet-visible picture from these.
//
// Exported so the monitoring service can subscribe against the same Topic
// value rather than re-declaring a topic under the same name.
var BreakerStateTopic = pubsub.NewTopic[*pricingpubsub.BreakerStateEvent](
	pricingpubsub.TopicBreakerState,
	pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
)

var LockLostTopic = pubsub.NewTopic[*pricingpubsub.LockLostEvent](
	pricingpubsub.TopicLockLost,
	pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
)

var FollowerTimeoutTopic = pubsub.NewTopic[*pricingpubsub.FollowerTimeoutEvent](
	pricingpubsub.TopicFollowerTimeout,
	pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
)

// oracleResourceName identifies the single upstream call path the process
// -local breaker guards. There is one breaker for the whole service, not
// one per cache key (spec.md §9).
const oracleResourceName = "pricing-oracle"

// publishBreakerTransition is wired as the CircuitBreaker's onTransition
// callback. It never blocks the breaker: publish runs on its own goroutine
// already (transitionLocked dispatches it that way), and a publish failure
// here is swallowed — the breaker's own state is authoritative regardless
// of whether monitoring heard about it.
func publishBreakerTransition(from, to BreakerState, failures int) {
	_, _ = BreakerStateTopic.Publish(context.Background(), &pricingpubsub.BreakerStateEvent{
		Version:   pricingpubsub.EventVersion1,
		Resource:  oracleResourceName,
		From:      from.String(),
		To:        to.String(),
		Failures:  failures,
		Timestamp: time.Now(),
	})
}

// publishLockLost is wired as the DistributedLock's onLost callback.
func publishLockLost(key, reason string) {
	_, _ = LockLostTopic.Publish(context.Background(), &pricingpubsub.LockLostEvent{
		Version:   pricingpubsub.EventVersion1,
		Key:       key,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// publishFollowerTimeout is wired as the CoalescingCache's onFollowerTimeout
// callback.
func publishFollowerTimeout(key string, retries int, fellBackTo string) {
	_, _ = FollowerTimeoutTopic.Publish(context.Background(), &pricingpubsub.FollowerTimeoutEvent{
		Version:    pricingpubsub.EventVersion1,
		Key:        key,
		Retries:    retries,
		FellBackTo: fellBackTo,
		Timestamp:  time.Now(),
	})
}
