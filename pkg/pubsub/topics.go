// Package pubsub provides topic name constants for the pricing proxy's
// event-driven observability wiring.
//
// Topic Naming Convention:
//   - pricing.breaker.state: circuit breaker transitions for the upstream
//     oracle call path (the breaker is process-local and not keyed by
//     cache key; Resource identifies what it guards)
//   - pricing.lock.lost: lock renewer lease-loss signals, keyed by cache key
//   - pricing.follower.timeout: follower exhausted retries, fell back,
//     keyed by cache key
//
// Design Notes:
//   - Topics are constants to avoid typos and enable compile-time checks.
//   - Version field on each event enables schema evolution.
//   - No direct Encore dependency here to keep pkg/ reusable across services.
package pubsub

const (
	// TopicBreakerState carries BreakerStateEvent.
	TopicBreakerState = "pricing.breaker.state"

	// TopicLockLost carries LockLostEvent.
	TopicLockLost = "pricing.lock.lost"

	// TopicFollowerTimeout carries FollowerTimeoutEvent.
	TopicFollowerTimeout = "pricing.follower.timeout"
)

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{TopicBreakerState, TopicLockLost, TopicFollowerTimeout}
}

// IsValidTopic reports whether the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
