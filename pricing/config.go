// Package pricing implements the request-coalescing cache proxy in front of
// the upstream pricing oracle: a distributed fenced lock, a follower
// notification channel, a per-process circuit breaker, and the coalescing
// cache that composes them with a TTL cache and a stale fallback store.
//
// Design Choices:
//   - Leader election is a distributed compare-and-act lock over the shared
//     KV store (pkg/store), not an in-process singleflight: singleflight only
//     coalesces within one process, and this proxy runs as a horizontally
//     scaled fleet.
//   - The circuit breaker is intentionally per-process (spec: "do not
//     globalize"); each instance forms its own view of upstream health.
//   - Followers never hold a lock; they block on a private queue and always
//     have a bounded wait via timeout + backoff, converging on stale data
//     rather than serializing on another lock (see waiter.go's drainWaiters
//     for the lost-wakeup rationale).
package pricing

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable named in the pricing proxy's external
// interface. All fields have working defaults; overrides come from the
// environment via caarlos0/env struct tags.
type Config struct {
	APIToken   string `env:"API_TOKEN"`
	RedisURL   string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RateAPIURL string `env:"RATE_API_URL" envDefault:"https://pricing-oracle.internal/v1/rates"`

	FreshTTL time.Duration `env:"PRICING_FRESH_TTL" envDefault:"300s"`
	StaleTTL time.Duration `env:"PRICING_STALE_TTL" envDefault:"900s"`

	FollowerTimeout    time.Duration `env:"PRICING_FOLLOWER_TIMEOUT" envDefault:"15s"`
	MaxFollowerRetries int           `env:"PRICING_MAX_FOLLOWER_RETRIES" envDefault:"2"`
	FollowerBackoff    time.Duration `env:"PRICING_FOLLOWER_BACKOFF" envDefault:"500ms"`

	LockTTL         time.Duration `env:"PRICING_LOCK_TTL" envDefault:"60s"`
	LockExtendEvery time.Duration `env:"PRICING_LOCK_EXTEND_EVERY" envDefault:"2s"`

	UpstreamTimeout time.Duration `env:"PRICING_UPSTREAM_TIMEOUT" envDefault:"30s"`
	UpstreamDial    time.Duration `env:"PRICING_UPSTREAM_DIAL_TIMEOUT" envDefault:"10s"`

	BreakerThreshold int           `env:"PRICING_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerTimeout   time.Duration `env:"PRICING_BREAKER_TIMEOUT" envDefault:"60s"`

	// RequestsPerSecond and RequestBurst bound the facade's own admission
	// rate, independent of caching: a token bucket in front of GetRate
	// protects the shared lock/store backend from a client-side retry
	// storm before it ever reaches the coalescing cache.
	RequestsPerSecond float64 `env:"PRICING_REQUESTS_PER_SECOND" envDefault:"200"`
	RequestBurst      int64   `env:"PRICING_REQUEST_BURST" envDefault:"400"`

	// PerHotelRPS and PerHotelBurst bound how much of the global admission
	// budget a single hotel can consume, so one hotel's traffic (or one
	// misbehaving client hammering a single hotel's rooms) can't starve
	// every other hotel sharing the facade.
	PerHotelRPS   float64 `env:"PRICING_PER_HOTEL_REQUESTS_PER_SECOND" envDefault:"50"`
	PerHotelBurst int64   `env:"PRICING_PER_HOTEL_REQUEST_BURST" envDefault:"100"`
}

// LoadConfig parses Config from the process environment, falling back to
// the spec's numeric defaults for anything unset.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
