// Package pricing implements the read-through, stampede-safe pricing rate
// cache: distributed lock-based leader election, follower notification via
// private wait queues, a process-local circuit breaker in front of the
// upstream pricing oracle, and TTL-based fresh/stale cache entries.
//
// Design Choices:
//   - The KV primitives the coordination layer needs (get/set-nx/lpush/
//     rpop/brpop/compare-and-act) are behind pkg/store.Store so the whole
//     package runs against an in-memory fake in tests and Redis in
//     production, with identical semantics.
//   - Leader election is a distributed lock (pricing/lock.go), not
//     golang.org/x/sync/singleflight: singleflight only coalesces callers
//     within one process, and this cache must coalesce across a fleet.
//   - The circuit breaker is process-local by design (spec.md §9); it is
//     never made a distributed primitive.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pricingcache.app/pkg/middleware"
	"pricingcache.app/pkg/models"
	"pricingcache.app/pkg/store"
)

// Service is the pricing cache's Encore service: the wiring point for the
// store, the coordination primitives, and the upstream oracle client.
//
//encore:service
type Service struct {
	store        store.Store
	lock         *DistributedLock
	breaker      *CircuitBreaker
	cache        *CoalescingCache
	oracle       *OracleClient
	limiter      *middleware.TokenBucket
	hotelLimiter *middleware.TokenBucket
	cfg          Config
}

var (
	svc      *Service
	initOnce sync.Once
)

// initService wires the service graph. Called automatically by Encore at
// startup.
func initService() (*Service, error) {
	var initErr error
	initOnce.Do(func() {
		cfg, err := LoadConfig()
		if err != nil {
			initErr = err
			return
		}

		var s store.Store
		if cfg.RedisURL != "" {
			r, err := store.NewRedis(cfg.RedisURL)
			if err != nil {
				initErr = err
				return
			}
			s = r
		} else {
			s = store.NewMemory()
		}

		lock := NewDistributedLock(s, cfg.LockTTL, cfg.LockExtendEvery, publishLockLost)
		breaker := NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, publishBreakerTransition)
		cache := NewCoalescingCache(s, lock, breaker, cfg, publishFollowerTimeout)
		oracle := NewOracleClient(cfg.RateAPIURL, cfg.UpstreamDial)
		limiter := middleware.NewTokenBucket(cfg.RequestsPerSecond, cfg.RequestBurst)
		hotelLimiter := middleware.NewTokenBucket(cfg.PerHotelRPS, cfg.PerHotelBurst)

		svc = &Service{
			store:        s,
			lock:         lock,
			breaker:      breaker,
			cache:        cache,
			oracle:       oracle,
			limiter:      limiter,
			hotelLimiter: hotelLimiter,
			cfg:          cfg,
		}
	})

	return svc, initErr
}

// GetRateRequest identifies one (period, hotel, room) pricing tuple.
type GetRateRequest struct {
	Period string `query:"period"`
	Hotel  string `query:"hotel"`
	Room   string `query:"room"`
}

// GetRateResponse is the single JSON object a client always observes
// (spec.md §7: "recoverable errors never propagate past the facade"). The
// service boundary defines exactly one field, an integer-as-string rate
// (spec.md §4.5, §6): the caller already supplied period/hotel/room, so
// echoing them back would just be an unrequested affordance beyond what
// the service boundary specifies.
type GetRateResponse struct {
	Rate string `json:"rate"`
}

// GetRate looks up (or fetches and caches) the rate for a pricing tuple.
//
//encore:api public method=GET path=/pricing/rate
func GetRate(ctx context.Context, req *GetRateRequest) (*GetRateResponse, error) {
	if svc == nil {
		return nil, ToEncoreErr(newUnexpectedError(errors.New("pricing service not initialized")))
	}
	resp, err := svc.GetRate(ctx, req)
	if err != nil {
		return nil, ToEncoreErr(err)
	}
	return resp, nil
}

// GetRate is the PricingFacade of spec.md §4.5: validate, derive the
// canonical cache key, delegate to CoalescingCache.Fetch with a compute
// closure that performs exactly one upstream call, then extract and shape
// the response.
func (s *Service) GetRate(ctx context.Context, req *GetRateRequest) (*GetRateResponse, error) {
	if !s.limiter.AllowGlobal() {
		middleware.LogWarn(middleware.NewRequestID(), "global_rate_limited", nil)
		return nil, newRateLimitedError()
	}

	attrs := models.RateAttributes{Period: req.Period, Hotel: req.Hotel, Room: req.Room}
	if attrs.Period == "" && attrs.Hotel == "" && attrs.Room == "" {
		return nil, newValidationError(errors.New("at least one of period, hotel, room is required"))
	}

	if s.hotelLimiter != nil && !s.hotelLimiter.Allow(middleware.KeyByAttributes(attrs)) {
		middleware.LogWarn(middleware.NewRequestID(), "hotel_rate_limited", map[string]interface{}{"hotel": attrs.Hotel})
		return nil, newRateLimitedError()
	}

	key := models.CacheKey(attrs)

	compute := func(ctx context.Context) ([]byte, error) {
		return s.oracle.FetchRate(ctx, attrs)
	}

	body, err := s.cache.Fetch(ctx, key, compute)
	if err != nil {
		return nil, err
	}

	quote, ok := models.ExtractRate(body, attrs)
	if !ok {
		return nil, newUnexpectedError(errors.New("upstream response contained no rates"))
	}

	return &GetRateResponse{Rate: fmt.Sprintf("%d", int64(quote.Rate))}, nil
}
