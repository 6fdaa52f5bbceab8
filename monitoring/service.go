// Package monitoring aggregates the coordination events published by the
// pricing service's Pub/Sub topics into fleet-visible rates, anomaly
// detection, alerting, and a dashboard overview.
//
// Design Philosophy:
// - Lock-free or minimal-lock metrics collection for high throughput
// - Sliding window aggregation for real-time statistics
// - Anomaly detection for proactive alerting
// - Low memory overhead with bounded buffers
//
// Architecture:
// - Event-driven ingestion via Pub/Sub subscriptions to the pricing
//   service's coordination topics (breaker state, lock lost, follower
//   timeout) — never a distributed view into the breaker or lock
//   themselves, only what they choose to publish about their own state.
// - In-memory time-series store with circular buffers
// - Real-time aggregation with configurable windows
// - Anomaly detection using statistical methods
// - Alert engine with threshold-based and dynamic rules
package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"encore.dev/pubsub"

	"pricingcache.app/pricing"

	pricingpubsub "pricingcache.app/pkg/pubsub"
)

//encore:service
type Service struct {
	collector  *MetricsCollector
	aggregator *Aggregator
	alertMgr   *AlertManager
	config     Config
	mu         sync.RWMutex
}

// Config holds monitoring service configuration.
type Config struct {
	MetricsRetention  time.Duration // how long to keep raw event buckets
	AggregationWindow time.Duration // aggregation window size
	AlertEvalInterval time.Duration // how often to evaluate alerts
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsRetention:  1 * time.Hour,
		AggregationWindow: 1 * time.Second,
		AlertEvalInterval: 10 * time.Second,
	}
}

// Request and response types

type GetMetricsRequest struct {
	Window time.Duration `json:"window"` // e.g., 1m, 5m, 1h
}

type GetMetricsResponse struct {
	Timestamp          time.Time `json:"timestamp"`
	Window             time.Duration `json:"window"`
	BreakerOpens       int64   `json:"breaker_opens"`
	BreakerCloses      int64   `json:"breaker_closes"`
	BreakerHalfOpen    int64   `json:"breaker_half_open"`
	BreakerOpenRate    float64 `json:"breaker_open_rate"`
	LockLost           int64   `json:"lock_lost"`
	FollowerTimeouts   int64   `json:"follower_timeouts"`
	AvgFollowerRetries float64 `json:"avg_follower_retries"`
	P50FollowerRetries float64 `json:"p50_follower_retries"`
	P90FollowerRetries float64 `json:"p90_follower_retries"`
	P95FollowerRetries float64 `json:"p95_follower_retries"`
	P99FollowerRetries float64 `json:"p99_follower_retries"`
}

type GetAggregatedRequest struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Interval  time.Duration `json:"interval"`
}

type AggregatedDataPoint struct {
	Timestamp        time.Time `json:"timestamp"`
	BreakerOpenRate  float64   `json:"breaker_open_rate"`
	LockLost         int64     `json:"lock_lost"`
	FollowerTimeouts int64     `json:"follower_timeouts"`
}

type GetAggregatedResponse struct {
	DataPoints []AggregatedDataPoint `json:"data_points"`
	Summary    GetMetricsResponse    `json:"summary"`
}

type GetAlertsResponse struct {
	ActiveAlerts []Alert    `json:"active_alerts"`
	RecentAlerts []Alert    `json:"recent_alerts"` // last 10 resolved alerts
	AlertStats   AlertStats `json:"alert_stats"`
}

type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}

var svc *Service

// initService initializes the monitoring service.
func initService() (*Service, error) {
	config := DefaultConfig()

	collector := NewMetricsCollector(config)
	aggregator := NewAggregator(collector, config)
	alertMgr := NewAlertManager(aggregator, config)

	s := &Service{
		collector:  collector,
		aggregator: aggregator,
		alertMgr:   alertMgr,
		config:     config,
	}

	go aggregator.Run()
	go alertMgr.Run()

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(err)
	}
}

// GetMetrics returns the current coordination-event snapshot for a time
// window.
//
//encore:api public method=GET path=/monitoring/metrics
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx, req)
}

func (s *Service) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	window := req.Window
	if window == 0 {
		window = 1 * time.Minute
	}

	now := time.Now()
	startTime := now.Add(-window)

	stats := s.aggregator.GetStats(startTime, now)

	return &GetMetricsResponse{
		Timestamp:          now,
		Window:             window,
		BreakerOpens:       stats.BreakerOpens,
		BreakerCloses:      stats.BreakerCloses,
		BreakerHalfOpen:    stats.BreakerHalfOpen,
		BreakerOpenRate:    stats.BreakerOpenRate,
		LockLost:           stats.LockLost,
		FollowerTimeouts:   stats.FollowerTimeouts,
		AvgFollowerRetries: stats.AvgFollowerRetries,
		P50FollowerRetries: stats.P50FollowerRetries,
		P90FollowerRetries: stats.P90FollowerRetries,
		P95FollowerRetries: stats.P95FollowerRetries,
		P99FollowerRetries: stats.P99FollowerRetries,
	}, nil
}

// GetAggregated returns time-bucketed coordination-event rates.
//
//encore:api public method=POST path=/monitoring/aggregated
func GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAggregated(ctx, req)
}

func (s *Service) GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if req.EndTime.Before(req.StartTime) {
		return nil, errors.New("end_time must be after start_time")
	}

	interval := req.Interval
	if interval == 0 {
		interval = 1 * time.Minute
	}

	dataPoints := make([]AggregatedDataPoint, 0)
	currentTime := req.StartTime

	for currentTime.Before(req.EndTime) {
		nextTime := currentTime.Add(interval)
		if nextTime.After(req.EndTime) {
			nextTime = req.EndTime
		}

		stats := s.aggregator.GetStats(currentTime, nextTime)

		dataPoints = append(dataPoints, AggregatedDataPoint{
			Timestamp:        currentTime,
			BreakerOpenRate:  stats.BreakerOpenRate,
			LockLost:         stats.LockLost,
			FollowerTimeouts: stats.FollowerTimeouts,
		})

		currentTime = nextTime
	}

	overallStats := s.aggregator.GetStats(req.StartTime, req.EndTime)
	summary := GetMetricsResponse{
		Timestamp:          req.EndTime,
		Window:             req.EndTime.Sub(req.StartTime),
		BreakerOpens:       overallStats.BreakerOpens,
		BreakerCloses:      overallStats.BreakerCloses,
		BreakerHalfOpen:    overallStats.BreakerHalfOpen,
		BreakerOpenRate:    overallStats.BreakerOpenRate,
		LockLost:           overallStats.LockLost,
		FollowerTimeouts:   overallStats.FollowerTimeouts,
		AvgFollowerRetries: overallStats.AvgFollowerRetries,
		P50FollowerRetries: overallStats.P50FollowerRetries,
		P90FollowerRetries: overallStats.P90FollowerRetries,
		P95FollowerRetries: overallStats.P95FollowerRetries,
		P99FollowerRetries: overallStats.P99FollowerRetries,
	}

	return &GetAggregatedResponse{
		DataPoints: dataPoints,
		Summary:    summary,
	}, nil
}

// GetAlerts returns current active alerts and alert statistics.
//
//encore:api public method=GET path=/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAlerts(ctx)
}

func (s *Service) GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	activeAlerts := s.alertMgr.GetActiveAlerts()
	recentAlerts := s.alertMgr.GetRecentResolvedAlerts(10)
	stats := s.alertMgr.GetStats()

	return &GetAlertsResponse{
		ActiveAlerts: activeAlerts,
		RecentAlerts: recentAlerts,
		AlertStats:   stats,
	}, nil
}

// Pub/Sub subscriptions to the pricing service's coordination topics.

var _ = pubsub.NewSubscription(
	pricing.BreakerStateTopic,
	"monitoring-breaker-state",
	pubsub.SubscriptionConfig[*pricingpubsub.BreakerStateEvent]{
		Handler: HandleBreakerState,
	},
)

// HandleBreakerState feeds a circuit breaker transition into the collector.
func HandleBreakerState(ctx context.Context, event *pricingpubsub.BreakerStateEvent) error {
	if svc == nil {
		return nil
	}
	svc.collector.RecordBreakerTransition(event.To, event.Timestamp)
	return nil
}

var _ = pubsub.NewSubscription(
	pricing.LockLostTopic,
	"monitoring-lock-lost",
	pubsub.SubscriptionConfig[*pricingpubsub.LockLostEvent]{
		Handler: HandleLockLost,
	},
)

// HandleLockLost feeds a lock-loss signal into the collector.
func HandleLockLost(ctx context.Context, event *pricingpubsub.LockLostEvent) error {
	if svc == nil {
		return nil
	}
	svc.collector.RecordLockLost(event.Timestamp)
	return nil
}

var _ = pubsub.NewSubscription(
	pricing.FollowerTimeoutTopic,
	"monitoring-follower-timeout",
	pubsub.SubscriptionConfig[*pricingpubsub.FollowerTimeoutEvent]{
		Handler: HandleFollowerTimeout,
	},
)

// HandleFollowerTimeout feeds a follower fallback into the collector.
func HandleFollowerTimeout(ctx context.Context, event *pricingpubsub.FollowerTimeoutEvent) error {
	if svc == nil {
		return nil
	}
	svc.collector.RecordFollowerTimeout(event.Retries, event.Timestamp)
	return nil
}

// Shutdown gracefully stops the monitoring service.
func (s *Service) Shutdown() {
	s.aggregator.Stop()
	s.alertMgr.Stop()
}
