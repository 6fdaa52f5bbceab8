// Package invalidation provides an administrative escape hatch for the
// pricing cache: force-evicting a (period, hotel, room) tuple's fresh and
// stale entries ahead of their natural TTL, with a durable audit trail.
//
// spec.md's core describes TTL-only expiry; this service supplements it
// with the operational lever a production pricing proxy needs when an
// upstream correction has to take effect immediately rather than waiting
// out StaleTTL.
//
// Design Philosophy:
// - Broadcasts an eviction event over Pub/Sub for any subscriber; eviction
//   itself already went to the shared store directly. No service in this
//   tree subscribes to the topic.
// - Audit logging provides an immutable eviction history for compliance
//   and debugging.
// - Idempotent: evicting an already-absent key is a success, not an error.
package invalidation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"encore.dev/beta/errs"
	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"

	"pricingcache.app/pkg/middleware"
	"pricingcache.app/pkg/models"
	"pricingcache.app/pkg/store"
)

// serviceNotInitializedErr is returned by every public endpoint when init()
// failed to build svc — a 500, since a client can't do anything to recover
// from a broken deployment.
func serviceNotInitializedErr() error {
	return &errs.Error{Code: errs.Internal, Message: "service not initialized"}
}

//encore:service
type Service struct {
	store       store.Store
	auditLogger AuditLoggerInterface
	metrics     *Metrics
}

// AuditLoggerInterface defines the interface for audit logging operations.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, keyFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, keyFilter string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error)
}

// Metrics tracks invalidation performance counters.
type Metrics struct {
	TotalEvictions  atomic.Int64
	AuditWrites     atomic.Int64
	PubSubPublishes atomic.Int64
	Errors          atomic.Int64
}

// Database for audit logging
var db = sqldb.Named("invalidation_db")

// initService wires the service against the same store pricing uses and the
// audit log's database.
func initService() (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	var s store.Store
	if cfg.RedisURL != "" {
		r, err := store.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s = r
	} else {
		s = store.NewMemory()
	}

	auditLogger, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	return &Service{
		store:       s,
		auditLogger: auditLogger,
		metrics:     &Metrics{},
	}, nil
}

// Global service instance
var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize invalidation service: %v", err))
	}
}

// InvalidationEvent broadcasts a forced eviction to anything listening.
type InvalidationEvent struct {
	Key         string                `json:"key"`
	Attributes  models.RateAttributes `json:"attributes"`
	TriggeredBy string                `json:"triggered_by"` // Source: "admin", "operator", etc.
	Timestamp   time.Time             `json:"timestamp"`
	RequestID   string                `json:"request_id"`
}

// Pub/Sub topic for cache invalidation events
var CacheInvalidateTopic = pubsub.NewTopic[*InvalidationEvent](
	"cache-invalidate",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Request and response types

type EvictRateRequest struct {
	Period      string `json:"period"`
	Hotel       string `json:"hotel"`
	Room        string `json:"room"`
	TriggeredBy string `json:"triggered_by"` // Source identifier
	RequestID   string `json:"request_id"`   // Optional correlation ID
}

type EvictRateResponse struct {
	Success     bool      `json:"success"`
	Key         string    `json:"key"`
	RequestID   string    `json:"request_id"`
	PublishedAt time.Time `json:"published_at"`
}

type GetAuditLogsRequest struct {
	Limit  int    `json:"limit"`         // Number of logs to retrieve
	Offset int    `json:"offset"`        // Pagination offset
	Key    string `json:"key,omitempty"` // Optional: filter by cache key substring
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

type MetricsResponse struct {
	TotalEvictions  int64 `json:"total_evictions"`
	AuditWrites     int64 `json:"audit_writes"`
	PubSubPublishes int64 `json:"pubsub_publishes"`
	Errors          int64 `json:"errors"`
}

// EvictRate force-evicts a pricing tuple's fresh and stale cache entries
// ahead of TTL and records the eviction in the audit log.
//
//encore:api public method=POST path=/invalidate/rate
func EvictRate(ctx context.Context, req *EvictRateRequest) (*EvictRateResponse, error) {
	if svc == nil {
		return nil, serviceNotInitializedErr()
	}
	return svc.EvictRate(ctx, req)
}

func (s *Service) EvictRate(ctx context.Context, req *EvictRateRequest) (*EvictRateResponse, error) {
	startTime := time.Now()

	attrs := models.RateAttributes{Period: req.Period, Hotel: req.Hotel, Room: req.Room}
	if attrs.Period == "" && attrs.Hotel == "" && attrs.Room == "" {
		return nil, &errs.Error{Code: errs.InvalidArgument, Message: "at least one of period, hotel, room is required"}
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "unknown"
	}
	if req.RequestID == "" {
		req.RequestID = generateRequestID()
	}

	key := models.CacheKey(attrs)
	staleKey := models.StaleKey(key)

	if err := s.store.Del(ctx, key, staleKey); err != nil {
		s.metrics.Errors.Add(1)
		return nil, errs.WrapCode(err, errs.Internal, "failed to evict cache entry")
	}
	s.metrics.TotalEvictions.Add(1)
	middleware.LogInfo(req.RequestID, "rate_evicted", map[string]interface{}{
		"key":          key,
		"triggered_by": req.TriggeredBy,
	})

	event := &InvalidationEvent{
		Key:         key,
		Attributes:  attrs,
		TriggeredBy: req.TriggeredBy,
		Timestamp:   time.Now(),
		RequestID:   req.RequestID,
	}

	if _, err := CacheInvalidateTopic.Publish(ctx, event); err != nil {
		s.metrics.Errors.Add(1)
	} else {
		s.metrics.PubSubPublishes.Add(1)
	}

	// Write audit log asynchronously; a slow or failed audit write must
	// never delay the eviction response back to the caller.
	go func() {
		auditLog := AuditLog{
			Key:         key,
			Attributes:  attrs,
			TriggeredBy: req.TriggeredBy,
			Timestamp:   event.Timestamp,
			RequestID:   req.RequestID,
			Latency:     time.Since(startTime).Milliseconds(),
		}
		if err := s.auditLogger.Insert(context.Background(), auditLog); err != nil {
			s.metrics.Errors.Add(1)
		} else {
			s.metrics.AuditWrites.Add(1)
		}
	}()

	return &EvictRateResponse{
		Success:     true,
		Key:         key,
		RequestID:   req.RequestID,
		PublishedAt: event.Timestamp,
	}, nil
}

// GetAuditLogs retrieves eviction audit history with pagination.
//
//encore:api public method=GET path=/audit/logs
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, serviceNotInitializedErr()
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000 // Max page size
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	logs, err := s.auditLogger.GetRecent(ctx, req.Limit+1, req.Offset, req.Key)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, errs.WrapCode(err, errs.Internal, "failed to fetch audit logs")
	}

	hasMore := len(logs) > req.Limit
	if hasMore {
		logs = logs[:req.Limit]
	}

	totalCount, err := s.auditLogger.GetCount(ctx, req.Key)
	if err != nil {
		totalCount = len(logs) // Fallback
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
		HasMore:    hasMore,
	}, nil
}

// GetMetrics returns invalidation service metrics.
//
//encore:api public method=GET path=/invalidate/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, serviceNotInitializedErr()
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	return &MetricsResponse{
		TotalEvictions:  s.metrics.TotalEvictions.Load(),
		AuditWrites:     s.metrics.AuditWrites.Load(),
		PubSubPublishes: s.metrics.PubSubPublishes.Load(),
		Errors:          s.metrics.Errors.Load(),
	}, nil
}

// generateRequestID creates a unique request identifier for tracing.
func generateRequestID() string {
	return fmt.Sprintf("inv-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}
