package invalidation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pricingcache.app/pkg/models"
	"pricingcache.app/pkg/store"
)

// mockAuditLogger provides a test implementation of audit logging.
type mockAuditLogger struct {
	mu   sync.Mutex
	logs []AuditLog
}

func newMockAuditLogger() *mockAuditLogger {
	return &mockAuditLogger{logs: make([]AuditLog, 0)}
}

func (m *mockAuditLogger) Insert(ctx context.Context, log AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockAuditLogger) GetRecent(ctx context.Context, limit, offset int, keyFilter string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]AuditLog, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		log := m.logs[i]
		if keyFilter == "" || log.Key == keyFilter {
			filtered = append(filtered, log)
		}
	}

	if offset >= len(filtered) {
		return []AuditLog{}, nil
	}

	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return filtered[offset:end], nil
}

func (m *mockAuditLogger) GetCount(ctx context.Context, keyFilter string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keyFilter == "" {
		return len(m.logs), nil
	}

	count := 0
	for _, log := range m.logs {
		if log.Key == keyFilter {
			count++
		}
	}
	return count, nil
}

func (m *mockAuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]AuditLog, 0)
	for _, log := range m.logs {
		if log.RequestID == requestID {
			result = append(result, log)
		}
	}
	return result, nil
}

func (m *mockAuditLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

// setupTestService creates a test service backed by an in-memory store and a
// mock audit logger, mirroring pricing's own test setup convention.
func setupTestService() (*Service, *mockAuditLogger) {
	logger := newMockAuditLogger()
	return &Service{
		store:       store.NewMemory(),
		auditLogger: logger,
		metrics:     &Metrics{},
	}, logger
}

func TestService_EvictRate_Success(t *testing.T) {
	svc, logger := setupTestService()
	ctx := context.Background()

	attrs := models.RateAttributes{Period: "2026-09", Hotel: "H1", Room: "STD"}
	key := models.CacheKey(attrs)
	staleKey := models.StaleKey(key)

	if _, err := svc.store.Set(ctx, key, []byte(`{"rates":[{"rate":100}]}`), time.Minute, false); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	if _, err := svc.store.Set(ctx, staleKey, []byte(`{"rates":[{"rate":100}]}`), time.Hour, false); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	resp, err := svc.EvictRate(ctx, &EvictRateRequest{
		Period:      attrs.Period,
		Hotel:       attrs.Hotel,
		Room:        attrs.Room,
		TriggeredBy: "test-admin",
		RequestID:   "req-1",
	})
	if err != nil {
		t.Fatalf("EvictRate failed: %v", err)
	}
	if !resp.Success {
		t.Error("expected Success=true")
	}
	if resp.Key != key {
		t.Errorf("expected key %s, got %s", key, resp.Key)
	}

	if _, ok, _ := svc.store.Get(ctx, key); ok {
		t.Error("fresh entry should have been evicted")
	}
	if _, ok, _ := svc.store.Get(ctx, staleKey); ok {
		t.Error("stale entry should have been evicted")
	}

	deadline := time.After(time.Second)
	for logger.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("audit log entry was never recorded")
		case <-time.After(time.Millisecond):
		}
	}

	if svc.metrics.TotalEvictions.Load() != 1 {
		t.Errorf("expected 1 eviction metric, got %d", svc.metrics.TotalEvictions.Load())
	}
}

func TestService_EvictRate_Idempotent(t *testing.T) {
	svc, _ := setupTestService()
	ctx := context.Background()

	// Evicting an absent key is a success, not an error.
	resp, err := svc.EvictRate(ctx, &EvictRateRequest{Hotel: "H1", TriggeredBy: "test"})
	if err != nil {
		t.Fatalf("EvictRate on absent key failed: %v", err)
	}
	if !resp.Success {
		t.Error("expected Success=true for absent key")
	}
}

func TestService_EvictRate_RequiresAttribute(t *testing.T) {
	svc, _ := setupTestService()
	ctx := context.Background()

	_, err := svc.EvictRate(ctx, &EvictRateRequest{TriggeredBy: "test"})
	if err == nil {
		t.Error("expected error when no attribute is provided")
	}
}

func TestService_EvictRate_DefaultsTriggeredByAndRequestID(t *testing.T) {
	svc, _ := setupTestService()
	ctx := context.Background()

	resp, err := svc.EvictRate(ctx, &EvictRateRequest{Room: "STD"})
	if err != nil {
		t.Fatalf("EvictRate failed: %v", err)
	}
	if resp.RequestID == "" {
		t.Error("expected a generated request ID")
	}
}

func TestService_GetAuditLogs_Pagination(t *testing.T) {
	svc, logger := setupTestService()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		logger.Insert(ctx, AuditLog{
			Key:         fmt.Sprintf("pricing:key-%d", i),
			TriggeredBy: "test",
			Timestamp:   time.Now(),
			RequestID:   fmt.Sprintf("req-%d", i),
		})
	}

	resp, err := svc.GetAuditLogs(ctx, &GetAuditLogsRequest{Limit: 5, Offset: 0})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(resp.Logs) != 5 {
		t.Errorf("expected 5 logs, got %d", len(resp.Logs))
	}
	if !resp.HasMore {
		t.Error("expected HasMore=true")
	}
	if resp.TotalCount != 10 {
		t.Errorf("expected TotalCount=10, got %d", resp.TotalCount)
	}

	resp, err = svc.GetAuditLogs(ctx, &GetAuditLogsRequest{Limit: 5, Offset: 5})
	if err != nil {
		t.Fatalf("GetAuditLogs page 2 failed: %v", err)
	}
	if len(resp.Logs) != 5 {
		t.Errorf("expected 5 logs on second page, got %d", len(resp.Logs))
	}
	if resp.HasMore {
		t.Error("expected HasMore=false on last page")
	}
}

func TestService_GetAuditLogs_DefaultsLimit(t *testing.T) {
	svc, _ := setupTestService()
	ctx := context.Background()

	resp, err := svc.GetAuditLogs(ctx, &GetAuditLogsRequest{Limit: -1})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(resp.Logs) != 0 {
		t.Errorf("expected no logs on empty store, got %d", len(resp.Logs))
	}
}

func TestService_GetMetrics(t *testing.T) {
	svc, _ := setupTestService()
	ctx := context.Background()

	svc.EvictRate(ctx, &EvictRateRequest{Hotel: "H1", TriggeredBy: "test"})
	svc.EvictRate(ctx, &EvictRateRequest{Hotel: "H2", TriggeredBy: "test"})

	metrics, err := svc.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if metrics.TotalEvictions != 2 {
		t.Errorf("expected 2 total evictions, got %d", metrics.TotalEvictions)
	}
}

func TestService_EvictRate_Concurrent(t *testing.T) {
	svc, _ := setupTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	concurrency := 50

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.EvictRate(ctx, &EvictRateRequest{
				Hotel:       fmt.Sprintf("H%d", i),
				TriggeredBy: "concurrent-test",
			})
		}(i)
	}
	wg.Wait()

	if got := svc.metrics.TotalEvictions.Load(); got != int64(concurrency) {
		t.Errorf("expected %d evictions, got %d", concurrency, got)
	}
}
