package invalidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"pricingcache.app/pkg/models"
)

// AuditLog records one forced eviction for audit trail and compliance.
type AuditLog struct {
	ID          int64                 `json:"id"`
	Key         string                `json:"key"`         // The evicted cache key
	Attributes  models.RateAttributes `json:"attributes"`   // The tuple the key was derived from
	TriggeredBy string                `json:"triggered_by"` // Source: admin, operator, etc.
	Timestamp   time.Time             `json:"timestamp"`
	RequestID   string                `json:"request_id"` // Correlation ID for tracing
	Latency     int64                 `json:"latency"`     // Eviction latency in milliseconds
}

// AuditLogger provides persistent storage of eviction events.
//
// Design decisions:
// - PostgreSQL for ACID compliance and audit integrity
// - Rows are never updated; Cleanup deletes rows past the retention age
// - Indexed by timestamp for efficient time-range queries
// - JSONB for the attribute tuple so it survives without schema changes
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates a new audit logger with database connection.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}

	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return logger, nil
}

// ensureSchema creates the audit log table if it doesn't exist.
func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS invalidation_audit (
			id BIGSERIAL PRIMARY KEY,
			key TEXT NOT NULL,
			attributes JSONB,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_timestamp
		ON invalidation_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_key
		ON invalidation_audit(key);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_triggered_by
		ON invalidation_audit(triggered_by);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_request_id
		ON invalidation_audit(request_id);
	`

	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert adds a new audit log entry.
//
// Complexity: O(1) with index overhead
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	attrsJSON, err := json.Marshal(log.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO invalidation_audit
		(key, attributes, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`

	_, err = al.db.Exec(ctx, query,
		log.Key,
		attrsJSON,
		log.TriggeredBy,
		log.Timestamp,
		log.RequestID,
		log.Latency,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// GetRecent retrieves recent audit logs with pagination, optionally filtered
// by a substring of the evicted key.
//
// Complexity: O(limit) with index scan
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, keyFilter string) ([]AuditLog, error) {
	var query string
	var args []interface{}

	if keyFilter != "" {
		query = `
			SELECT id, key, attributes, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			WHERE key LIKE $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`
		args = []interface{}{"%" + keyFilter + "%", limit, offset}
	} else {
		query = `
			SELECT id, key, attributes, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`
		args = []interface{}{limit, offset}
	}

	rows, err := al.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}

// GetCount returns the total number of audit logs, optionally filtered by a
// substring of the evicted key.
func (al *AuditLogger) GetCount(ctx context.Context, keyFilter string) (int, error) {
	var query string
	var args []interface{}
	var count int

	if keyFilter != "" {
		query = `SELECT COUNT(*) FROM invalidation_audit WHERE key LIKE $1`
		args = []interface{}{"%" + keyFilter + "%"}
	} else {
		query = `SELECT COUNT(*) FROM invalidation_audit`
	}

	err := al.db.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return count, nil
}

// GetByRequestID retrieves audit logs by request ID for tracing.
func (al *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	query := `
		SELECT id, key, attributes, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`

	rows, err := al.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by request ID: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0)
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}

// GetByTimeRange retrieves audit logs within a time range.
func (al *AuditLogger) GetByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]AuditLog, error) {
	query := `
		SELECT id, key, attributes, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE timestamp BETWEEN $1 AND $2
		ORDER BY timestamp DESC
		LIMIT $3
	`

	rows, err := al.db.Query(ctx, query, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by time range: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}

// scanAuditLog scans one row shared by GetRecent/GetByRequestID/GetByTimeRange.
func scanAuditLog(rows interface {
	Scan(dest ...any) error
}) (AuditLog, error) {
	var log AuditLog
	var attrsJSON []byte

	err := rows.Scan(
		&log.ID,
		&log.Key,
		&attrsJSON,
		&log.TriggeredBy,
		&log.Timestamp,
		&log.RequestID,
		&log.Latency,
	)
	if err != nil {
		return AuditLog{}, fmt.Errorf("failed to scan audit log: %w", err)
	}

	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &log.Attributes); err != nil {
			log.Attributes = models.RateAttributes{}
		}
	}

	return log, nil
}

// AuditStats summarizes recent eviction activity.
type AuditStats struct {
	TotalEvictions  int64            `json:"total_evictions"`
	BySource        map[string]int64 `json:"by_source"`
	AvgLatency      float64          `json:"avg_latency_ms"`
	MostFrequentKey string           `json:"most_frequent_key"`
}

// GetStats aggregates eviction counts, per-source breakdown, average
// latency, and the most frequently evicted key since the given time.
func (al *AuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{
		BySource: make(map[string]int64),
	}

	query := `
		SELECT
			COUNT(*) as total,
			COALESCE(AVG(latency_ms), 0) as avg_latency
		FROM invalidation_audit
		WHERE timestamp >= $1
	`

	err := al.db.QueryRow(ctx, query, since).Scan(&stats.TotalEvictions, &stats.AvgLatency)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get total stats: %w", err)
	}

	sourceQuery := `
		SELECT triggered_by, COUNT(*) as count
		FROM invalidation_audit
		WHERE timestamp >= $1
		GROUP BY triggered_by
	`

	rows, err := al.db.Query(ctx, sourceQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get source breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			continue
		}
		stats.BySource[source] = count
	}

	keyQuery := `
		SELECT key, COUNT(*) as frequency
		FROM invalidation_audit
		WHERE timestamp >= $1
		GROUP BY key
		ORDER BY frequency DESC
		LIMIT 1
	`

	var frequency int64
	err = al.db.QueryRow(ctx, keyQuery, since).Scan(&stats.MostFrequentKey, &frequency)
	if err != nil && err != sql.ErrNoRows {
		stats.MostFrequentKey = ""
	}

	return stats, nil
}

// Cleanup removes audit logs older than the specified duration.
// This should be run periodically to prevent unbounded growth.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `DELETE FROM invalidation_audit WHERE timestamp < $1`

	result, err := al.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	rowsAffected := result.RowsAffected()
	return rowsAffected, nil
}
