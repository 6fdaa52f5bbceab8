package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dashboard provides a rendered summary of the fleet's coordination health:
// breaker/lock/follower rates over a window, a trend against the prior
// window, and a synthesized health score. It intentionally does not carry
// the teacher's heatmap, CSV/Prometheus export, or SSE streaming endpoints —
// three coordination counters over a bounded number of processes don't
// justify that surface; GetOverview and GetAlerts cover what an operator
// needs to see.
type Dashboard struct {
	aggregator *Aggregator
	collector  *MetricsCollector
	alertMgr   *AlertManager
	detector   *AnomalyDetector
}

// NewDashboard creates a new dashboard instance.
func NewDashboard(aggregator *Aggregator, collector *MetricsCollector, alertMgr *AlertManager) *Dashboard {
	return &Dashboard{
		aggregator: aggregator,
		collector:  collector,
		alertMgr:   alertMgr,
		detector:   aggregator.detector,
	}
}

// GetOverviewRequest scopes the overview to a lookback window.
type GetOverviewRequest struct {
	TimeRange time.Duration `json:"time_range"`
}

// GetOverviewResponse is the rendered dashboard payload.
type GetOverviewResponse struct {
	Summary         SummaryStats `json:"summary"`
	Timeline        []TimelinePoint `json:"timeline"`
	SystemHealth    SystemHealth `json:"system_health"`
	RecentAlerts    []Alert      `json:"recent_alerts"`
	RecentAnomalies []Anomaly    `json:"recent_anomalies"`
}

// SummaryStats condenses the current window's coordination-event rates plus
// trend arrows against the prior window of the same length.
type SummaryStats struct {
	BreakerOpenRate     float64 `json:"breaker_open_rate"`
	LockLost            int64   `json:"lock_lost"`
	FollowerTimeouts    int64   `json:"follower_timeouts"`
	AvgFollowerRetries  float64 `json:"avg_follower_retries"`
	TrendBreakerOpen    string  `json:"trend_breaker_open"` // "up", "down", "stable"
	TrendLockLost       string  `json:"trend_lock_lost"`
	TrendFollowerTimeout string `json:"trend_follower_timeout"`
}

// TimelinePoint is one bucket in the overview's timeline chart.
type TimelinePoint struct {
	Timestamp        time.Time `json:"timestamp"`
	BreakerOpenRate  float64   `json:"breaker_open_rate"`
	LockLost         int64     `json:"lock_lost"`
	FollowerTimeouts int64     `json:"follower_timeouts"`
}

// SystemHealth is a synthesized 0-100 score derived from how far the
// current window's rates sit above their alert thresholds.
type SystemHealth struct {
	Status          string        `json:"status"` // "healthy", "degraded", "critical"
	Score           float64       `json:"score"`
	Issues          []HealthIssue `json:"issues"`
	Recommendations []string      `json:"recommendations"`
}

// HealthIssue names one contributor to a degraded SystemHealth score.
type HealthIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Impact   string `json:"impact"`
}

// GetOverview renders the dashboard overview.
//
//encore:api public method=POST path=/monitoring/dashboard/overview
func GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	if svc == nil || svc.collector == nil {
		return nil, errors.New("service not initialized")
	}

	dashboard := NewDashboard(svc.aggregator, svc.collector, svc.alertMgr)
	return dashboard.GetOverview(ctx, req)
}

func (d *Dashboard) GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	timeRange := req.TimeRange
	if timeRange == 0 {
		timeRange = 1 * time.Hour
	}

	now := time.Now()
	startTime := now.Add(-timeRange)

	currentStats := d.aggregator.GetStats(startTime, now)

	previousStart := startTime.Add(-timeRange)
	previousStats := d.aggregator.GetStats(previousStart, startTime)

	summary := SummaryStats{
		BreakerOpenRate:      currentStats.BreakerOpenRate,
		LockLost:             currentStats.LockLost,
		FollowerTimeouts:     currentStats.FollowerTimeouts,
		AvgFollowerRetries:   currentStats.AvgFollowerRetries,
		TrendBreakerOpen:     calculateTrend(currentStats.BreakerOpenRate, previousStats.BreakerOpenRate),
		TrendLockLost:        calculateTrend(float64(currentStats.LockLost), float64(previousStats.LockLost)),
		TrendFollowerTimeout: calculateTrend(float64(currentStats.FollowerTimeouts), float64(previousStats.FollowerTimeouts)),
	}

	timeline := d.generateTimeline(startTime, now, 60)
	systemHealth := d.calculateSystemHealth(currentStats)

	recentAlerts := d.alertMgr.GetRecentResolvedAlerts(5)
	activeAlerts := d.alertMgr.GetActiveAlerts()
	recentAlerts = append(activeAlerts, recentAlerts...)

	recentAnomalies := d.detector.GetRecentAnomalies(timeRange)

	return &GetOverviewResponse{
		Summary:         summary,
		Timeline:        timeline,
		SystemHealth:    systemHealth,
		RecentAlerts:    recentAlerts,
		RecentAnomalies: recentAnomalies,
	}, nil
}

// generateTimeline buckets [start, end] into n equal points.
func (d *Dashboard) generateTimeline(start, end time.Time, points int) []TimelinePoint {
	if points <= 0 {
		return nil
	}

	duration := end.Sub(start)
	interval := duration / time.Duration(points)
	if interval <= 0 {
		return nil
	}

	timeline := make([]TimelinePoint, 0, points)
	current := start
	for i := 0; i < points; i++ {
		next := current.Add(interval)
		stats := d.aggregator.GetStats(current, next)
		timeline = append(timeline, TimelinePoint{
			Timestamp:        next,
			BreakerOpenRate:  stats.BreakerOpenRate,
			LockLost:         stats.LockLost,
			FollowerTimeouts: stats.FollowerTimeouts,
		})
		current = next
	}

	return timeline
}

// calculateSystemHealth scores the fleet 0-100 by penalizing rates that
// exceed the same thresholds the alert rules use, then walking that back
// into a status label and human-readable issues.
func (d *Dashboard) calculateSystemHealth(stats AggregatedStats) SystemHealth {
	score := 100.0
	issues := make([]HealthIssue, 0)
	recommendations := make([]string, 0)

	if stats.BreakerOpenRate > 0.30 {
		penalty := 30.0
		if stats.BreakerOpenRate > 0.60 {
			penalty = 50.0
		}
		score -= penalty
		issues = append(issues, HealthIssue{
			Type:     "breaker_open_rate",
			Severity: severityFor(stats.BreakerOpenRate, 0.30, 0.60),
			Message:  fmt.Sprintf("circuit breaker open rate at %.1f%%", stats.BreakerOpenRate*100),
			Impact:   "requests are served from stale cache or fail closed while the breaker is open",
		})
		recommendations = append(recommendations, "check upstream oracle health and error responses")
	}

	if stats.LockLost > 5 {
		penalty := 15.0
		if stats.LockLost > 15 {
			penalty = 30.0
		}
		score -= penalty
		issues = append(issues, HealthIssue{
			Type:     "lock_lost",
			Severity: severityFor(float64(stats.LockLost), 5, 15),
			Message:  fmt.Sprintf("%d lock losses in the window", stats.LockLost),
			Impact:   "leader election churn increases upstream call volume",
		})
		recommendations = append(recommendations, "check store latency and consider raising lock TTL")
	}

	if stats.FollowerTimeouts > 10 {
		penalty := 15.0
		if stats.FollowerTimeouts > 30 {
			penalty = 30.0
		}
		score -= penalty
		issues = append(issues, HealthIssue{
			Type:     "follower_timeout",
			Severity: severityFor(float64(stats.FollowerTimeouts), 10, 30),
			Message:  fmt.Sprintf("%d followers fell back to stale/unavailable in the window", stats.FollowerTimeouts),
			Impact:   "clients are receiving stale or unavailable responses instead of fresh rates",
		})
		recommendations = append(recommendations, "check leader compute latency and follower timeout configuration")
	}

	if score < 0 {
		score = 0
	}

	status := "healthy"
	switch {
	case score < 50:
		status = "critical"
	case score < 80:
		status = "degraded"
	}

	return SystemHealth{
		Status:          status,
		Score:           score,
		Issues:          issues,
		Recommendations: recommendations,
	}
}

func severityFor(value, warnAt, critAt float64) string {
	if value > critAt {
		return "critical"
	}
	if value > warnAt {
		return "warning"
	}
	return "low"
}

// calculateTrend classifies a percentage change between two values.
func calculateTrend(current, previous float64) string {
	if previous == 0 {
		if current == 0 {
			return "stable"
		}
		return "up"
	}

	pctChange := (current - previous) / previous
	switch {
	case pctChange > 0.10:
		return "up"
	case pctChange < -0.10:
		return "down"
	default:
		return "stable"
	}
}
