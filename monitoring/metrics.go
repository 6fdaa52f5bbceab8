package monitoring

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector aggregates the coordination events the pricing service
// publishes: circuit breaker transitions, lock losses, and follower
// timeouts. It has no notion of cache hit/miss counters or request
// latency — the pricing service does not publish either, and monitoring
// only ever sees what crosses Pub/Sub (spec.md §9's per-process breaker
// scope means monitoring observes state transitions, not raw traffic).
//
// Design: atomic counters for the high-frequency tallies, a bounded ring
// buffer for the one numeric distribution worth tracking (follower retry
// counts), and a time-bucketed series for windowed range queries.
type MetricsCollector struct {
	breakerOpens    atomic.Int64
	breakerCloses   atomic.Int64
	breakerHalfOpen atomic.Int64
	lockLost        atomic.Int64
	followerTimeout atomic.Int64

	retryBuffer *RingBuffer
	timeSeries  *TimeSeries

	config Config
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config Config) *MetricsCollector {
	return &MetricsCollector{
		retryBuffer: NewRingBuffer(10000),
		timeSeries:  NewTimeSeries(config.MetricsRetention),
		config:      config,
	}
}

// RecordBreakerTransition tallies a breaker state change and buckets it
// into the time series for windowed queries.
func (mc *MetricsCollector) RecordBreakerTransition(to string, at time.Time) {
	switch to {
	case "open":
		mc.breakerOpens.Add(1)
	case "closed":
		mc.breakerCloses.Add(1)
	case "half_open":
		mc.breakerHalfOpen.Add(1)
	}
	mc.timeSeries.Add(bucketEvent{kind: eventBreakerOpen, at: at, matches: to == "open"})
}

// RecordLockLost tallies a lock-loss signal.
func (mc *MetricsCollector) RecordLockLost(at time.Time) {
	mc.lockLost.Add(1)
	mc.timeSeries.Add(bucketEvent{kind: eventLockLost, at: at, matches: true})
}

// RecordFollowerTimeout tallies a follower falling through to fallback and
// records its retry count in the distribution buffer.
func (mc *MetricsCollector) RecordFollowerTimeout(retries int, at time.Time) {
	mc.followerTimeout.Add(1)
	mc.retryBuffer.Add(float64(retries), at)
	mc.timeSeries.Add(bucketEvent{kind: eventFollowerTimeout, at: at, matches: true})
}

// GetCounters returns current counter values.
func (mc *MetricsCollector) GetCounters() Counters {
	return Counters{
		BreakerOpens:    mc.breakerOpens.Load(),
		BreakerCloses:   mc.breakerCloses.Load(),
		BreakerHalfOpen: mc.breakerHalfOpen.Load(),
		LockLost:        mc.lockLost.Load(),
		FollowerTimeout: mc.followerTimeout.Load(),
	}
}

// GetRetryStats returns percentile statistics over follower retry counts.
func (mc *MetricsCollector) GetRetryStats() LatencyStats {
	samples := mc.retryBuffer.GetAll()
	if len(samples) == 0 {
		return LatencyStats{}
	}
	return calculateLatencyStats(samples)
}

// Counters holds all counter metrics.
type Counters struct {
	BreakerOpens    int64
	BreakerCloses   int64
	BreakerHalfOpen int64
	LockLost        int64
	FollowerTimeout int64
}

// LatencyStats holds percentile statistics over a numeric sample
// distribution. Named for the teacher's original latency use case; here it
// carries follower-retry-count percentiles instead.
type LatencyStats struct {
	Min   float64
	Max   float64
	Avg   float64
	P50   float64
	P90   float64
	P95   float64
	P99   float64
	Count int
}

// RingBuffer is a lock-free circular buffer for numeric samples.
//
// Complexity: Add O(1), GetAll O(n) where n = buffer size.
type RingBuffer struct {
	buffer []Sample
	head   atomic.Uint64
	tail   atomic.Uint64
	size   uint64
	mu     sync.RWMutex // only for GetAll, to prevent concurrent reads racing writers
}

// Sample represents a single numeric sample.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]Sample, size),
		size:   uint64(size),
	}
}

// Add adds a sample to the ring buffer using a CAS loop to claim a slot.
func (rb *RingBuffer) Add(value float64, timestamp time.Time) {
	for {
		head := rb.head.Load()
		nextHead := (head + 1) % rb.size

		if rb.head.CompareAndSwap(head, nextHead) {
			rb.buffer[head] = Sample{Value: value, Timestamp: timestamp}

			// Only a full buffer (head catching up with tail) moves tail,
			// dropping the oldest sample.
			for {
				tail := rb.tail.Load()
				if nextHead != tail {
					break
				}
				if rb.tail.CompareAndSwap(tail, (tail+1)%rb.size) {
					break
				}
			}
			return
		}
	}
}

// GetAll returns all samples currently in the buffer.
func (rb *RingBuffer) GetAll() []Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	head := rb.head.Load()
	tail := rb.tail.Load()

	if head == tail {
		return []Sample{}
	}

	size := (head - tail) % rb.size
	if size == 0 {
		size = rb.size
	}

	result := make([]Sample, 0, size)
	for i := tail; i != head; i = (i + 1) % rb.size {
		result = append(result, rb.buffer[i])
	}
	return result
}

// calculateLatencyStats computes percentile statistics from samples.
func calculateLatencyStats(samples []Sample) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	values := make([]float64, len(samples))
	sum := 0.0
	min := math.MaxFloat64
	max := 0.0

	for i, sample := range samples {
		values[i] = sample.Value
		sum += sample.Value
		if sample.Value < min {
			min = sample.Value
		}
		if sample.Value > max {
			max = sample.Value
		}
	}

	sort.Float64s(values)

	return LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P90:   percentile(values, 0.90),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		Count: len(values),
	}
}

// percentile calculates the p-th percentile of sorted values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	index := p * float64(len(values)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return values[lower]
	}

	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

// eventKind distinguishes the three coordination events monitoring tracks.
type eventKind int

const (
	eventBreakerOpen eventKind = iota
	eventLockLost
	eventFollowerTimeout
)

type bucketEvent struct {
	kind    eventKind
	at      time.Time
	matches bool
}

// TimeSeries stores coordination events in time-ordered 1-second buckets
// for windowed range queries.
type TimeSeries struct {
	mu          sync.RWMutex
	buckets     map[int64]*Bucket
	retention   time.Duration
	lastCleanup time.Time
}

// Bucket holds event counts for a 1-second time window.
type Bucket struct {
	Timestamp       time.Time
	BreakerOpens    int64
	LockLost        int64
	FollowerTimeout int64
}

// NewTimeSeries creates a new time series store.
func NewTimeSeries(retention time.Duration) *TimeSeries {
	return &TimeSeries{
		buckets:     make(map[int64]*Bucket),
		retention:   retention,
		lastCleanup: time.Now(),
	}
}

// Add adds an event to the time series.
func (ts *TimeSeries) Add(event bucketEvent) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	bucketKey := event.at.Unix()
	bucket, exists := ts.buckets[bucketKey]
	if !exists {
		bucket = &Bucket{Timestamp: time.Unix(bucketKey, 0)}
		ts.buckets[bucketKey] = bucket
	}

	if event.matches {
		switch event.kind {
		case eventBreakerOpen:
			bucket.BreakerOpens++
		case eventLockLost:
			bucket.LockLost++
		case eventFollowerTimeout:
			bucket.FollowerTimeout++
		}
	}

	if time.Since(ts.lastCleanup) > 1*time.Minute {
		ts.cleanup()
		ts.lastCleanup = time.Now()
	}
}

// GetRange returns buckets within a time range, sorted by timestamp.
func (ts *TimeSeries) GetRange(start, end time.Time) []*Bucket {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	result := make([]*Bucket, 0)
	startKey := start.Unix()
	endKey := end.Unix()

	for key, bucket := range ts.buckets {
		if key >= startKey && key <= endKey {
			result = append(result, bucket)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result
}

// cleanup removes buckets older than the retention period.
func (ts *TimeSeries) cleanup() {
	cutoff := time.Now().Add(-ts.retention).Unix()
	for key := range ts.buckets {
		if key < cutoff {
			delete(ts.buckets, key)
		}
	}
}
