package warming

import (
	"context"
	"sort"
	"time"

	"pricingcache.app/pkg/models"
)

// Strategy defines the interface for cache warming strategies.
// Different strategies determine which keys to warm and in what order.
type Strategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error)
}

// PlanOptions provides input parameters for warming strategy planning.
type PlanOptions struct {
	Keys     []string          // Keys to consider for warming
	Priority int               // Base priority level
	Limit    int               // Maximum number of tasks to generate
	Metadata map[string]string // Additional strategy-specific metadata

	// AttrsOf resolves an opaque cache key back to the pricing tuple it was
	// derived from (see rateOriginFetcher.attrsFor). Pricing keys are
	// SHA-256 hashes with no wildcard structure, so strategies that used to
	// read hierarchy out of the key text itself (colon depth, substrings)
	// fall back to that legacy heuristic when AttrsOf is nil or can't
	// resolve a given key.
	AttrsOf func(key string) (models.RateAttributes, bool)
}

// WarmTask represents a single cache warming task.
type WarmTask struct {
	Key           string        // Cache key to warm
	Priority      int           // Task priority (higher = more important)
	EstimatedCost int           // Estimated cost in milliseconds
	TTL           time.Duration // Cache TTL for this key
	Strategy      string        // Strategy that created this task
	Metadata      map[string]interface{} // Additional task metadata
}

// SelectiveHotKeysStrategy warms only the hottest keys based on access frequency.
// This strategy is efficient for high-traffic scenarios where most requests
// target a small subset of keys (Pareto principle / 80-20 rule).
type SelectiveHotKeysStrategy struct {
	name string
}

// NewSelectiveHotKeysStrategy creates a new selective hot keys strategy.
func NewSelectiveHotKeysStrategy() Strategy {
	return &SelectiveHotKeysStrategy{
		name: "selective",
	}
}

func (s *SelectiveHotKeysStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks for the hottest keys.
// Assumes keys are already sorted by hotness (most frequent first).
// Complexity: O(n) where n = min(len(keys), limit)
func (s *SelectiveHotKeysStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := opts.Limit
	if limit <= 0 || limit > len(opts.Keys) {
		limit = len(opts.Keys)
	}

	// Apply a reasonable cap to prevent runaway warming
	if limit > 1000 {
		limit = 1000
	}

	tasks := make([]WarmTask, 0, limit)
	
	// Take top N hottest keys
	for i := 0; i < limit && i < len(opts.Keys); i++ {
		key := opts.Keys[i]
		
		// Priority decreases for less hot keys
		priority := opts.Priority
		if opts.Priority == 0 {
			priority = 100 - (i * 100 / limit) // Linear decrease from 100 to 0
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key, opts.AttrsOf),
			TTL:           1 * time.Hour,
			Strategy:      s.name,
		})
	}

	return tasks, nil
}

// BreadthFirstStrategy orders warming by how specific a pricing tuple is:
// a bare hotel-level lookup (period/room unset) is warmed before a fully
// specified (period, hotel, room) tuple, on the theory that a coarse tuple
// backs more follower requests than a narrow one. Falls back to the
// teacher's colon-depth heuristic for any key AttrsOf can't resolve.
type BreadthFirstStrategy struct {
	name string
}

// NewBreadthFirstStrategy creates a new breadth-first strategy.
func NewBreadthFirstStrategy() Strategy {
	return &BreadthFirstStrategy{
		name: "breadth",
	}
}

func (s *BreadthFirstStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks in breadth-first order.
// Complexity: O(n log n) for sorting + O(n) for task generation
func (s *BreadthFirstStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	sortedKeys := make([]string, len(opts.Keys))
	copy(sortedKeys, opts.Keys)

	sort.Slice(sortedKeys, func(i, j int) bool {
		depthI := specificityOrDepth(sortedKeys[i], opts.AttrsOf)
		depthJ := specificityOrDepth(sortedKeys[j], opts.AttrsOf)
		if depthI == depthJ {
			return sortedKeys[i] < sortedKeys[j] // Alphabetical for same depth
		}
		return depthI < depthJ // Coarser (shallower) tuples first
	})

	limit := opts.Limit
	if limit <= 0 || limit > len(sortedKeys) {
		limit = len(sortedKeys)
	}

	tasks := make([]WarmTask, 0, limit)

	for i := 0; i < limit && i < len(sortedKeys); i++ {
		key := sortedKeys[i]
		depth := specificityOrDepth(key, opts.AttrsOf)

		// Higher priority for coarser (parent) tuples
		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (depth * 10)
			if priority < 0 {
				priority = 0
			}
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key, opts.AttrsOf),
			TTL:           1 * time.Hour,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"depth": depth,
			},
		})
	}

	return tasks, nil
}

// keyDepth calculates the hierarchical depth of a key based on separator
// count. Kept as the fallback ordering for any key that AttrsOf can't
// resolve back to a pricing tuple (e.g. in tests that exercise the
// strategies directly against synthetic keys).
func keyDepth(key string) int {
	depth := 0
	for _, ch := range key {
		if ch == ':' {
			depth++
		}
	}
	return depth
}

// tupleSpecificity counts how many of the three pricing attributes are set,
// 0 (fully wildcard) through 3 (fully specified).
func tupleSpecificity(attrs models.RateAttributes) int {
	n := 0
	if attrs.Period != "" {
		n++
	}
	if attrs.Hotel != "" {
		n++
	}
	if attrs.Room != "" {
		n++
	}
	return n
}

// specificityOrDepth resolves key to a pricing tuple via attrsOf and
// returns its specificity; if attrsOf is nil or can't resolve the key, it
// falls back to keyDepth so non-pricing test keys still order sensibly.
func specificityOrDepth(key string, attrsOf func(string) (models.RateAttributes, bool)) int {
	if attrsOf != nil {
		if attrs, ok := attrsOf(key); ok {
			return tupleSpecificity(attrs)
		}
	}
	return keyDepth(key)
}

// PriorityBasedStrategy warms keys based on a calculated priority score.
// Score = (importance * hotness) / cost
// This balances multiple factors to optimize warming efficiency.
type PriorityBasedStrategy struct {
	name string
}

// NewPriorityBasedStrategy creates a new priority-based strategy.
func NewPriorityBasedStrategy() Strategy {
	return &PriorityBasedStrategy{
		name: "priority",
	}
}

func (s *PriorityBasedStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks sorted by calculated priority score.
// Complexity: O(n log n) for sorting
func (s *PriorityBasedStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	// Create tasks with calculated priorities
	tasks := make([]WarmTask, 0, len(opts.Keys))
	
	for i, key := range opts.Keys {
		cost := estimateFetchCost(key, opts.AttrsOf)
		
		// Calculate importance (decreases with position in list)
		importance := float64(len(opts.Keys)-i) / float64(len(opts.Keys))
		
		// Calculate hotness (assume keys are ordered by access frequency)
		hotness := 1.0
		if i < len(opts.Keys)/10 {
			hotness = 2.0 // Top 10% get double weight
		}
		
		// Priority score: higher importance and hotness, lower cost = higher priority
		score := (importance * hotness * 100) / float64(cost)
		priority := int(score)
		
		// Clamp to 0-100 range
		if priority > 100 {
			priority = 100
		}
		if priority < 0 {
			priority = 0
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: cost,
			TTL:           1 * time.Hour,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"importance": importance,
				"hotness":    hotness,
				"score":      score,
			},
		})
	}

	// Sort by priority (highest first)
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	// Apply limit
	limit := opts.Limit
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// estimateFetchCost estimates the cost (in milliseconds) to fetch a key from
// origin. When the key resolves to a pricing tuple, the cost reflects how
// much the oracle has to aggregate: a wildcard hotel or room means the
// origin call fans out across more rooms/rates than a fully specified
// tuple. Falls back to the teacher's length/depth heuristic otherwise.
func estimateFetchCost(key string, attrsOf func(string) (models.RateAttributes, bool)) int {
	if attrsOf != nil {
		if attrs, ok := attrsOf(key); ok {
			cost := 50
			if attrs.Hotel == "" {
				cost += 150
			}
			if attrs.Room == "" {
				cost += 80
			}
			return cost
		}
	}

	cost := 50

	if len(key) > 50 {
		cost += 20
	}

	depth := keyDepth(key)
	cost += depth * 10

	return cost
}