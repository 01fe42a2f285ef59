package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlanCacheStats reports cache effectiveness.
type PlanCacheStats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// PlanCache memoises validated plans keyed by (serviceId, message).
// Identical repeated messages skip the LLM planning round trip. Entries
// are short-lived because plans embed values extracted from relative
// phrasing such as "today".
type PlanCache struct {
	mu      sync.RWMutex
	items   map[string]*planCacheItem
	stats   PlanCacheStats
	maxSize int
	ttl     time.Duration
}

type planCacheItem struct {
	plan      *Plan
	expiresAt time.Time
}

// NewPlanCache creates a cache holding at most maxSize plans for ttl.
func NewPlanCache(maxSize int, ttl time.Duration) *PlanCache {
	if maxSize <= 0 {
		maxSize = 500
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PlanCache{
		items:   make(map[string]*planCacheItem),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func planCacheKey(serviceID, message string) string {
	sum := sha256.Sum256([]byte(serviceID + "\x00" + strings.ToLower(strings.TrimSpace(message))))
	return hex.EncodeToString(sum[:])
}

// Get returns a copy of a cached plan with a fresh plan id so each
// execution audits independently.
func (c *PlanCache) Get(serviceID, message string) (*Plan, bool) {
	key := planCacheKey(serviceID, message)

	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found || time.Now().After(item.expiresAt) {
		if found {
			delete(c.items, key)
			c.stats.Evictions++
		}
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return clonePlan(item.plan), true
}

// Set stores a validated plan. When full, one expired or arbitrary
// entry is evicted.
func (c *PlanCache) Set(serviceID, message string, plan *Plan) {
	key := planCacheKey(serviceID, message)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictOneLocked()
	}
	c.items[key] = &planCacheItem{plan: clonePlan(plan), expiresAt: time.Now().Add(c.ttl)}
}

func (c *PlanCache) evictOneLocked() {
	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			c.stats.Evictions++
			return
		}
	}
	for key := range c.items {
		delete(c.items, key)
		c.stats.Evictions++
		return
	}
}

// Clear drops every entry.
func (c *PlanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*planCacheItem)
}

// Stats returns a snapshot of the counters.
func (c *PlanCache) Stats() PlanCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

func clonePlan(plan *Plan) *Plan {
	clone := *plan
	clone.ID = uuid.New().String()
	clone.CreatedAt = time.Now()
	clone.ToolCalls = make([]ToolCall, len(plan.ToolCalls))
	for i, call := range plan.ToolCalls {
		copied := call
		copied.Params = deepCopyMap(call.Params)
		copied.DependsOn = append([]string(nil), call.DependsOn...)
		clone.ToolCalls[i] = copied
	}
	clone.ExecutionOrder = make([][]string, len(plan.ExecutionOrder))
	for i, group := range plan.ExecutionOrder {
		clone.ExecutionOrder[i] = append([]string(nil), group...)
	}
	return &clone
}

func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for key, value := range src {
		dst[key] = deepCopyValue(value)
	}
	return dst
}

func deepCopyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return deepCopyMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return value
	}
}
