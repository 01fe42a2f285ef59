package orchestration

import (
	"testing"
	"time"
)

func TestPlanCacheHitReturnsFreshClone(t *testing.T) {
	cache := NewPlanCache(10, time.Minute)
	plan := chainPlan()
	_ = plan.NormalizeExecutionOrder()
	cache.Set("habit-tracker", "log coding", plan)

	cached, ok := cache.Get("habit-tracker", "log coding")
	if !ok {
		t.Fatal("expected a hit")
	}
	if cached.ID == plan.ID {
		t.Error("cached plan must carry a fresh id")
	}
	if len(cached.ToolCalls) != len(plan.ToolCalls) {
		t.Errorf("clone lost calls: %d", len(cached.ToolCalls))
	}

	// Mutating the returned plan must not poison the cache.
	cached.ToolCalls[0].Params["name"] = "mutated"
	again, _ := cache.Get("habit-tracker", "log coding")
	if again.ToolCalls[0].Params["name"] == "mutated" {
		t.Error("cache entry shares state with a returned clone")
	}
}

func TestPlanCacheKeyNormalization(t *testing.T) {
	cache := NewPlanCache(10, time.Minute)
	plan := chainPlan()
	_ = plan.NormalizeExecutionOrder()
	cache.Set("habit-tracker", "Log Coding", plan)

	if _, ok := cache.Get("habit-tracker", "  log coding "); !ok {
		t.Error("lookup must be case- and whitespace-insensitive")
	}
	if _, ok := cache.Get("calendar", "log coding"); ok {
		t.Error("different service must miss")
	}
}

func TestPlanCacheExpiry(t *testing.T) {
	cache := NewPlanCache(10, 20*time.Millisecond)
	plan := chainPlan()
	_ = plan.NormalizeExecutionOrder()
	cache.Set("habit-tracker", "log coding", plan)

	time.Sleep(40 * time.Millisecond)
	if _, ok := cache.Get("habit-tracker", "log coding"); ok {
		t.Error("expired plan must not be served")
	}
}

func TestPlanCacheEvictsAtCapacity(t *testing.T) {
	cache := NewPlanCache(2, time.Minute)
	plan := chainPlan()
	_ = plan.NormalizeExecutionOrder()

	cache.Set("svc", "one", plan)
	cache.Set("svc", "two", plan)
	cache.Set("svc", "three", plan)

	stats := cache.Stats()
	if stats.Size > 2 {
		t.Errorf("size = %d, want <= 2", stats.Size)
	}
	if stats.Evictions == 0 {
		t.Error("expected an eviction")
	}
}

func TestPlanCacheStatsCounters(t *testing.T) {
	cache := NewPlanCache(10, time.Minute)
	plan := chainPlan()
	_ = plan.NormalizeExecutionOrder()

	cache.Get("svc", "nope")
	cache.Set("svc", "yes", plan)
	cache.Get("svc", "yes")

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
