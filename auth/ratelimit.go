package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketChat is the rate-limit bucket covering /chat.
const BucketChat = "chat"

// Decision is the outcome of one rate-limit check. ResetAt is when a
// denied caller may try again.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-(userId, bucket) token-bucket policy.
// Entries idle past the eviction window are dropped to bound memory.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	perMinute int
	burst     int
	idleEvict time.Duration
}

// NewRateLimiter creates a limiter allowing perMinute requests with the
// given burst per user per bucket.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		entries:   make(map[string]*limiterEntry),
		perMinute: perMinute,
		burst:     burst,
		idleEvict: 10 * time.Minute,
	}
}

// Allow consumes one token for (userID, bucket) and reports the
// decision.
func (r *RateLimiter) Allow(userID, bucket string) Decision {
	key := userID + "|" + bucket
	now := time.Now()

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(r.perMinute)/60.0), r.burst),
		}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	if len(r.entries) > 1 && len(r.entries)%256 == 0 {
		r.evictIdleLocked(now)
	}
	r.mu.Unlock()

	allowed := entry.limiter.Allow()
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now
	if !allowed {
		// Time until one token refills.
		perToken := time.Duration(float64(time.Minute) / float64(r.perMinute))
		resetAt = now.Add(perToken)
	}
	return Decision{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
}

func (r *RateLimiter) evictIdleLocked(now time.Time) {
	for key, entry := range r.entries {
		if now.Sub(entry.lastSeen) > r.idleEvict {
			delete(r.entries, key)
		}
	}
}

// Size reports the number of tracked (user, bucket) pairs.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
