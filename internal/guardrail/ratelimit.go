package guardrail

import (
	"sync"
	"time"
)

// RateLimitResult is returned by RateLimiter.Allow.
type RateLimitResult struct {
	Allowed      bool
	RetryAfterMs int64
}

// RateLimiter is a per-key sliding-window limiter for exec-approval requests.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter builds a limiter allowing limit events per window, per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

// DefaultRateLimiter returns a limiter defaulting to 60 events/minute.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(60, time.Minute)
}

// Allow records one attempt for key at now and reports whether it's within
// the sliding window, along with a retryAfterMs when denied.
func (r *RateLimiter) Allow(key string, now time.Time) RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	existing := r.hits[key]
	kept := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		oldest := kept[0]
		retryAfter := oldest.Add(r.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		r.hits[key] = kept
		return RateLimitResult{Allowed: false, RetryAfterMs: retryAfter.Milliseconds()}
	}

	kept = append(kept, now)
	r.hits[key] = kept
	return RateLimitResult{Allowed: true}
}
