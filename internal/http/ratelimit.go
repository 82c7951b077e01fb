package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked senders so rotating ids cannot
// exhaust memory.
const maxTrackedKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter with a bounded key set.
// Safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewRateLimiter allows rpm requests per minute per key with the given burst.
// rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rpmLimit(rpm),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func rpmLimit(rpm int) rate.Limit {
	if rpm <= 0 {
		return 0
	}
	return rate.Limit(float64(rpm) / 60)
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit > 0
}

// SetRPM changes the rate for every tracked and future key. rpm <= 0 disables
// limiting and forgets all tracked keys.
func (r *RateLimiter) SetRPM(rpm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = rpmLimit(rpm)
	if r.limit == 0 {
		clear(r.entries)
		return
	}
	for _, e := range r.entries {
		e.limiter.SetLimitAt(r.now(), r.limit)
	}
}

// Allow reports whether key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit <= 0 {
		return true
	}

	now := r.now()
	if _, ok := r.entries[key]; !ok && len(r.entries) >= maxTrackedKeys {
		r.pruneLocked(now)
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// pruneLocked drops keys idle for more than a minute, then evicts arbitrary
// keys until there is room. Caller holds r.mu.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= time.Minute {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxTrackedKeys {
		for k := range r.entries {
			delete(r.entries, k)
			break
		}
	}
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
