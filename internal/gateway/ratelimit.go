package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a credential's bucket may sit unused before the
// cleanup pass reclaims it.
const limiterIdle = 10 * time.Minute

// RateLimiter enforces per-credential request rate limits using a token
// bucket per key. Idle buckets are reclaimed in the background.
type RateLimiter struct {
	limiters sync.Map // key → *limiterEntry
	r        rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter *rate.Limiter

	// lastSeen holds unix nanos, updated atomically: Allow runs on every
	// request while the cleanup pass reads concurrently.
	lastSeen atomic.Int64
}

func (e *limiterEntry) touch(now time.Time) { e.lastSeen.Store(now.UnixNano()) }

func (e *limiterEntry) idleSince(cutoff time.Time) bool {
	return e.lastSeen.Load() < cutoff.UnixNano()
}

// NewRateLimiter creates a rate limiter refilling at rps requests per
// second. If rps <= 0 the limiter is disabled and always allows.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rps > 0 {
		r = rate.Limit(rps)
	}
	rl := &RateLimiter{r: r, burst: burst}

	go rl.cleanupLoop()

	return rl
}

// Allow checks whether a request under the given key may proceed. Even a
// limited call counts as activity so a hot key's bucket is never reclaimed
// mid-burst.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.r == 0 {
		return true
	}
	entry := rl.getOrCreate(key)
	entry.touch(time.Now())
	if !entry.limiter.Allow() {
		slog.Warn("tool call rate limited")
		return false
	}
	return true
}

// Enabled reports whether the limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl.r > 0
}

func (rl *RateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{limiter: rate.NewLimiter(rl.r, rl.burst)}
	entry.touch(time.Now())
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.cleanup()
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-limiterIdle)
	rl.limiters.Range(func(key, value any) bool {
		if value.(*limiterEntry).idleSince(cutoff) {
			rl.limiters.Delete(key)
		}
		return true
	})
}
