package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a process-local sliding-window Limiter. Suitable for
// single-instance deployments and tests; multi-instance deployments
// should use the Redis limiter so the budget is shared.
type MemoryLimiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	now     func() time.Time
	lastGC  time.Time
	maxSpan time.Duration
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		hits:    make(map[string][]time.Time),
		now:     time.Now,
		maxSpan: time.Hour,
	}
}

// SetClock overrides the time source. Test hook.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func bucketKey(class Class, key string) string {
	return class.Name + ":" + key
}

func (l *MemoryLimiter) Allow(_ context.Context, class Class, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeGC(now)

	k := bucketKey(class, key)
	cutoff := now.Add(-class.Window)
	hits := l.hits[k]

	// Trim timestamps that slid out of the window.
	start := 0
	for start < len(hits) && !hits[start].After(cutoff) {
		start++
	}
	hits = hits[start:]

	if len(hits) >= class.Limit {
		// The window opens when the oldest surviving hit ages out.
		resetAt := hits[0].Add(class.Window)
		l.hits[k] = hits
		return Result{
			Allowed:    false,
			Limit:      class.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	hits = append(hits, now)
	l.hits[k] = hits
	return Result{
		Allowed:   true,
		Limit:     class.Limit,
		Remaining: class.Limit - len(hits),
		ResetAt:   hits[0].Add(class.Window),
	}, nil
}

// maybeGC drops buckets whose newest hit is older than maxSpan. Runs at
// most once per maxSpan so steady traffic does not pay for full sweeps.
func (l *MemoryLimiter) maybeGC(now time.Time) {
	if now.Sub(l.lastGC) < l.maxSpan {
		return
	}
	l.lastGC = now
	cutoff := now.Add(-l.maxSpan)
	for k, hits := range l.hits {
		if len(hits) == 0 || hits[len(hits)-1].Before(cutoff) {
			delete(l.hits, k)
		}
	}
}
