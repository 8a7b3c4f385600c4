// Package ratelimit counts requests per key in fixed windows. Gate
// evaluations use it to bound how often one principal can trigger report
// loads.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole seconds until the window resets, at least one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
