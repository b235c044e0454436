package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
	window     time.Duration
}

// MemoryLimiter implements Limiter with an in-memory token bucket per
// (rule, key). A rule of Limit per Window becomes a bucket of capacity Limit
// refilling at Limit/Window. A background goroutine evicts idle buckets.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. Call Close to stop the
// cleanup goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token for key under rule.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	capacity := float64(rule.Limit)
	rate := capacity / rule.Window.Seconds() // tokens per second

	k := bucketKey(rule, key)
	b, ok := m.buckets[k]
	if !ok {
		b = &bucket{tokens: capacity, lastAccess: now, window: rule.Window}
		m.buckets[k] = b
	} else {
		b.tokens = math.Min(capacity, b.tokens+now.Sub(b.lastAccess).Seconds()*rate)
		b.lastAccess = now
	}

	res := Result{Limit: rule.Limit}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = int(b.tokens)
	// Time until the next whole token is available.
	missing := 1 - (b.tokens - math.Floor(b.tokens))
	res.ResetAt = now.Add(time.Duration(missing / rate * float64(time.Second)))
	return res, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops buckets idle for longer than their window (and at least
// staleThreshold). Such a bucket has refilled completely, so dropping it
// does not change any later decision.
func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, b := range m.buckets {
		idle := max(b.window, staleThreshold)
		if now.Sub(b.lastAccess) > idle {
			delete(m.buckets, key)
		}
	}
}
