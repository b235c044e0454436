// Package ratelimit limits requests per key under named rules.
//
// Two implementations ship: MemoryLimiter, a per-process token bucket, and
// RedisLimiter, a sliding window shared by every instance pointed at the same
// Redis. Errors from either signal a limiter malfunction and callers fail open.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule names a limit: at most Limit requests per Window for each key.
// Prefix separates the counters of different rules.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the X-RateLimit-* response headers for r.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a request identified by key may proceed under rule.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) (Result, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits and reports the full limit as remaining.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) (Result, error) {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

func bucketKey(rule Rule, key string) string {
	return "ratelimit:" + rule.Prefix + ":" + key
}
