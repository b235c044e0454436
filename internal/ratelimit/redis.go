package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window, admits the request if
// fewer than limit remain, and returns {allowed, count, reset_us}.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, math.ceil(window / 1000))

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

// RedisLimiter implements Limiter with a sliding window log per (rule, key)
// stored in a Redis sorted set. A nil client puts it in noop mode.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
	seq    atomic.Uint64
}

// New returns a Redis-backed limiter. With a nil client every request is
// allowed.
func New(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger}
}

// NewFromURL parses a redis:// URL, connects, and pings.
func NewFromURL(ctx context.Context, url string, logger *slog.Logger) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return New(client, logger), nil
}

// Allow records one request for key under rule. On a Redis error the result
// permits the request and the error is returned for logging.
func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) (Result, error) {
	now := time.Now()
	if l.client == nil {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}, nil
	}

	nowUS := now.UnixMicro()
	member := strconv.FormatInt(nowUS, 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)
	vals, err := slidingWindow.Run(ctx, l.client,
		[]string{bucketKey(rule, key)},
		nowUS, rule.Window.Microseconds(), rule.Limit, member,
	).Int64Slice()
	if err != nil || len(vals) != 3 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply length %d", len(vals))
		}
		if l.logger != nil {
			l.logger.Warn("ratelimit: redis unavailable, allowing request", "rule", rule.Prefix, "error", err)
		}
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)},
			fmt.Errorf("ratelimit: redis allow: %w", err)
	}

	return Result{
		Allowed:   vals[0] == 1,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-int(vals[1]), 0),
		ResetAt:   time.UnixMicro(vals[2]),
	}, nil
}

// Close closes the Redis client, if any.
func (l *RedisLimiter) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
