package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across replicas. When Redis fails the
// Fallback decides, and without one the request is allowed.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback Limiter
	Log      zerolog.Logger
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "reportgate:rl:",
		Fallback: NewInMemory(window),
		Log:      zerolog.Nop(),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		l.Log.Warn().Err(err).Str("key", key).Msg("rate limit script failed")
		return l.fallback(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
