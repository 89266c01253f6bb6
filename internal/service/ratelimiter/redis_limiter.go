package ratelimiter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-log limiter backed by a Redis sorted set, so that
// several gateway replicas share one per-user quota. The log is a ZSET scored
// by request time in seconds; the Lua script evicts, counts, and records in
// one round trip.
type RedisLimiter struct {
	redis  *redis.Client
	cfg    Config
	script *redis.Script
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter. Returns nil if rdb is nil.
func NewRedisLimiter(rdb *redis.Client, cfg Config) *RedisLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLimiter{
		redis:  rdb,
		cfg:    cfg,
		script: redis.NewScript(luaSlidingLogScript),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *RedisLimiter) SetClock(now func() time.Time) { l.now = now }

const luaSlidingLogScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local count = redis.call("ZCARD", key)
if count < limit then
  redis.call("ZADD", key, now, tostring(now) .. "-" .. tostring(count))
  redis.call("EXPIRE", key, math.ceil(window * 2))
  return { 1, 0 }
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry_after = 0
if oldest[2] ~= nil then
  retry_after = tonumber(oldest[2]) + window - now
  if retry_after < 0 then
    retry_after = 0
  end
end

return { 0, tostring(retry_after) }
`

// Allow implements Limiter. Fails open on Redis errors to avoid turning a
// cache outage into a chat outage.
func (l *RedisLimiter) Allow(ctx context.Context, userID string, premium bool) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	if l.cfg.Limit <= 0 || l.cfg.Window <= 0 {
		return true, 0, nil
	}

	nowSec := float64(l.now().UnixNano()) / 1e9
	windowSec := l.cfg.Window.Seconds()
	limit := l.cfg.effectiveLimit(premium)

	redisKey := "rate:user:" + userID
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, nowSec, windowSec, limit).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("user_id", userID), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.String("user_id", userID), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toFloat64(vals[1]) * float64(time.Second))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
