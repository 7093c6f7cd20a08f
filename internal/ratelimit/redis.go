package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

// slidingWindowScript prunes, counts and conditionally appends in one round trip.
// Scores are unix milliseconds. Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, count, tonumber(oldest[2])}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
if count == 0 then
  return {1, 1, now}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {1, count + 1, tonumber(oldest[2])}
`)

// RedisStore keeps timestamp lists in redis sorted sets so every instance
// shares one view. Keys expire on their own, so Sweep has nothing to do.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "ratelimit"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, cfg Config) (Result, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	vals, err := slidingWindowScript.Run(ctx, s.rdb,
		[]string{s.prefix + ":" + key},
		nowMs, cfg.Window.Milliseconds(), cfg.MaxRequests, member,
	).Int64Slice()
	if err != nil {
		return Result{}, xerrors.Wrapf(err, "redis sliding window %s", key)
	}
	if len(vals) != 3 {
		return Result{}, xerrors.Newf("redis sliding window %s: unexpected reply %v", key, vals)
	}

	reset := time.UnixMilli(vals[2]).Add(cfg.Window)
	if vals[0] == 0 {
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxRequests,
			Remaining:  0,
			RetryAfter: reset.Sub(now),
			ResetAt:    reset,
		}, nil
	}
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - int(vals[1]),
		ResetAt:   reset,
	}, nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }
