package idempotency

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

// RedisStore keeps event IDs as redis keys with a TTL of the retention period,
// shared by every instance. Expiry is handled by redis, so Sweep is a no-op
// and the size is unknown.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "webhook:processed"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(eventID string) string { return s.prefix + ":" + eventID }

func (s *RedisStore) Seen(ctx context.Context, eventID string, _ time.Time) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, xerrors.Wrap(err, "redis exists")
	}
	return n == 1, nil
}

func (s *RedisStore) Mark(ctx context.Context, eventID string, now time.Time, retention time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(eventID), strconv.FormatInt(now.UnixMilli(), 10), retention).Result()
	if err != nil {
		return false, xerrors.Wrap(err, "redis setnx")
	}
	return ok, nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) Len() int { return -1 }
