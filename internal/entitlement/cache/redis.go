package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
)

// Only lower the score so the index always holds the earliest expiry.
const indexAddMinScript = `
local current = redis.call("ZSCORE", KEYS[1], ARGV[1])
if (not current) or (tonumber(ARGV[2]) < tonumber(current)) then
  return redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
end
return 0
`

// RedisStore is a Store shared by every replica. Entries use SET with EX and
// the expiry index is a sorted set scored in unix milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	addMin *redis.Script
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		addMin: redis.NewScript(indexAddMinScript),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return value, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *RedisStore) IndexAddMin(ctx context.Context, index, member string, at time.Time) error {
	score := strconv.FormatInt(at.UnixMilli(), 10)
	if err := s.addMin.Run(ctx, s.client, []string{index}, member, score).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("zadd", err)
	}
	return nil
}

func (s *RedisStore) IndexRangeUpTo(ctx context.Context, index string, max time.Time) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(max.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("zrangebyscore", err)
	}
	return members, nil
}

func (s *RedisStore) IndexRemove(ctx context.Context, index string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, index, args...).Err(); err != nil {
		return unavailable("zrem", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, obsmetrics.ErrCacheUnavailable, err)
}
