package counter

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters in Redis so limits hold across instances.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Get(ctx context.Context, key string) (int64, time.Time, error) {
	count, err := r.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}

	ttl, err := r.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if ttl <= 0 {
		// Key exists without an expiry (shouldn't happen); treat as fresh.
		return count, time.Time{}, nil
	}
	return count, time.Now().Add(ttl), nil
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// First increment creates the key; anchor the window on it.
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Ping verifies connectivity, used by health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
