package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 250 * time.Millisecond

type redisStoreImpl struct {
	client redis.UniversalClient
}

// NewRedisStore creates a counter store backed by Redis, for deployments
// where several edge instances must share rate-limit state. Operations are
// bounded by a short timeout so a slow Redis cannot stall request handling.
func NewRedisStore(client redis.UniversalClient) CounterStore {
	return &redisStoreImpl{client: client}
}

func (s *redisStoreImpl) Increment(key string, ttl time.Duration) (count int64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the TTL fixed at the moment the counter was created.
	pipe.ExpireNX(ctx, key, ttl)
	if _, err = pipe.Exec(ctx); err != nil {
		return
	}
	count = incr.Val()
	return
}

func (s *redisStoreImpl) Get(key string) (count int64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	count, err = s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return
}

func (s *redisStoreImpl) Delete(key string) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.client.Del(ctx, key).Err()
}
