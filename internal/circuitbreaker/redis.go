package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps circuit state in Redis so all replicas share it.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "cb:"}
}

func (s *RedisStore) failKey(key string) string { return s.prefix + "fail:" + key }
func (s *RedisStore) openKey(key string) string { return s.prefix + "open:" + key }

func (s *RedisStore) IncrFailures(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := s.failKey(key)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr failures %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) ResetFailures(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.failKey(key)).Err(); err != nil {
		return fmt.Errorf("reset failures %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Open(ctx context.Context, key string, cooldown time.Duration) error {
	if err := s.client.Set(ctx, s.openKey(key), "1", cooldown).Err(); err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IsOpen(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.openKey(key)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("is open %s: %w", key, err)
	}
	// PTTL reports negative values for a missing key or one without expiry.
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}
