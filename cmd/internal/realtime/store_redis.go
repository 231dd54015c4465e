package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueueStore keeps each queue in one Redis string key.
type RedisQueueStore struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// NewRedisQueueStore wraps an existing client. The caller keeps ownership.
func NewRedisQueueStore(client redis.UniversalClient, keyPrefix string) (*RedisQueueStore, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	return &RedisQueueStore{client: client, keyPrefix: keyPrefix}, nil
}

// OpenRedisQueueStore parses redisURL, pings the server and returns a store
// that closes its client on Close.
func OpenRedisQueueStore(ctx context.Context, redisURL, keyPrefix string) (*RedisQueueStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisQueueStore{client: client, keyPrefix: keyPrefix, owned: true}, nil
}

// Load implements QueueStore.
func (s *RedisQueueStore) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

// Save implements QueueStore.
func (s *RedisQueueStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the client when the store opened it.
func (s *RedisQueueStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
