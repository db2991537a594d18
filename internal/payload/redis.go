package payload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "loom:payload:"

// Compile-time interface assertion.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps payloads in Redis with a TTL as the retention mechanism.
// Suited to deployments where the audit database and the pipeline workers
// do not share a filesystem.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies reachability. A zero ttl
// stores payloads without expiry.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// Put stores payload bytes under their content hash.
func (s *RedisStore) Put(ctx context.Context, hash string, data []byte) error {
	if hash == "" {
		return ErrEmptyHash
	}

	if err := s.client.Set(ctx, keyPrefix+hash, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}

	return nil
}

// Get returns the payload for a hash.
func (s *RedisStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if hash == "" {
		return nil, ErrEmptyHash
	}

	data, err := s.client.Get(ctx, keyPrefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPayloadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch payload: %w", err)
	}

	return data, nil
}

// Exists reports whether a payload key is present.
func (s *RedisStore) Exists(ctx context.Context, hash string) (bool, error) {
	if hash == "" {
		return false, ErrEmptyHash
	}

	n, err := s.client.Exists(ctx, keyPrefix+hash).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check payload: %w", err)
	}

	return n > 0, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}
