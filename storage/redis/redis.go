// Package redis is a storage.Storage backed by Redis, for token caches shared
// between gateway replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is prepended to every key.
	// Default: "mcp-rest-gateway:"
	KeyPrefix string
}

// Storage implements the storage.Storage interface using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcp-rest-gateway:"
	}
	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Get retrieves the item stored under key. Redis expires keys on its own; the
// stored expiry is still checked to cover clock skew between replicas.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	redisKey := s.keyPrefix + storage.Key(o.Namespace, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var stored storedItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	item := &storage.Item{
		Data:      stored.Data,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	if item.ExpiredAt(time.Now()) {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}
	return item, nil
}

// Set stores data under key with the TTL, if any, applied in Redis.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	redisKey := s.keyPrefix + storage.Key(o.Namespace, key)

	now := time.Now()
	stored := storedItem{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		expiresAt := now.Add(*o.TTL)
		stored.ExpiresAt = &expiresAt
		ttl = *o.TTL
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// Delete removes one key, or scans for and removes the whole namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	if o.Key != nil {
		redisKey := s.keyPrefix + storage.Key(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := s.keyPrefix + storage.Key(o.Namespace, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
