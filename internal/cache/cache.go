// Package cache provides a fail-soft key-value layer over Redis. Every
// operation degrades to a miss or a no-op when the store is unavailable, so
// callers never branch on cache health themselves.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// scanBatch bounds each SCAN page so pattern deletes never stall the store.
const scanBatch = 100

// ErrMiss is returned by Store implementations for an absent key.
var ErrMiss = errors.New("cache: miss")

// Store is the narrow command surface the service needs from Redis. Tests
// substitute an in-memory implementation.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error)
}

type redisStore struct {
	rdb redis.UniversalClient
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *redisStore) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return s.rdb.Scan(ctx, cursor, match, count).Result()
}

// Service implements the cache-aside operations used across the gateway.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a cache service over a Redis client.
func NewService(rdb redis.UniversalClient, logger *zap.Logger) *Service {
	return &Service{store: &redisStore{rdb: rdb}, logger: logger}
}

// NewServiceWithStore creates a cache service over an arbitrary Store.
func NewServiceWithStore(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Get returns the cached value and true, or "" and false on a miss or any
// store failure.
func (s *Service) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.logger.Warn("Cache get failed", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return val, true
}

// Set stores the value with a TTL. Returns false on failure; callers treat a
// failed write the same as an evicted entry.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if err := s.store.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("Cache set failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Delete removes the given keys, ignoring store failures.
func (s *Service) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.store.Del(ctx, keys...); err != nil {
		s.logger.Warn("Cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// DeleteByPattern removes every key matching the glob pattern, scanning the
// keyspace in bounded batches. Returns the number of keys deleted.
func (s *Service) DeleteByPattern(ctx context.Context, pattern string) int {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.store.Scan(ctx, cursor, pattern, scanBatch)
		if err != nil {
			s.logger.Warn("Cache scan failed", zap.String("pattern", pattern), zap.Error(err))
			return deleted
		}
		if len(keys) > 0 {
			if err := s.store.Del(ctx, keys...); err != nil {
				s.logger.Warn("Cache pattern delete failed", zap.String("pattern", pattern), zap.Error(err))
				return deleted
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

// Wrap implements cache-aside: return the cached value under key, or invoke
// producer, store its result best-effort, and return it. Store failures are
// swallowed; producer errors are the only errors Wrap returns.
func (s *Service) Wrap(ctx context.Context, key string, ttl time.Duration, producer func() (string, error)) (string, error) {
	if val, ok := s.Get(ctx, key); ok {
		return val, nil
	}

	val, err := producer()
	if err != nil {
		return "", err
	}

	s.Set(ctx, key, val, ttl)
	return val, nil
}
