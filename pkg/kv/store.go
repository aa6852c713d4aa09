// Package kv provides the Redis-backed key/value store used for deferred
// CRM sync jobs, idempotency markers, and rate-limit counters.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrWriteUnverified is returned when a verified write cannot be read back.
var ErrWriteUnverified = errors.New("kv write could not be verified")

// ErrNotFound is returned when a key does not exist (or has expired).
var ErrNotFound = errors.New("key not found")

// ScanPageSize is the COUNT hint per SCAN page.
const ScanPageSize = 1000

// Store wraps a Redis client with the small surface this service needs.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Store over an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// NewStoreFromEnv connects to Redis using REDIS_ADDR / REDIS_PASSWORD / REDIS_DB
// and pings it before returning.
func NewStoreFromEnv(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// Client exposes the underlying Redis client for components that need
// atomic primitives directly (the rate limiter's INCR window).
func (s *Store) Client() *redis.Client { return s.rdb }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Set writes a value with a TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetVerified writes a value with a TTL and reads it back. A write that
// cannot be read back returns ErrWriteUnverified; deferred-job enqueue
// depends on this to fail loudly instead of silently dropping a sync.
func (s *Store) SetVerified(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	got, err := s.rdb.Get(ctx, key).Result()
	if err != nil || got != value {
		return fmt.Errorf("readback of %s failed: %w", key, ErrWriteUnverified)
	}
	return nil
}

// Get reads a value. Missing or expired keys return ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ScanPrefix returns up to maxPages pages of keys matching prefix.
// Pagination uses SCAN cursors; the page cap bounds per-tick work.
func (s *Store) ScanPrefix(ctx context.Context, prefix string, maxPages int) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for page := 0; page < maxPages; page++ {
		batch, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", ScanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
