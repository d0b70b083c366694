package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paveg/go-idempotency"
)

// RedisStore is a Redis-backed implementation of Store.
//
// Lock is a single SET NX PX, so the key's existence is the lock. Records
// expire on their own; Complete keeps the expiry derived from the record's
// creation time instead of granting a fresh TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
	prefix string
	logger *slog.Logger
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := newOptions(opts)
	return &RedisStore{
		client: client,
		ttl:    o.ttl,
		now:    o.now,
		prefix: o.keyPrefix,
		logger: o.logger,
	}
}

// Get retrieves a record from Redis. Undecodable payloads read as absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := s.load(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Expired(s.now(), s.ttl) {
		return nil, nil
	}
	return rec, nil
}

// Lock creates the record with SET NX
func (s *RedisStore) Lock(ctx context.Context, key string, rec idempotency.Record) (bool, error) {
	ttl := rec.RemainingTTL(s.now(), s.ttl)
	if ttl <= 0 {
		return false, nil
	}
	rec.Status = idempotency.StatusProcessing
	rec.Response = nil
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("idempotency: encoding record failed", "key", key, "error", err)
		return false, nil
	}

	acquired, err := s.client.SetNX(ctx, s.prefix+key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return acquired, nil
}

// Complete stores the response, keeping the remaining TTL
func (s *RedisStore) Complete(ctx context.Context, key string, response idempotency.StoredResponse) error {
	rec, err := s.load(ctx, key)
	if err != nil || rec == nil {
		return err
	}
	ttl := rec.RemainingTTL(s.now(), s.ttl)
	if ttl <= 0 {
		return nil
	}

	rec.Status = idempotency.StatusCompleted
	rec.Response = &response
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("idempotency: encoding record failed", "key", key, "error", err)
		return nil
	}

	// XX: a record deleted meanwhile stays deleted.
	if err := s.client.SetXX(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis setxx: %w", err)
	}
	return nil
}

// Delete removes a record
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Purge is a no-op; Redis expires keys itself.
func (s *RedisStore) Purge(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, key string) (*idempotency.Record, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("idempotency: corrupt record ignored", "key", key, "error", err)
		return nil, nil
	}
	return &rec, nil
}

var _ idempotency.Store = (*RedisStore)(nil)
