package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/paveg/go-idempotency"
)

// MinKVExpiration is the shortest expiration eventually consistent KV
// services accept. Shorter TTLs are still enforced on read.
const MinKVExpiration = 60 * time.Second

// KV is a key-value namespace without compare-and-swap, such as a
// Cloudflare Workers KV binding. Get reports found=false for missing keys.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// KVStore implements Store over an eventually consistent KV.
//
// The backend has no atomic create, so Lock writes a record tagged with a
// fresh lock ID and reads it back; if another writer's ID is there the lock
// is lost. This narrows the race window but cannot close it: two writers
// that each read back their own value before replication converges will
// both proceed. Use it where duplicate execution is tolerable.
type KVStore struct {
	kv     KV
	ttl    time.Duration
	now    func() time.Time
	prefix string
	logger *slog.Logger
	newID  func() string
}

// kvEntry is the stored value; LockID identifies the writer that created it.
type kvEntry struct {
	idempotency.Record
	LockID string `json:"lockId"`
}

// NewKVStore creates a store over kv
func NewKVStore(kv KV, opts ...Option) *KVStore {
	o := newOptions(opts)
	return &KVStore{
		kv:     kv,
		ttl:    o.ttl,
		now:    o.now,
		prefix: o.keyPrefix,
		logger: o.logger,
		newID:  uuid.NewString,
	}
}

// Get retrieves a live record
func (s *KVStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	e, err := s.load(ctx, key)
	if err != nil || e == nil {
		return nil, err
	}
	return &e.Record, nil
}

// Lock writes the record and verifies by read-back that this call won
func (s *KVStore) Lock(ctx context.Context, key string, rec idempotency.Record) (bool, error) {
	existing, err := s.load(ctx, key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	rec.Status = idempotency.StatusProcessing
	rec.Response = nil
	lockID := s.newID()
	if err := s.put(ctx, key, kvEntry{Record: rec, LockID: lockID}); err != nil {
		return false, err
	}

	written, err := s.load(ctx, key)
	if err != nil {
		return false, err
	}
	return written != nil && written.LockID == lockID, nil
}

// Complete attaches the response, keeping the original expiry
func (s *KVStore) Complete(ctx context.Context, key string, response idempotency.StoredResponse) error {
	e, err := s.load(ctx, key)
	if err != nil || e == nil {
		return err
	}
	e.Status = idempotency.StatusCompleted
	e.Response = &response
	return s.put(ctx, key, *e)
}

// Delete removes a record
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Purge is a no-op; the KV service expires values itself.
func (s *KVStore) Purge(context.Context) (int, error) {
	return 0, nil
}

func (s *KVStore) put(ctx context.Context, key string, e kvEntry) error {
	ttl := e.RemainingTTL(s.now(), s.ttl)
	if ttl <= 0 {
		return nil
	}
	if ttl < MinKVExpiration {
		ttl = MinKVExpiration
	}
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("idempotency: encoding record failed", "key", key, "error", err)
		return nil
	}
	if err := s.kv.Put(ctx, s.prefix+key, data, ttl); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// load returns the live entry for key; corrupt and expired values read as absent.
func (s *KVStore) load(ctx context.Context, key string) (*kvEntry, error) {
	data, found, err := s.kv.Get(ctx, s.prefix+key)
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	if !found {
		return nil, nil
	}
	var e kvEntry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("idempotency: corrupt record ignored", "key", key, "error", err)
		return nil, nil
	}
	if e.Expired(s.now(), s.ttl) {
		return nil, nil
	}
	return &e, nil
}

var _ idempotency.Store = (*KVStore)(nil)
