package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paveg/go-idempotency"
)

// DefaultDurablePrefix namespaces DurableStore keys inside shared storage.
const DefaultDurablePrefix = "idempotency:"

// DurableStorage is transactional key-value storage owned by a single
// writer, such as a Restate virtual object or a Durable Object. It has no
// native expiry.
type DurableStorage interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// DurableStore implements Store over DurableStorage.
//
// The runtime runs one operation at a time per storage partition, which makes
// the plain read-then-write in Lock atomic. Expiry is checked on read and
// enforced physically by Purge.
type DurableStore struct {
	storage DurableStorage
	ttl     time.Duration
	now     func() time.Time
	prefix  string
	logger  *slog.Logger
}

// NewDurableStore creates a store over storage
func NewDurableStore(storage DurableStorage, opts ...Option) *DurableStore {
	o := newOptions(opts)
	prefix := o.keyPrefix
	if prefix == "" {
		prefix = DefaultDurablePrefix
	}
	return &DurableStore{
		storage: storage,
		ttl:     o.ttl,
		now:     o.now,
		prefix:  prefix,
		logger:  o.logger,
	}
}

// Get retrieves a live record
func (s *DurableStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := s.load(ctx, s.prefix+key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Expired(s.now(), s.ttl) {
		return nil, nil
	}
	return rec, nil
}

// Lock stores rec unless a live record exists
func (s *DurableStore) Lock(ctx context.Context, key string, rec idempotency.Record) (bool, error) {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	rec.Status = idempotency.StatusProcessing
	rec.Response = nil
	return s.save(ctx, key, rec)
}

// Complete attaches the response to a live record
func (s *DurableStore) Complete(ctx context.Context, key string, response idempotency.StoredResponse) error {
	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil {
		return err
	}
	rec.Status = idempotency.StatusCompleted
	rec.Response = &response
	_, err = s.save(ctx, key, *rec)
	return err
}

// Delete removes a record
func (s *DurableStore) Delete(ctx context.Context, key string) error {
	if err := s.storage.Delete(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("durable delete: %w", err)
	}
	return nil
}

// Purge scans the namespace and deletes expired records.
func (s *DurableStore) Purge(ctx context.Context) (int, error) {
	keys, err := s.storage.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable list: %w", err)
	}

	now := s.now()
	removed := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, s.prefix) {
			continue
		}
		rec, err := s.load(ctx, k)
		if err != nil {
			return removed, err
		}
		if rec != nil && !rec.Expired(now, s.ttl) {
			continue
		}
		// Undecodable values are dropped along with expired ones.
		if err := s.storage.Delete(ctx, k); err != nil {
			return removed, fmt.Errorf("durable delete: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (s *DurableStore) save(ctx context.Context, key string, rec idempotency.Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("idempotency: encoding record failed", "key", key, "error", err)
		return false, nil
	}
	if err := s.storage.Put(ctx, s.prefix+key, data); err != nil {
		return false, fmt.Errorf("durable put: %w", err)
	}
	return true, nil
}

// load reads a raw storage key; missing and corrupt values read as nil.
func (s *DurableStore) load(ctx context.Context, storageKey string) (*idempotency.Record, error) {
	data, found, err := s.storage.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("durable get: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec idempotency.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("idempotency: corrupt record ignored", "key", storageKey, "error", err)
		return nil, nil
	}
	return &rec, nil
}

var _ idempotency.Store = (*DurableStore)(nil)
