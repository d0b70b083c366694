package store

import (
	"container/list"
	"context"
	"maps"
	"sync"
	"time"

	"github.com/paveg/go-idempotency"
)

// MemoryStore is an in-memory implementation of Store.
//
// Expired entries are swept lazily on Lock and Purge instead of by a
// background goroutine. With WithMaxEntries set, overflow evicts completed
// records oldest first; processing records are never evicted, so the store
// may grow past the bound rather than let a second Lock succeed.
type MemoryStore struct {
	mu         sync.Mutex
	data       map[string]*entry
	order      *list.List
	ttl        time.Duration
	now        func() time.Time
	maxEntries int
}

type entry struct {
	record idempotency.Record
	elem   *list.Element
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	return &MemoryStore{
		data:       make(map[string]*entry),
		order:      list.New(),
		ttl:        o.ttl,
		now:        o.now,
		maxEntries: o.maxEntries,
	}
}

// Get retrieves a live record
func (s *MemoryStore) Get(_ context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	if e.record.Expired(s.now(), s.ttl) {
		s.removeLocked(key, e)
		return nil, nil
	}
	rec := cloneRecord(e.record)
	return &rec, nil
}

// Lock stores rec as processing unless a live record exists
func (s *MemoryStore) Lock(_ context.Context, key string, rec idempotency.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	if _, ok := s.data[key]; ok {
		return false, nil
	}

	rec.Status = idempotency.StatusProcessing
	rec.Response = nil
	s.data[key] = &entry{record: rec, elem: s.order.PushBack(key)}
	s.evictLocked()
	return true, nil
}

// Complete attaches the response to an existing record
func (s *MemoryStore) Complete(_ context.Context, key string, response idempotency.StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.record.Expired(s.now(), s.ttl) {
		return nil
	}
	resp := cloneResponse(response)
	e.record.Status = idempotency.StatusCompleted
	e.record.Response = &resp
	return nil
}

// Delete removes a record
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok {
		s.removeLocked(key, e)
	}
	return nil
}

// Purge removes every expired record
func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweepLocked(), nil
}

// Len returns the number of records held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}

// sweepLocked removes expired entries. Must be called with mu held.
func (s *MemoryStore) sweepLocked() int {
	now := s.now()
	removed := 0
	for key, e := range s.data {
		if e.record.Expired(now, s.ttl) {
			s.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// evictLocked drops the oldest completed records until the store fits.
func (s *MemoryStore) evictLocked() {
	if s.maxEntries <= 0 {
		return
	}
	for elem := s.order.Front(); elem != nil && len(s.data) > s.maxEntries; {
		next := elem.Next()
		key := elem.Value.(string)
		if e := s.data[key]; e.record.Status == idempotency.StatusCompleted {
			s.removeLocked(key, e)
		}
		elem = next
	}
}

func (s *MemoryStore) removeLocked(key string, e *entry) {
	s.order.Remove(e.elem)
	delete(s.data, key)
}

func cloneRecord(rec idempotency.Record) idempotency.Record {
	if rec.Response != nil {
		resp := cloneResponse(*rec.Response)
		rec.Response = &resp
	}
	return rec
}

func cloneResponse(resp idempotency.StoredResponse) idempotency.StoredResponse {
	resp.Headers = maps.Clone(resp.Headers)
	return resp
}

var _ idempotency.Store = (*MemoryStore)(nil)
