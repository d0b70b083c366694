package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/go-idempotency"
	"github.com/paveg/go-idempotency/store/storetest"
)

// memoryKV is an in-process KV. afterPut runs after every write, letting a
// test interleave a competing writer before the read-back.
type memoryKV struct {
	mu          sync.Mutex
	values      map[string][]byte
	expirations map[string]time.Duration
	afterPut    func(key string)
	err         error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{
		values:      make(map[string][]byte),
		expirations: make(map[string]time.Duration),
	}
}

func (m *memoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryKV) Put(_ context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return m.err
	}
	m.values[key] = value
	m.expirations[key] = expiration
	hook := m.afterPut
	m.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.values, key)
	delete(m.expirations, key)
	return nil
}

func TestKVStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock, ttl time.Duration) storetest.Harness {
		return storetest.Harness{Store: NewKVStore(newMemoryKV(), WithTTL(ttl), WithClock(clock.Now))}
	}, storetest.Config{NoPurge: true, NoConcurrentLock: true})
}

func TestKVStore_LockLosesWhenOverwritten(t *testing.T) {
	kv := newMemoryKV()
	store := NewKVStore(kv)
	ctx := context.Background()

	// Another instance writes its own lock between our write and read-back.
	kv.afterPut = func(key string) {
		kv.afterPut = nil
		rival, err := json.Marshal(kvEntry{
			Record: idempotency.Record{Key: "k", Fingerprint: "fp", Status: idempotency.StatusProcessing, CreatedAt: time.Now()},
			LockID: "rival",
		})
		require.NoError(t, err)
		kv.values[key] = rival
	}

	ok, err := store.Lock(ctx, "POST:/payments:k", idempotency.Record{Key: "k", Fingerprint: "fp", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok, "same fingerprint but another writer's lock ID must lose")
}

func TestKVStore_ClampsExpiration(t *testing.T) {
	kv := newMemoryKV()
	clock := storetest.NewClock(time.Unix(1000, 0))
	store := NewKVStore(kv, WithTTL(10*time.Second), WithClock(clock.Now), WithKeyPrefix("idem:"))
	ctx := context.Background()

	ok, err := store.Lock(ctx, "k", idempotency.Record{CreatedAt: clock.Now()})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MinKVExpiration, kv.expirations["idem:k"])

	// Visibility still follows the configured TTL.
	clock.Advance(10 * time.Second)
	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestKVStore_CorruptPayload(t *testing.T) {
	kv := newMemoryKV()
	store := NewKVStore(kv)
	ctx := context.Background()
	kv.values["k"] = []byte("garbage")

	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, store.Complete(ctx, "k", idempotency.StoredResponse{StatusCode: 200}))
	assert.Equal(t, []byte("garbage"), kv.values["k"])
}

func TestKVStore_BackendError(t *testing.T) {
	kv := newMemoryKV()
	kv.err = errors.New("kv unavailable")
	store := NewKVStore(kv)

	_, err := store.Lock(context.Background(), "k", idempotency.Record{CreatedAt: time.Now()})
	assert.ErrorIs(t, err, kv.err)
}
