// Package storetest runs the behaviour every idempotency.Store must share
// against a concrete backend.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/go-idempotency"
)

// TTL is the record lifetime the suite configures stores with.
const TTL = time.Hour

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Harness is one backend instance under test.
type Harness struct {
	Store idempotency.Store
	// Advance moves time forward for the store. Defaults to the clock's Advance;
	// backends with server-side expiry also move the server clock.
	Advance func(time.Duration)
}

// Factory builds a fresh store that reads time from clock and uses ttl.
type Factory func(t *testing.T, clock *Clock, ttl time.Duration) Harness

// Config adjusts the suite to what a backend can promise.
type Config struct {
	// NoPurge is set for backends whose Purge always reports 0.
	NoPurge bool
	// NoConcurrentLock skips the race test for best-effort backends.
	NoConcurrentLock bool
}

// Run exercises the Store contract.
func Run(t *testing.T, newStore Factory, cfg Config) {
	t.Helper()

	setup := func(t *testing.T) (idempotency.Store, *Clock, func(time.Duration)) {
		t.Helper()
		clock := NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
		h := newStore(t, clock, TTL)
		advance := h.Advance
		if advance == nil {
			advance = clock.Advance
		}
		return h.Store, clock, advance
	}

	record := func(clock *Clock, key, fingerprint string) idempotency.Record {
		return idempotency.Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      idempotency.StatusProcessing,
			CreatedAt:   clock.Now(),
		}
	}

	response := idempotency.StoredResponse{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"id":"pay_1"}`,
	}

	t.Run("GetMissing", func(t *testing.T) {
		s, _, _ := setup(t)
		rec, err := s.Get(context.Background(), "POST:/payments:missing")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("LockCreatesProcessingRecord", func(t *testing.T) {
		s, clock, _ := setup(t)
		ctx := context.Background()

		ok, err := s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		require.True(t, ok)

		rec, err := s.Get(ctx, "POST:/payments:k1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "k1", rec.Key)
		assert.Equal(t, "fp-1", rec.Fingerprint)
		assert.Equal(t, idempotency.StatusProcessing, rec.Status)
		assert.Nil(t, rec.Response)
		assert.True(t, clock.Now().Equal(rec.CreatedAt))
	})

	t.Run("LockRejectsLiveRecord", func(t *testing.T) {
		s, clock, _ := setup(t)
		ctx := context.Background()

		ok, err := s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-2"))
		require.NoError(t, err)
		assert.False(t, ok)

		rec, err := s.Get(ctx, "POST:/payments:k1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "fp-1", rec.Fingerprint)
	})

	t.Run("CompleteAttachesResponse", func(t *testing.T) {
		s, clock, _ := setup(t)
		ctx := context.Background()

		ok, err := s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Complete(ctx, "POST:/payments:k1", response))

		rec, err := s.Get(ctx, "POST:/payments:k1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, idempotency.StatusCompleted, rec.Status)
		require.NotNil(t, rec.Response)
		assert.Equal(t, response, *rec.Response)
		assert.True(t, clock.Now().Equal(rec.CreatedAt))

		ok, err = s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CompleteMissingIsNoop", func(t *testing.T) {
		s, _, _ := setup(t)
		ctx := context.Background()

		require.NoError(t, s.Complete(ctx, "POST:/payments:ghost", response))
		rec, err := s.Get(ctx, "POST:/payments:ghost")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("DeleteFreesKey", func(t *testing.T) {
		s, clock, _ := setup(t)
		ctx := context.Background()

		require.NoError(t, s.Delete(ctx, "POST:/payments:never-locked"))

		ok, err := s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Delete(ctx, "POST:/payments:k1"))

		rec, err := s.Get(ctx, "POST:/payments:k1")
		require.NoError(t, err)
		assert.Nil(t, rec)

		ok, err = s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-2"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s, clock, _ := setup(t)
		ctx := context.Background()

		ok, err := s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Lock(ctx, "POST:/refunds:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ExpiresAtTTL", func(t *testing.T) {
		s, clock, advance := setup(t)
		ctx := context.Background()

		ok, err := s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		require.True(t, ok)

		advance(TTL - time.Millisecond)
		rec, err := s.Get(ctx, "POST:/payments:k1")
		require.NoError(t, err)
		assert.NotNil(t, rec, "record must be live just before the TTL")
		ok, err = s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		assert.False(t, ok)

		advance(time.Millisecond)
		rec, err = s.Get(ctx, "POST:/payments:k1")
		require.NoError(t, err)
		assert.Nil(t, rec, "record must be gone once the TTL elapsed")
		ok, err = s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-2"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("CompleteKeepsOriginalExpiry", func(t *testing.T) {
		s, clock, advance := setup(t)
		ctx := context.Background()

		ok, err := s.Lock(ctx, "POST:/payments:k1", record(clock, "k1", "fp-1"))
		require.NoError(t, err)
		require.True(t, ok)

		advance(TTL / 2)
		require.NoError(t, s.Complete(ctx, "POST:/payments:k1", response))

		advance(TTL / 2)
		rec, err := s.Get(ctx, "POST:/payments:k1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	if !cfg.NoPurge {
		t.Run("PurgeRemovesExpired", func(t *testing.T) {
			s, clock, advance := setup(t)
			ctx := context.Background()

			for _, key := range []string{"POST:/payments:old-1", "POST:/payments:old-2"} {
				ok, err := s.Lock(ctx, key, record(clock, key, "fp"))
				require.NoError(t, err)
				require.True(t, ok)
			}
			advance(TTL / 2)
			ok, err := s.Lock(ctx, "POST:/payments:fresh", record(clock, "fresh", "fp"))
			require.NoError(t, err)
			require.True(t, ok)
			advance(TTL / 2)

			n, err := s.Purge(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = s.Purge(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			rec, err := s.Get(ctx, "POST:/payments:fresh")
			require.NoError(t, err)
			assert.NotNil(t, rec)
		})
	}

	if !cfg.NoConcurrentLock {
		t.Run("ConcurrentLockHasOneWinner", func(t *testing.T) {
			s, clock, _ := setup(t)
			ctx := context.Background()

			const callers = 20
			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, err := s.Lock(ctx, "POST:/payments:race", record(clock, "race", "fp"))
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}
