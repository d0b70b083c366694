package store

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/go-idempotency/store/storetest"
)

// openTestPool connects to IDEMPOTENCY_POSTGRES_DSN or skips the test.
func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("IDEMPOTENCY_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IDEMPOTENCY_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skip("Postgres not available:", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

var tableSeq atomic.Int64

func TestPostgresStore_Contract(t *testing.T) {
	pool := openTestPool(t)

	storetest.Run(t, func(t *testing.T, clock *storetest.Clock, ttl time.Duration) storetest.Harness {
		table := fmt.Sprintf("idempotency_test_%d_%d", os.Getpid(), tableSeq.Add(1))
		store, err := NewPostgresStore(pool, WithTableName(table), WithTTL(ttl), WithClock(clock.Now))
		require.NoError(t, err)
		require.NoError(t, store.EnsureSchema(context.Background()))
		t.Cleanup(func() {
			pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
		})
		return storetest.Harness{Store: store}
	}, storetest.Config{})
}

func TestPostgresStore_CorruptResponse(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	table := fmt.Sprintf("idempotency_test_%d_corrupt", os.Getpid())
	store, err := NewPostgresStore(pool, WithTableName(table))
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	t.Cleanup(func() { pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table) })

	_, err = pool.Exec(ctx, `INSERT INTO `+table+` (store_key, key, fingerprint, status, response, created_at)
		VALUES ('k', 'k', 'fp', 'completed', '[1,2,3]', now())`)
	require.NoError(t, err)

	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestNewPostgresStore_TableName(t *testing.T) {
	tests := []struct {
		name  string
		table string
		ok    bool
	}{
		{"default", DefaultTableName, true},
		{"underscore prefix", "_idem", true},
		{"mixed case", "Idem_Keys2", true},
		{"empty", "", false},
		{"leading digit", "1keys", false},
		{"quote injection", `keys"; DROP TABLE users; --`, false},
		{"schema qualified", "public.keys", false},
		{"whitespace", "idem keys", false},
		{"too long", "a234567890123456789012345678901234567890123456789012345678901234", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPostgresStore(nil, WithTableName(tt.table))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTableName)
			}
		})
	}
}
