// Package store provides the built-in idempotency.Store backends.
//
// Each backend reaches the same contract through the primitive its storage
// offers: a mutex for MemoryStore, a conditional upsert for PostgresStore,
// SET NX for RedisStore, write-then-verify for KVStore and the runtime's
// single-writer guarantee for DurableStore.
package store

import (
	"log/slog"
	"time"

	"github.com/paveg/go-idempotency"
)

type options struct {
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
	maxEntries int
	tableName  string
	keyPrefix  string
}

func newOptions(opts []Option) options {
	o := options{
		ttl:       idempotency.DefaultTTL,
		now:       time.Now,
		logger:    slog.Default(),
		tableName: DefaultTableName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a store
type Option func(*options)

// WithTTL sets how long records stay live after creation
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock sets the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger for swallowed backend failures
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxEntries bounds MemoryStore. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// WithTableName sets the PostgresStore table
func WithTableName(name string) Option {
	return func(o *options) {
		o.tableName = name
	}
}

// WithKeyPrefix namespaces keys written by RedisStore, KVStore and DurableStore
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}
