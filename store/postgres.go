package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/paveg/go-idempotency"
)

// DefaultTableName is the table PostgresStore uses unless WithTableName is given.
const DefaultTableName = "idempotency_keys"

// ErrInvalidTableName is returned for table names that are not plain identifiers.
var ErrInvalidTableName = errors.New("idempotency: invalid table name")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// DB is the subset of pgx used by PostgresStore. *pgxpool.Pool, *pgx.Conn
// and pgx.Tx all satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Postgres implementation of Store.
//
// A row is live while created_at is newer than now minus the TTL. Lock is a
// single upsert that only overwrites an expired row, so concurrent callers
// are serialised by the primary key.
type PostgresStore struct {
	db     DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	getSQL      string
	lockSQL     string
	completeSQL string
	deleteSQL   string
	purgeSQL    string
	schemaSQL   string
}

// NewPostgresStore creates a store over db. The table name is validated
// before it is placed into any statement.
func NewPostgresStore(db DB, opts ...Option) (*PostgresStore, error) {
	o := newOptions(opts)
	if !tableNamePattern.MatchString(o.tableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, o.tableName)
	}
	t := o.tableName

	return &PostgresStore{
		db:     db,
		ttl:    o.ttl,
		now:    o.now,
		logger: o.logger,

		getSQL: `
			SELECT key, fingerprint, status, response, created_at
			FROM ` + t + `
			WHERE store_key = $1 AND created_at > $2`,
		lockSQL: `
			INSERT INTO ` + t + ` AS t (store_key, key, fingerprint, status, response, created_at)
			VALUES ($1, $2, $3, 'processing', NULL, $4)
			ON CONFLICT (store_key) DO UPDATE SET
				key = EXCLUDED.key,
				fingerprint = EXCLUDED.fingerprint,
				status = EXCLUDED.status,
				response = NULL,
				created_at = EXCLUDED.created_at
			WHERE t.created_at <= $5`,
		completeSQL: `
			UPDATE ` + t + `
			SET status = 'completed', response = $2
			WHERE store_key = $1 AND created_at > $3`,
		deleteSQL: `DELETE FROM ` + t + ` WHERE store_key = $1`,
		purgeSQL:  `DELETE FROM ` + t + ` WHERE created_at <= $1`,
		schemaSQL: `
			CREATE TABLE IF NOT EXISTS ` + t + ` (
				store_key   TEXT PRIMARY KEY,
				key         TEXT NOT NULL,
				fingerprint TEXT NOT NULL,
				status      TEXT NOT NULL,
				response    JSONB,
				created_at  TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ` + t + `_created_at_idx ON ` + t + ` (created_at)`,
	}, nil
}

// EnsureSchema creates the table and its expiry index if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, s.schemaSQL); err != nil {
		return fmt.Errorf("create idempotency schema: %w", err)
	}
	return nil
}

// threshold is the creation time at or before which rows are expired.
func (s *PostgresStore) threshold() time.Time {
	return s.now().Add(-s.ttl).UTC()
}

// Get retrieves a live record
func (s *PostgresStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var (
		rec      idempotency.Record
		status   string
		response []byte
	)
	err := s.db.QueryRow(ctx, s.getSQL, key, s.threshold()).
		Scan(&rec.Key, &rec.Fingerprint, &status, &response, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select idempotency record: %w", err)
	}
	rec.Status = idempotency.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()

	if response != nil {
		var resp idempotency.StoredResponse
		if err := json.Unmarshal(response, &resp); err != nil {
			s.logger.Warn("idempotency: corrupt response ignored", "key", key, "error", err)
			return nil, nil
		}
		rec.Response = &resp
	}
	return &rec, nil
}

// Lock inserts the record unless a live row holds the key
func (s *PostgresStore) Lock(ctx context.Context, key string, rec idempotency.Record) (bool, error) {
	tag, err := s.db.Exec(ctx, s.lockSQL,
		key,
		rec.Key,
		rec.Fingerprint,
		rec.CreatedAt.UTC(),
		s.threshold(),
	)
	if err != nil {
		return false, fmt.Errorf("lock idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete attaches the response to a live record
func (s *PostgresStore) Complete(ctx context.Context, key string, response idempotency.StoredResponse) error {
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Warn("idempotency: encoding response failed", "key", key, "error", err)
		return nil
	}
	if _, err := s.db.Exec(ctx, s.completeSQL, key, data, s.threshold()); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// Delete removes a record
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, s.deleteSQL, key); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// Purge deletes expired rows
func (s *PostgresStore) Purge(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, s.purgeSQL, s.threshold())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ idempotency.Store = (*PostgresStore)(nil)
