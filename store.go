package idempotency

import (
	"context"
	"time"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	// StatusProcessing marks a record whose handler is still running.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a record holding the captured response.
	StatusCompleted Status = "completed"
)

// Store defines the interface every idempotency backend implements.
//
// Implementations must make Lock atomic: for a given key only one caller
// may observe true until the record expires or is deleted. Expired records
// must be invisible to Get and must not block Lock.
type Store interface {
	// Get returns the live record for key, or nil if it does not exist or has expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Lock creates rec under key in the processing state iff no live record exists.
	Lock(ctx context.Context, key string, rec Record) (bool, error)

	// Complete marks the record as completed and attaches the response.
	// It is a no-op if the record no longer exists.
	Complete(ctx context.Context, key string, response StoredResponse) error

	// Delete removes the record. It is a no-op if the record does not exist.
	Delete(ctx context.Context, key string) error

	// Purge removes expired records and reports how many were removed.
	Purge(ctx context.Context) (int, error)
}

// Record is the deduplication state kept for one store key.
type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	Response    *StoredResponse `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// StoredResponse is the snapshot of a successful response replayed on retries.
type StoredResponse struct {
	StatusCode int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Expired reports whether the record is past its TTL at now.
// A record is expired once ttl has fully elapsed since CreatedAt.
func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(r.CreatedAt.Add(ttl))
}

// RemainingTTL returns how long the record stays live after now.
// It is zero or negative once the record has expired.
func (r Record) RemainingTTL(now time.Time, ttl time.Duration) time.Duration {
	return r.CreatedAt.Add(ttl).Sub(now)
}
