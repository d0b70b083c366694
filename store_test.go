package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecord_ExpiryBoundary(t *testing.T) {
	created := time.Unix(1000, 0)
	rec := Record{CreatedAt: created}
	ttl := 10 * time.Second

	assert.False(t, rec.Expired(created.Add(ttl-time.Millisecond), ttl))
	assert.True(t, rec.Expired(created.Add(ttl), ttl))
	assert.True(t, rec.Expired(created.Add(ttl+time.Second), ttl))

	assert.Equal(t, 4*time.Second, rec.RemainingTTL(created.Add(6*time.Second), ttl))
	assert.LessOrEqual(t, rec.RemainingTTL(created.Add(ttl), ttl), time.Duration(0))
}
