package idempotency

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(http.MethodPost, "/payments", []byte(`{"amount":1000}`))
	b := Fingerprint(http.MethodPost, "/payments", []byte(`{"amount":1000}`))
	assert.Equal(t, a, b)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), a)
}

func TestFingerprint_SensitiveToEachField(t *testing.T) {
	base := Fingerprint(http.MethodPost, "/payments", []byte(`{"amount":1000}`))

	assert.NotEqual(t, base, Fingerprint(http.MethodPatch, "/payments", []byte(`{"amount":1000}`)))
	assert.NotEqual(t, base, Fingerprint(http.MethodPost, "/refunds", []byte(`{"amount":1000}`)))
	assert.NotEqual(t, base, Fingerprint(http.MethodPost, "/payments", []byte(`{"amount":2000}`)))
}

func TestFingerprint_DelimiterCollision(t *testing.T) {
	// Known limitation of the default fingerprint.
	assert.Equal(t,
		Fingerprint(http.MethodPost, "/api:v2", []byte("body")),
		Fingerprint(http.MethodPost, "/api", []byte("v2:body")),
	)
}

func TestDefaultFingerprint_IgnoresQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/payments?debug=1", strings.NewReader("x"))
	fp, err := DefaultFingerprint(r, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(http.MethodPost, "/payments", []byte("x")), fp)
}

func TestStoreKey(t *testing.T) {
	tests := []struct {
		name                      string
		prefix, method, path, key string
		want                      string
	}{
		{"no prefix", "", "POST", "/payments", "abc-123", "POST:/payments:abc-123"},
		{"prefix", "tenant-1", "POST", "/payments", "abc", "tenant-1:POST:/payments:abc"},
		{"key with delimiter", "", "POST", "/a", "x:y", "POST:/a:x%3Ay"},
		{"prefix with delimiter", "t:POST", "POST", "/a", "k", "t%3APOST:POST:/a:k"},
		{"key with space and plus", "", "PATCH", "/a", "a b+c", "PATCH:/a:a+b%2Bc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StoreKey(tt.prefix, tt.method, tt.path, tt.key))
		})
	}
}

func TestStoreKey_NoForgedCollisions(t *testing.T) {
	assert.NotEqual(t,
		StoreKey("", "POST", "/a", "x:y"),
		StoreKey("", "POST", "/a:x", "y"),
	)
	assert.NotEqual(t,
		StoreKey("acme:POST:/a", "POST", "/a", "k"),
		StoreKey("acme", "POST", "/a", "k"),
	)
}
