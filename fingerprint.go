package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// FingerprintFunc computes the fingerprint binding a key to a request.
// The returned value is treated as opaque.
type FingerprintFunc func(r *http.Request, body []byte) (string, error)

// DefaultFingerprint hashes method, path and body joined by ":".
//
// Fields are not length-prefixed, so a path containing ":" can collide with
// a body starting with the remainder (e.g. "/api:v2"+"x" and "/api"+"v2:x").
// Supply a FingerprintFunc that encodes field boundaries if that matters.
func DefaultFingerprint(r *http.Request, body []byte) (string, error) {
	return Fingerprint(r.Method, r.URL.Path, body), nil
}

// Fingerprint returns the lowercase hex SHA-256 of method:path:body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(path))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// StoreKey builds the identity a record is stored under:
// [prefix ":"] method ":" path ":" key, with prefix and key query-escaped so
// neither can smuggle the ":" delimiter into another tenant's or route's key.
func StoreKey(prefix, method, path, key string) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(url.QueryEscape(prefix))
		b.WriteByte(':')
	}
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(url.QueryEscape(key))
	return b.String()
}
