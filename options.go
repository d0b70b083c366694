package idempotency

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds middleware configuration
type Config struct {
	HeaderName     string
	Fingerprint    FingerprintFunc
	Required       bool
	Methods        []string
	MaxKeyLength   int
	MaxBodySize    int64
	SkipRequest    func(r *http.Request) bool
	OnError        ErrorHandler
	CacheKeyPrefix func(r *http.Request) string
	OnCacheHit     Hook
	OnCacheMiss    Hook
	Logger         *slog.Logger
	Now            func() time.Time
}

// ErrorHandler writes the response for a rejected request.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err *Error)

// Hook observes cache hits and misses. Errors and panics are discarded.
type Hook func(r *http.Request, key string) error

// Option is a functional option for configuring the middleware
type Option func(*Config)

// WithHeaderName sets the HTTP header name for idempotency keys
func WithHeaderName(name string) Option {
	return func(c *Config) {
		c.HeaderName = name
	}
}

// WithFingerprint replaces the default method+path+body fingerprint
func WithFingerprint(fn FingerprintFunc) Option {
	return func(c *Config) {
		c.Fingerprint = fn
	}
}

// WithRequired rejects covered requests that carry no key
func WithRequired(required bool) Option {
	return func(c *Config) {
		c.Required = required
	}
}

// WithMethods sets the HTTP methods the middleware applies to
func WithMethods(methods ...string) Option {
	return func(c *Config) {
		c.Methods = make([]string, 0, len(methods))
		for _, m := range methods {
			c.Methods = append(c.Methods, strings.ToUpper(m))
		}
	}
}

// WithMaxKeyLength sets the maximum key length in bytes
func WithMaxKeyLength(n int) Option {
	return func(c *Config) {
		c.MaxKeyLength = n
	}
}

// WithMaxBodySize caps the request body size in bytes. Zero disables the check.
func WithMaxBodySize(n int64) Option {
	return func(c *Config) {
		c.MaxBodySize = n
	}
}

// WithSkipRequest sets a predicate that bypasses the middleware per request
func WithSkipRequest(fn func(r *http.Request) bool) Option {
	return func(c *Config) {
		c.SkipRequest = fn
	}
}

// WithOnError replaces the default problem detail response
func WithOnError(fn ErrorHandler) Option {
	return func(c *Config) {
		c.OnError = fn
	}
}

// WithCacheKeyPrefix namespaces every store key with a static prefix
func WithCacheKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.CacheKeyPrefix = func(*http.Request) string { return prefix }
	}
}

// WithCacheKeyPrefixFunc namespaces store keys per request, e.g. per tenant
func WithCacheKeyPrefixFunc(fn func(r *http.Request) string) Option {
	return func(c *Config) {
		c.CacheKeyPrefix = fn
	}
}

// WithOnCacheHit sets a hook called when a stored response is replayed
func WithOnCacheHit(fn Hook) Option {
	return func(c *Config) {
		c.OnCacheHit = fn
	}
}

// WithOnCacheMiss sets a hook called before the handler runs for a new key
func WithOnCacheMiss(fn Hook) Option {
	return func(c *Config) {
		c.OnCacheMiss = fn
	}
}

// WithLogger sets the logger used for swallowed failures
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the time source used to stamp new records
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}
