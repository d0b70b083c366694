// Package idempotency provides HTTP middleware for idempotent request handling.
// It prevents duplicate processing of requests by caching responses based on
// idempotency keys, commonly used in payment and financial APIs.
//
// The middleware runs the wrapped handler at most once per key: concurrent
// requests with the same key get a 409 while the first is in flight, and
// later retries get the stored response replayed. Cross-request coordination
// happens only through the Store's Lock, so any backend honouring the Store
// contract gives the same guarantee.
package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHeaderName is the default HTTP header for idempotency keys
	DefaultHeaderName = "Idempotency-Key"
	// DefaultMaxKeyLength is the default maximum key length in bytes
	DefaultMaxKeyLength = 256
	// DefaultTTL is the default time-to-live used by the built-in stores
	DefaultTTL = 24 * time.Hour

	// ReplayedHeader marks a response served from the store
	ReplayedHeader = "Idempotent-Replayed"
	// RetryAfterSeconds is the retry hint sent with conflict responses
	RetryAfterSeconds = 1
)

// DefaultMethods are the methods covered when WithMethods is not used.
var DefaultMethods = []string{http.MethodPost, http.MethodPatch}

// excludedHeaders are never stored, so a replay can't hand one user's
// session to another.
var excludedHeaders = map[string]struct{}{
	"Set-Cookie": {},
}

type contextKey struct{}

// KeyFromContext returns the validated idempotency key of the current request.
func KeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(contextKey{}).(string)
	return key, ok
}

// Middleware returns an HTTP middleware that enforces idempotency.
// It panics if store is nil.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		panic(ErrNilStore)
	}

	config := &Config{
		HeaderName:   DefaultHeaderName,
		Fingerprint:  DefaultFingerprint,
		Methods:      DefaultMethods,
		MaxKeyLength: DefaultMaxKeyLength,
		Now:          time.Now,
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Fingerprint == nil {
		config.Fingerprint = DefaultFingerprint
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	onError := config.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err *Error) {
			WriteProblem(w, err)
		}
	}

	methods := make(map[string]struct{}, len(config.Methods))
	for _, m := range config.Methods {
		methods[m] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return &handler{
			next:    next,
			store:   store,
			config:  config,
			methods: methods,
			onError: onError,
			logger:  config.Logger,
		}
	}
}

type handler struct {
	next    http.Handler
	store   Store
	config  *Config
	methods map[string]struct{}
	onError ErrorHandler
	logger  *slog.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.methods[r.Method]; !ok {
		h.next.ServeHTTP(w, r)
		return
	}
	if h.config.SkipRequest != nil && h.config.SkipRequest(r) {
		h.next.ServeHTTP(w, r)
		return
	}

	key := r.Header.Get(h.config.HeaderName)
	if key == "" {
		if h.config.Required {
			h.onError(w, r, ErrMissingKey)
			return
		}
		h.next.ServeHTTP(w, r)
		return
	}
	if limit := h.config.MaxKeyLength; limit > 0 && len(key) > limit {
		h.onError(w, r, ErrKeyTooLong.WithDetail(
			fmt.Sprintf("The idempotency key must be at most %d bytes.", limit)))
		return
	}

	body, err := h.readBody(r)
	if errors.Is(err, ErrBodyTooLarge) {
		h.onError(w, r, ErrBodyTooLarge.WithDetail(
			fmt.Sprintf("The request body must be at most %d bytes.", h.config.MaxBodySize)))
		return
	}
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	fingerprint, err := h.config.Fingerprint(r, body)
	if err != nil {
		h.internalError(w, "fingerprint", err)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var prefix string
	if h.config.CacheKeyPrefix != nil {
		prefix = h.config.CacheKeyPrefix(r)
	}
	storeKey := StoreKey(prefix, r.Method, r.URL.Path, key)

	ctx := r.Context()
	existing, err := h.store.Get(ctx, storeKey)
	if err != nil {
		h.internalError(w, "get", err)
		return
	}

	if existing != nil {
		switch {
		case existing.Status == StatusProcessing:
			h.conflict(w, r)
			return
		case existing.Fingerprint != fingerprint:
			h.onError(w, r, ErrFingerprintMismatch)
			return
		case existing.Response == nil:
			// Completed without a response: a partial write left it behind.
			h.logger.Warn("idempotency: removing completed record without response", "store_key", storeKey)
			if err := h.store.Delete(ctx, storeKey); err != nil {
				h.internalError(w, "delete", err)
				return
			}
		default:
			h.fire(h.config.OnCacheHit, "on_cache_hit", r, key)
			writeCachedResponse(w, existing.Response)
			return
		}
	}

	locked, err := h.store.Lock(ctx, storeKey, Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusProcessing,
		CreatedAt:   h.config.Now(),
	})
	if err != nil {
		h.internalError(w, "lock", err)
		return
	}
	if !locked {
		h.conflict(w, r)
		return
	}

	h.fire(h.config.OnCacheMiss, "on_cache_miss", r, key)

	recorder := newResponseRecorder()
	h.execute(recorder, r.WithContext(context.WithValue(ctx, contextKey{}, key)), storeKey)

	if !isSuccess(recorder.statusCode) {
		h.release(ctx, storeKey)
		recorder.flush(w)
		return
	}

	// The handler's side effect already happened; finish even if the client left.
	if err := h.store.Complete(context.WithoutCancel(ctx), storeKey, recorder.snapshot()); err != nil {
		// The handler already ran; the caller still gets its response.
		h.logger.Error("idempotency: complete failed", "store_key", storeKey, "error", err)
	}
	recorder.flush(w)
}

// execute runs the wrapped handler. A panic releases the lock and is re-raised.
func (h *handler) execute(w http.ResponseWriter, r *http.Request, storeKey string) {
	defer func() {
		if p := recover(); p != nil {
			h.release(r.Context(), storeKey)
			panic(p)
		}
	}()
	h.next.ServeHTTP(w, r)
}

// release deletes the lock so a retry with the same key runs again.
// A failing delete is logged; the record then lingers until its TTL.
func (h *handler) release(ctx context.Context, storeKey string) {
	if err := h.store.Delete(context.WithoutCancel(ctx), storeKey); err != nil {
		h.logger.Error("idempotency: releasing lock failed", "store_key", storeKey, "error", err)
	}
}

func (h *handler) conflict(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	h.onError(w, r, ErrConflict)
}

func (h *handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("idempotency: store failure", "op", op, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

// fire invokes an observability hook, discarding its errors and panics.
func (h *handler) fire(hook Hook, name string, r *http.Request, key string) {
	if hook == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			h.logger.Warn("idempotency: hook panicked", "hook", name, "panic", p)
		}
	}()
	if err := hook(r, key); err != nil {
		h.logger.Warn("idempotency: hook failed", "hook", name, "error", err)
	}
}

// readBody reads the whole body, enforcing MaxBodySize on the bytes actually
// received rather than trusting Content-Length alone.
func (h *handler) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	limit := h.config.MaxBodySize
	if limit <= 0 {
		return io.ReadAll(r.Body)
	}
	if r.ContentLength > limit {
		return nil, ErrBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// writeCachedResponse writes a stored response to the response writer
func writeCachedResponse(w http.ResponseWriter, cached *StoredResponse) {
	for key, value := range cached.Headers {
		w.Header().Set(key, value)
	}

	w.Header().Set(ReplayedHeader, "true")

	w.WriteHeader(cached.StatusCode)
	io.WriteString(w, cached.Body)
}

// responseRecorder buffers the handler's response so it can be stored
// before anything reaches the client.
type responseRecorder struct {
	header      http.Header
	statusCode  int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = statusCode
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// snapshot captures the response, dropping headers unsafe to replay.
func (r *responseRecorder) snapshot() StoredResponse {
	headers := make(map[string]string, len(r.header))
	for name, values := range r.header {
		if _, skip := excludedHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	return StoredResponse{
		StatusCode: r.statusCode,
		Headers:    headers,
		Body:       r.body.String(),
	}
}

// flush copies the buffered response to w.
func (r *responseRecorder) flush(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range r.header {
		dst[name] = values
	}
	w.WriteHeader(r.statusCode)
	w.Write(r.body.Bytes())
}
