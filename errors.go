package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ProblemContentType is the media type of problem detail responses.
const ProblemContentType = "application/problem+json"

const typeBaseURI = "https://github.com/paveg/go-idempotency/blob/main/docs/errors.md#"

// Code identifies a kind of idempotency error.
type Code string

const (
	CodeMissingKey          Code = "MISSING_KEY"
	CodeKeyTooLong          Code = "KEY_TOO_LONG"
	CodeBodyTooLarge        Code = "BODY_TOO_LARGE"
	CodeFingerprintMismatch Code = "FINGERPRINT_MISMATCH"
	CodeConflict            Code = "CONFLICT"
)

// Error is a problem detail describing why a request was rejected.
type Error struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   Code   `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is matches errors of the same kind, so errors.Is(err, ErrConflict) works
// regardless of the detail text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	// ErrMissingKey is returned when a required idempotency key is absent
	ErrMissingKey = &Error{
		Type:   typeBaseURI + "missing-key",
		Title:  "Idempotency-Key is missing",
		Status: http.StatusBadRequest,
		Detail: "This operation requires an idempotency key header.",
		Code:   CodeMissingKey,
	}

	// ErrKeyTooLong is returned when the key exceeds the configured length
	ErrKeyTooLong = &Error{
		Type:   typeBaseURI + "key-too-long",
		Title:  "Idempotency-Key is too long",
		Status: http.StatusBadRequest,
		Detail: "The idempotency key exceeds the maximum allowed length.",
		Code:   CodeKeyTooLong,
	}

	// ErrBodyTooLarge is returned when the request body exceeds the configured size
	ErrBodyTooLarge = &Error{
		Type:   typeBaseURI + "body-too-large",
		Title:  "Request body is too large",
		Status: http.StatusRequestEntityTooLarge,
		Detail: "The request body exceeds the maximum allowed size.",
		Code:   CodeBodyTooLarge,
	}

	// ErrFingerprintMismatch is returned when a key is reused with a different request
	ErrFingerprintMismatch = &Error{
		Type:   typeBaseURI + "fingerprint-mismatch",
		Title:  "Idempotency-Key is already used",
		Status: http.StatusUnprocessableEntity,
		Detail: "The idempotency key was already used with a different request payload.",
		Code:   CodeFingerprintMismatch,
	}

	// ErrConflict is returned when another request holds the lock for the key
	ErrConflict = &Error{
		Type:   typeBaseURI + "conflict",
		Title:  "A request is outstanding for this Idempotency-Key",
		Status: http.StatusConflict,
		Detail: "A request with the same idempotency key is currently being processed.",
		Code:   CodeConflict,
	}
)

// WithDetail returns a copy of e carrying a different detail message.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// AsError extracts the problem detail from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var fallbackProblem = []byte(`{"type":"about:blank","title":"Internal Server Error","status":500}`)

// WriteProblem renders e as a problem detail response.
// A status outside 200-599 is written as 500. If the body cannot be
// encoded a minimal 500 problem is written instead.
func WriteProblem(w http.ResponseWriter, e *Error) {
	status := clampStatus(e.Status)
	body, err := json.Marshal(e)
	if err != nil {
		status = http.StatusInternalServerError
		body = fallbackProblem
	}
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(status)
	w.Write(body)
}

// clampStatus keeps a status inside the range a response can carry.
func clampStatus(status int) int {
	if status < 200 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}

// ErrNilStore is returned when the middleware is built without a store
var ErrNilStore = errors.New("idempotency: store is required")
