package idempotency

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteProblem(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteProblem(rec, ErrConflict)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ProblemContentType, rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrConflict.Type, body["type"])
	assert.Equal(t, ErrConflict.Title, body["title"])
	assert.Equal(t, float64(http.StatusConflict), body["status"])
	assert.Equal(t, ErrConflict.Detail, body["detail"])
	assert.Equal(t, "CONFLICT", body["code"])
}

func TestWriteProblem_ClampsStatus(t *testing.T) {
	for _, status := range []int{0, 99, 199, 600, 1000, -1} {
		rec := httptest.NewRecorder()
		WriteProblem(rec, &Error{Status: status, Code: "CUSTOM"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code, "status %d", status)
	}

	rec := httptest.NewRecorder()
	WriteProblem(rec, &Error{Status: 599})
	assert.Equal(t, 599, rec.Code)
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrKeyTooLong.WithDetail("max 8"))

	assert.ErrorIs(t, err, ErrKeyTooLong)
	assert.NotErrorIs(t, err, ErrMissingKey)

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "max 8", e.Detail)
	assert.Equal(t, "The idempotency key exceeds the maximum allowed length.", ErrKeyTooLong.Detail)
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
		code   Code
	}{
		{ErrMissingKey, http.StatusBadRequest, CodeMissingKey},
		{ErrKeyTooLong, http.StatusBadRequest, CodeKeyTooLong},
		{ErrBodyTooLarge, http.StatusRequestEntityTooLarge, CodeBodyTooLarge},
		{ErrFingerprintMismatch, http.StatusUnprocessableEntity, CodeFingerprintMismatch},
		{ErrConflict, http.StatusConflict, CodeConflict},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.Status)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.NotEmpty(t, tt.err.Type)
			assert.NotEmpty(t, tt.err.Title)
		})
	}
}
