package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code entity.ErrorCode
		want int
	}{
		{entity.ErrNotFound, http.StatusNotFound},
		{entity.ErrRevisionNotFound, http.StatusNotFound},
		{entity.ErrNoRevisions, http.StatusNotFound},
		{entity.ErrGone, http.StatusGone},
		{entity.ErrProtectionDenied, http.StatusForbidden},
		{entity.ErrInvalidArgument, http.StatusBadRequest},
		{entity.ErrInvalidRedirect, http.StatusConflict},
		{entity.ErrAlreadyExists, http.StatusConflict},
		{entity.ErrCASFailed, http.StatusConflict},
		{entity.ErrTransientUnavailable, http.StatusServiceUnavailable},
		{entity.ErrAllocatorExhausted, http.StatusServiceUnavailable},
		{entity.ErrWriteFailed, http.StatusServiceUnavailable},
		{entity.ErrInvariantViolation, http.StatusInternalServerError},
		{entity.ErrorCode("UNKNOWN"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.code))
		})
	}
}

func TestErrorDomain(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, entity.NewProtectionDeniedError("Q5", "locked"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PROTECTION_DENIED", resp.Error.Code)
	assert.Equal(t, "locked", resp.Error.Reason)
}

func TestErrorWrappedDomain(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, fmt.Errorf("handler: %w", entity.NewGoneError("Q9")))

	assert.Equal(t, http.StatusGone, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "GONE", resp.Error.Code)
}

func TestErrorPlain(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, errors.New("disk on fire"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL", resp.Error.Code)
	assert.Equal(t, "disk on fire", resp.Error.Message)
}

func TestOK(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]string{"id": "Q1"})

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string            `json:"status"`
		Data   map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "Q1", resp.Data["id"])
}
