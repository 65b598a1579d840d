package entity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeMatching(t *testing.T) {
	err := NewNotFoundError("Q42")

	assert.Equal(t, ErrNotFound, CodeOf(err))
	assert.True(t, IsCode(err, ErrNotFound))
	assert.False(t, IsCode(err, ErrGone))

	// errors.Is matches on code alone.
	assert.True(t, errors.Is(err, &Error{Code: ErrNotFound}))
	assert.False(t, errors.Is(err, &Error{Code: ErrGone}))

	// Wrapped errors still resolve.
	wrapped := fmt.Errorf("read path: %w", err)
	assert.Equal(t, ErrNotFound, CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Code: ErrNotFound}))

	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("metadata store unreachable", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TRANSIENT_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NewCASFailedError("Q1")))
	assert.True(t, Retryable(NewAlreadyExistsError("mapping exists")))
	assert.True(t, Retryable(NewTransientError("busy", nil)))

	assert.False(t, Retryable(NewNotFoundError("Q1")))
	assert.False(t, Retryable(NewProtectionDeniedError("Q1", "locked")))
	assert.False(t, Retryable(NewWriteFailedError("Q1", nil)))
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}

func TestConstructorFields(t *testing.T) {
	denied := NewProtectionDeniedError("Q5", "semi_protected")
	assert.Equal(t, ExternalID("Q5"), denied.EntityID)
	assert.Equal(t, "semi_protected", denied.Reason)

	redirect := NewInvalidRedirectError("Q5", RedirectChain, "target is a redirect")
	assert.Equal(t, ErrInvalidRedirect, redirect.Code)
	assert.Equal(t, string(RedirectChain), redirect.Reason)

	exhausted := NewAllocatorExhaustedError(5)
	assert.Equal(t, ErrAllocatorExhausted, exhausted.Code)
	assert.Contains(t, exhausted.Message, "5 attempts")
}
