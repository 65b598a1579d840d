package entity

import (
	"errors"
	"fmt"
)

// ErrorCode classifies entitygraph errors by what the system does with them.
// Callers should branch on codes, not on message text.
type ErrorCode string

const (
	// ErrNotFound: the external ID has no mapping.
	ErrNotFound ErrorCode = "ENTITY_NOT_FOUND"

	// ErrRevisionNotFound: the entity exists but the revision does not.
	ErrRevisionNotFound ErrorCode = "REVISION_NOT_FOUND"

	// ErrNoRevisions: the entity mapping exists but no revision was ever
	// published.
	ErrNoRevisions ErrorCode = "NO_REVISIONS"

	// ErrGone: the entity is hard-deleted and must not be served.
	ErrGone ErrorCode = "GONE"

	// ErrProtectionDenied: the protection engine rejected the edit.
	ErrProtectionDenied ErrorCode = "PROTECTION_DENIED"

	// ErrInvalidRedirect: the redirect would form a cycle, a chain, or a
	// self-redirect, or targets an unusable entity.
	ErrInvalidRedirect ErrorCode = "INVALID_REDIRECT"

	// ErrCASFailed: a compare-and-swap on the head row did not apply.
	// Internal; the pipeline retries it and never surfaces it to callers.
	ErrCASFailed ErrorCode = "CAS_FAILED"

	// ErrAlreadyExists: a unique constraint fired (mapping or revision row).
	ErrAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// ErrTransientUnavailable: retry budgets exhausted or backend
	// connectivity lost; the request may be retried by the caller.
	ErrTransientUnavailable ErrorCode = "TRANSIENT_UNAVAILABLE"

	// ErrWriteFailed: the pending snapshot put failed; no state changed.
	ErrWriteFailed ErrorCode = "WRITE_FAILED"

	// ErrAllocatorExhausted: the ID allocator ran out of retries.
	ErrAllocatorExhausted ErrorCode = "ALLOCATOR_EXHAUSTED"

	// ErrInvalidArgument: malformed request (bad external ID, bad body).
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// ErrValidationPending: informational, the revision was accepted but
	// schema validation has not completed.
	ErrValidationPending ErrorCode = "VALIDATION_PENDING"

	// ErrInvariantViolation: a runtime check detected a broken invariant
	// (head decrease, snapshot hash mismatch). Fatal; never auto-repaired.
	ErrInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
)

// RedirectFailure qualifies ErrInvalidRedirect.
type RedirectFailure string

const (
	RedirectCycle RedirectFailure = "cycle"
	RedirectChain RedirectFailure = "chain"
	RedirectSelf  RedirectFailure = "self"
)

// Error is the typed error used across all entitygraph packages.
type Error struct {
	Code    ErrorCode
	Message string

	// EntityID is the external ID involved, when known.
	EntityID ExternalID

	// Reason carries the protection flag or redirect failure kind for
	// ErrProtectionDenied and ErrInvalidRedirect.
	Reason string

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Code: X}) match on code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the ErrorCode from err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err may succeed on a pipeline-level retry.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCASFailed, ErrAlreadyExists, ErrTransientUnavailable:
		return true
	}
	return false
}

func NewNotFoundError(id ExternalID) *Error {
	return &Error{Code: ErrNotFound, EntityID: id, Message: fmt.Sprintf("entity %s not found", id)}
}

func NewRevisionNotFoundError(id ExternalID, rev uint64) *Error {
	return &Error{Code: ErrRevisionNotFound, EntityID: id, Message: fmt.Sprintf("revision %d of entity %s not found", rev, id)}
}

func NewNoRevisionsError(id ExternalID) *Error {
	return &Error{Code: ErrNoRevisions, EntityID: id, Message: fmt.Sprintf("entity %s has no revisions", id)}
}

func NewGoneError(id ExternalID) *Error {
	return &Error{Code: ErrGone, EntityID: id, Message: fmt.Sprintf("entity %s is deleted", id)}
}

func NewProtectionDeniedError(id ExternalID, reason string) *Error {
	return &Error{
		Code:     ErrProtectionDenied,
		EntityID: id,
		Reason:   reason,
		Message:  fmt.Sprintf("edit to %s rejected: %s", id, reason),
	}
}

func NewInvalidRedirectError(id ExternalID, kind RedirectFailure, msg string) *Error {
	return &Error{Code: ErrInvalidRedirect, EntityID: id, Reason: string(kind), Message: msg}
}

func NewCASFailedError(id ExternalID) *Error {
	return &Error{Code: ErrCASFailed, EntityID: id, Message: fmt.Sprintf("head CAS for %s did not apply", id)}
}

func NewAlreadyExistsError(msg string) *Error {
	return &Error{Code: ErrAlreadyExists, Message: msg}
}

func NewTransientError(msg string, cause error) *Error {
	return &Error{Code: ErrTransientUnavailable, Message: msg, Err: cause}
}

func NewWriteFailedError(id ExternalID, cause error) *Error {
	return &Error{Code: ErrWriteFailed, EntityID: id, Message: fmt.Sprintf("snapshot write for %s failed", id), Err: cause}
}

func NewAllocatorExhaustedError(attempts int) *Error {
	return &Error{Code: ErrAllocatorExhausted, Message: fmt.Sprintf("internal id allocation failed after %d attempts", attempts)}
}

func NewInvalidArgumentError(msg string) *Error {
	return &Error{Code: ErrInvalidArgument, Message: msg}
}

func NewInvariantViolationError(msg string) *Error {
	return &Error{Code: ErrInvariantViolation, Message: msg}
}
