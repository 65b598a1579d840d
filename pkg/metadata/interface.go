package metadata

import (
	"context"
	"time"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// Store is the metadata store gateway.
//
// Implementations must be safe for concurrent use. Contention on the head
// row is surfaced as entity.ErrCASFailed, never swallowed or retried
// internally; the write pipeline owns the retry loop.
//
// Typed errors: every "not there" condition maps to an entity.ErrorCode
// (ErrNotFound, ErrRevisionNotFound, ErrAlreadyExists, ErrCASFailed).
// Backend connectivity failures map to ErrTransientUnavailable.
type Store interface {
	// ============================================
	// ID MAPPING
	// ============================================

	// ResolveExternal maps an external ID to its internal ID.
	// Returns ErrNotFound if no mapping exists.
	ResolveExternal(ctx context.Context, id entity.ExternalID) (entity.InternalID, error)

	// ResolveInternal is the reverse lookup, used by the change poller.
	// Returns ErrNotFound if no mapping exists.
	ResolveInternal(ctx context.Context, id entity.InternalID) (*Mapping, error)

	// CreateMapping inserts a new mapping row. Returns ErrAlreadyExists on
	// a unique-constraint violation on either column; the caller re-reads
	// the mapping (external ID race) or retries with a fresh internal ID
	// (allocator collision).
	CreateMapping(ctx context.Context, m Mapping) error

	// ============================================
	// HEAD
	// ============================================

	// GetHead returns the head row. Returns ErrNotFound if the entity has
	// no head row yet (no revision ever published).
	GetHead(ctx context.Context, id entity.InternalID) (*HeadRow, error)

	// InsertHead creates the head row for a brand-new entity at the given
	// revision. Returns ErrCASFailed if a head row already exists (a
	// concurrent writer won revision 1).
	InsertHead(ctx context.Context, id entity.InternalID, rev uint64, flags Flags, now time.Time) error

	// CASHead advances the head pointer from expectedRev to newRev and
	// atomically installs the flag set. Returns ErrCASFailed when the
	// current head no longer equals expectedRev. newRev must be greater
	// than expectedRev; implementations reject decreases as
	// ErrInvariantViolation regardless of the expected value.
	CASHead(ctx context.Context, id entity.InternalID, expectedRev, newRev uint64, flags Flags, now time.Time) error

	// ============================================
	// REVISIONS
	// ============================================

	// NextRevisionID returns max(revision_id)+1 for the entity, starting
	// at 1. This is an optimization probe; correctness is guaranteed by
	// the CAS alone.
	NextRevisionID(ctx context.Context, id entity.InternalID) (uint64, error)

	// InsertRevisionMeta inserts the metadata row for a revision.
	// Re-inserting an identical row (same primary key and content hash) is
	// a no-op, which makes reconciler replays idempotent. A primary-key
	// conflict with different content returns ErrAlreadyExists.
	InsertRevisionMeta(ctx context.Context, row RevisionRow) error

	// GetRevision returns one revision row, or ErrRevisionNotFound.
	GetRevision(ctx context.Context, id entity.InternalID, rev uint64) (*RevisionRow, error)

	// PreviousRevision returns the row with the largest revision_id
	// strictly below before, or ErrRevisionNotFound if none exists.
	PreviousRevision(ctx context.Context, id entity.InternalID, before uint64) (*RevisionRow, error)

	// ListHistory returns all revision rows ascending by revision_id.
	ListHistory(ctx context.Context, id entity.InternalID) ([]RevisionRow, error)

	// ============================================
	// REDIRECTS
	// ============================================

	// CreateRedirect inserts a redirect relation row. Duplicate pairs
	// return ErrAlreadyExists.
	CreateRedirect(ctx context.Context, row RedirectRow) error

	// GetRedirectTarget returns the target internal ID recorded on the
	// head row, or nil when the entity is not a redirect.
	GetRedirectTarget(ctx context.Context, id entity.InternalID) (*entity.InternalID, error)

	// GetIncomingRedirects returns all entities whose head currently
	// redirects to id.
	GetIncomingRedirects(ctx context.Context, id entity.InternalID) ([]entity.InternalID, error)

	// ============================================
	// DELETION
	// ============================================

	// AppendDeleteAudit records a soft-delete audit row.
	AppendDeleteAudit(ctx context.Context, audit DeleteAudit) error

	// HardDeleteMark performs the hard-delete CAS: advances the head,
	// sets is_deleted, and appends the audit row in one entity-scoped
	// transaction. Returns ErrCASFailed on head contention.
	HardDeleteMark(ctx context.Context, id entity.InternalID, expectedRev, newRev uint64, flags Flags, audit DeleteAudit, now time.Time) error

	// ListDeleteAudits returns the audit trail ascending by timestamp.
	ListDeleteAudits(ctx context.Context, id entity.InternalID) ([]DeleteAudit, error)

	// ============================================
	// SCANS (poller, reconciler, admin)
	// ============================================

	// ListChangedSince returns head rows with updated_at strictly after
	// since, ordered by (updated_at, internal_id), at most limit rows.
	ListChangedSince(ctx context.Context, since time.Time, limit int) ([]HeadRow, error)

	// ListChangedBetween is the backfill variant: updated_at in
	// (start, end], same ordering and limit semantics.
	ListChangedBetween(ctx context.Context, start, end time.Time, limit int) ([]HeadRow, error)

	// ListHeadLagging returns revision rows whose revision_id is greater
	// than the entity's current head, at most limit rows. The reconciler
	// uses this to find heads that lost the Phase C race.
	ListHeadLagging(ctx context.Context, limit int) ([]RevisionRow, error)

	// ListByFlag returns entities with the given status flag set.
	ListByFlag(ctx context.Context, flag StatusFlag, limit int) ([]HeadPointer, error)

	// ============================================
	// LIFECYCLE
	// ============================================

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}
