// Package events defines the change event contract and the durable outbox
// that decouples event emission from the write path.
//
// Emission is best-effort at write time: a failed publish never fails the
// write. Failed events land in the outbox, and the outbox worker retries
// them in order until the sink accepts.
package events

import (
	"context"
	"time"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// ChangeEvent is the per-revision change notification. FromRevisionID is
// nil for the first revision of a new entity.
type ChangeEvent struct {
	ExternalID     entity.ExternalID `json:"external_id"`
	FromRevisionID *uint64           `json:"from_revision_id"`
	ToRevisionID   uint64            `json:"to_revision_id"`
	ChangedAt      time.Time         `json:"changed_at"`
}

// Sink accepts change events. Implementations must preserve per-entity
// ordering (for partitioned brokers, key by ExternalID).
//
// The returned error classifies the outcome: nil is an ack, an error for
// which entity.Retryable returns true may be retried, anything else is
// fatal for this delivery attempt and goes to the outbox.
type Sink interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Close() error
}

// OutboxEntry is one queued event with its delivery bookkeeping.
type OutboxEntry struct {
	ID       uint64
	Event    ChangeEvent
	Attempts int
	QueuedAt time.Time
}

// Outbox is the durable retry queue for events the sink did not accept.
type Outbox interface {
	// Enqueue appends the event. It never refuses for backlog size: the
	// write that produced the event is already committed, so refusing
	// here would lose the event. The backlog cap is enforced up front,
	// before the write starts, via Backlogged.
	Enqueue(ctx context.Context, ev ChangeEvent) error

	// Backlogged reports whether the backlog has reached its cap. The
	// write path checks it before accepting new writes so a dead sink
	// backpressures writers instead of growing the queue without bound.
	Backlogged(ctx context.Context) (bool, error)

	// ListPending returns undelivered entries in enqueue order, at most
	// limit.
	ListPending(ctx context.Context, limit int) ([]OutboxEntry, error)

	// MarkDelivered removes a delivered entry.
	MarkDelivered(ctx context.Context, id uint64) error

	// RecordAttempt increments the delivery attempt counter.
	RecordAttempt(ctx context.Context, id uint64) error
}
