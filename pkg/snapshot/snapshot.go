// Package snapshot defines the gateway to the object store that holds the
// immutable revision snapshots. Objects are content-addressed by entity and
// revision; the key layout is fixed so that snapshot URIs can always be
// derived instead of stored:
//
//	{external_id}/r{revision_id}.json
//
// Every object carries a publication state. A write lands as pending and is
// flipped to published only after the head CAS succeeds, so a reader that
// honors the state tag never observes a revision that lost its race.
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// Store is the snapshot store gateway.
//
// Published objects are immutable: Put and SetState must refuse any
// transition that would change published bytes or demote a published
// object back to pending. Re-putting identical bytes is a no-op, which
// makes reconciler replays idempotent.
type Store interface {
	// Put stores the snapshot object under uri with the given publication
	// state. Overwriting a published object with different bytes returns
	// ErrInvariantViolation. Backend failures map to ErrWriteFailed.
	Put(ctx context.Context, uri string, data []byte, state entity.PublicationState) error

	// Get returns the object bytes and its current publication state, or
	// ErrRevisionNotFound when no object exists at uri.
	Get(ctx context.Context, uri string) ([]byte, entity.PublicationState, error)

	// SetState transitions the object's publication state. The only legal
	// transition is pending to published; demoting a published object
	// returns ErrInvariantViolation. Setting the state an object already
	// has is a no-op.
	SetState(ctx context.Context, uri string, state entity.PublicationState) error

	// ListPendingOlderThan returns URIs of pending objects last written
	// before cutoff, at most limit. The reconciler feeds on this.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// URIFor derives the object key for a revision. URIs are never persisted;
// every component derives them through this one function.
func URIFor(id entity.ExternalID, rev uint64) string {
	return fmt.Sprintf("%s/r%d.json", id, rev)
}

// ParseURI is the inverse of URIFor. The reconciler uses it to map listed
// object keys back to entity and revision.
func ParseURI(uri string) (entity.ExternalID, uint64, error) {
	id, rest, ok := strings.Cut(uri, "/")
	if !ok || id == "" {
		return "", 0, fmt.Errorf("snapshot: malformed uri %q", uri)
	}
	rest, isRev := strings.CutPrefix(rest, "r")
	rest, isJSON := strings.CutSuffix(rest, ".json")
	if !isRev || !isJSON {
		return "", 0, fmt.Errorf("snapshot: malformed uri %q", uri)
	}
	rev, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || rev == 0 {
		return "", 0, fmt.Errorf("snapshot: malformed uri %q", uri)
	}
	return entity.ExternalID(id), rev, nil
}
