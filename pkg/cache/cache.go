// Package cache defines the two read-path caches: the ID map cache and
// the head cache.
//
// The ID map cache holds external-to-internal ID mappings. Mappings are
// immutable, so entries only ever expire, never invalidate.
//
// The head cache holds the published head pointer and status flags per
// entity. The write pipeline updates it write-through after every publish;
// entries also carry a short TTL so a missed update heals on its own.
//
// A cache miss is never an error, only a signal to fall through to the
// metadata store. Cache failures must never fail a read or a write; the
// callers log and continue.
package cache

import (
	"context"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// HeadEntry is the cached view of an entity's head row.
type HeadEntry struct {
	HeadRevisionID      uint64             `json:"head_revision_id"`
	IsSemiProtected     bool               `json:"is_semi_protected,omitempty"`
	IsLocked            bool               `json:"is_locked,omitempty"`
	IsArchived          bool               `json:"is_archived,omitempty"`
	IsMassEditProtected bool               `json:"is_mass_edit_protected,omitempty"`
	IsDeleted           bool               `json:"is_deleted,omitempty"`
	RedirectsTo         *entity.ExternalID `json:"redirects_to,omitempty"`
}

// IDMap caches external-to-internal ID mappings.
type IDMap interface {
	// GetID returns the cached internal ID. The second return value is
	// false on a miss; misses are not errors.
	GetID(ctx context.Context, id entity.ExternalID) (entity.InternalID, bool, error)

	// PutID caches a mapping under the configured TTL.
	PutID(ctx context.Context, id entity.ExternalID, internal entity.InternalID) error
}

// Heads caches published head pointers.
type Heads interface {
	// GetHead returns the cached head entry. The second return value is
	// false on a miss.
	GetHead(ctx context.Context, id entity.ExternalID) (*HeadEntry, bool, error)

	// PutHead installs the entry write-through after a publish.
	PutHead(ctx context.Context, id entity.ExternalID, e HeadEntry) error

	// Invalidate drops the entry. Used when a publish partially failed
	// and the cached state can no longer be trusted.
	Invalidate(ctx context.Context, id entity.ExternalID) error
}

// Cache bundles both caches behind one backend connection.
type Cache interface {
	IDMap
	Heads

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
