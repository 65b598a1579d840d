// Package metadata defines the typed gateway to the sharded relational
// metadata layer: ID mappings, revision history, head pointers with status
// flags, redirect relations and deletion audits.
//
// The metadata layer stores pointers and flags only. Entity content lives
// exclusively in the snapshot store; nothing in these tables ever carries a
// payload.
//
// Every operation is scoped to a single entity (single shard key =
// internal_id). There are no multi-entity transactions.
package metadata

import (
	"time"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// Mapping binds an external ID to its internal ID. One-to-one, immutable
// after creation.
type Mapping struct {
	InternalID entity.InternalID
	ExternalID entity.ExternalID
	EntityType entity.EntityType
	CreatedAt  time.Time
}

// HeadRow is the single authoritative row per entity: the monotonic head
// pointer plus protection and lifecycle flags.
type HeadRow struct {
	InternalID          entity.InternalID
	HeadRevisionID      uint64
	UpdatedAt           time.Time
	IsSemiProtected     bool
	IsLocked            bool
	IsArchived          bool
	IsMassEditProtected bool
	IsDeleted           bool
	RedirectsTo         *entity.InternalID
}

// Flags is the head-row state a successful CAS installs atomically with the
// new head revision.
type Flags struct {
	SemiProtected     bool
	Locked            bool
	Archived          bool
	MassEditProtected bool
	Deleted           bool
	RedirectsTo       *entity.InternalID
}

// FlagsOf extracts the CAS flag set from an existing head row.
func FlagsOf(h *HeadRow) Flags {
	return Flags{
		SemiProtected:     h.IsSemiProtected,
		Locked:            h.IsLocked,
		Archived:          h.IsArchived,
		MassEditProtected: h.IsMassEditProtected,
		Deleted:           h.IsDeleted,
		RedirectsTo:       h.RedirectsTo,
	}
}

// RevisionRow is the metadata record of one immutable revision. The
// snapshot URI is derived, never stored: {external_id}/r{revision_id}.json.
type RevisionRow struct {
	InternalID       entity.InternalID
	RevisionID       uint64
	CreatedAt        time.Time
	CreatedBy        string
	SizeBytes        int64
	IsMassEdit       bool
	EditType         string
	ValidationStatus entity.ValidationStatus
	SchemaVersion    string

	// ContentHash is nil for legacy rows written before hashing existed.
	// The dedupe check treats a nil hash as never-equal.
	ContentHash *uint64
}

// RedirectRow records one edge of the redirect relation. Rows are
// historical: reverting a redirect clears head.redirects_to but keeps the
// relation row for incoming-redirect lookups.
type RedirectRow struct {
	FromInternalID entity.InternalID
	ToInternalID   entity.InternalID
	CreatedAt      time.Time
	CreatedBy      string
}

// DeleteType distinguishes reversible from terminal deletion.
type DeleteType string

const (
	DeleteSoft DeleteType = "soft"
	DeleteHard DeleteType = "hard"
)

// DeleteAudit records who deleted what and why.
type DeleteAudit struct {
	InternalID      entity.InternalID
	DeleteType      DeleteType
	Reason          string
	RequestedBy     string
	ApprovedBy      *string
	Timestamp       time.Time
	RetentionExpiry *time.Time
}

// StatusFlag selects a head-row flag for administrative listings.
type StatusFlag string

const (
	FlagSemiProtected     StatusFlag = "semi_protected"
	FlagLocked            StatusFlag = "locked"
	FlagArchived          StatusFlag = "archived"
	FlagMassEditProtected StatusFlag = "mass_edit_protected"
)

// HeadPointer is the compact listing form used by ListByFlag.
type HeadPointer struct {
	ExternalID     entity.ExternalID
	HeadRevisionID uint64
}
