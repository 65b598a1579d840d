// Package protection decides whether an edit may proceed against the
// protection and lifecycle flags on an entity's head row.
//
// Flags are evaluated in strict priority order, so the rejection reason is
// always the highest-priority flag that matched, regardless of how many
// flags are set. The decision is made against the head observed at the
// start of a write attempt; a losing CAS retry re-evaluates.
package protection

import (
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
)

// Rejection reasons, in priority order.
const (
	ReasonArchived          = "archived"
	ReasonDeleted           = "deleted"
	ReasonLocked            = "locked"
	ReasonMassEditProtected = "mass_edit_protected"
	ReasonSemiProtected     = "semi_protected"
)

// Edit describes the incoming edit for the protection decision.
type Edit struct {
	EditType string

	// IsMassEdit marks bot or batch edits, checked against
	// is_mass_edit_protected.
	IsMassEdit bool

	// IsAutoconfirmed reports whether the actor has passed the
	// autoconfirmation threshold, checked against is_semi_protected.
	IsAutoconfirmed bool
}

// Evaluate returns nil when the edit is accepted, or an ErrProtectionDenied
// carrying the rejection reason. A nil head means the entity has never been
// published; nothing can be protected yet, so the edit is accepted.
func Evaluate(id entity.ExternalID, head *metadata.HeadRow, edit Edit) error {
	if head == nil {
		return nil
	}

	switch {
	case head.IsArchived:
		return entity.NewProtectionDeniedError(id, ReasonArchived)
	case head.IsDeleted:
		return entity.NewProtectionDeniedError(id, ReasonDeleted)
	case head.IsLocked:
		return entity.NewProtectionDeniedError(id, ReasonLocked)
	case head.IsMassEditProtected && edit.IsMassEdit:
		return entity.NewProtectionDeniedError(id, ReasonMassEditProtected)
	case head.IsSemiProtected && !edit.IsAutoconfirmed:
		return entity.NewProtectionDeniedError(id, ReasonSemiProtected)
	}
	return nil
}
