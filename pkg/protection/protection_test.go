package protection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
)

func TestEvaluatePriority(t *testing.T) {
	autoconfirmedMassEdit := Edit{EditType: entity.EditMassEdit, IsMassEdit: true, IsAutoconfirmed: true}

	tests := []struct {
		name       string
		head       *metadata.HeadRow
		edit       Edit
		wantReason string // "" means accept
	}{
		{
			name: "no flags accepts",
			head: &metadata.HeadRow{},
			edit: Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
		},
		{
			name: "nil head accepts",
			edit: Edit{EditType: entity.EditCreate},
		},
		{
			name:       "archived rejects everything",
			head:       &metadata.HeadRow{IsArchived: true},
			edit:       Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
			wantReason: ReasonArchived,
		},
		{
			name:       "hard deleted rejects everything",
			head:       &metadata.HeadRow{IsDeleted: true},
			edit:       Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
			wantReason: ReasonDeleted,
		},
		{
			name:       "locked rejects everything",
			head:       &metadata.HeadRow{IsLocked: true},
			edit:       Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
			wantReason: ReasonLocked,
		},
		{
			name:       "mass edit protection rejects mass edits",
			head:       &metadata.HeadRow{IsMassEditProtected: true},
			edit:       autoconfirmedMassEdit,
			wantReason: ReasonMassEditProtected,
		},
		{
			name: "mass edit protection allows normal edits",
			head: &metadata.HeadRow{IsMassEditProtected: true},
			edit: Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
		},
		{
			name:       "semi protection rejects non-autoconfirmed",
			head:       &metadata.HeadRow{IsSemiProtected: true},
			edit:       Edit{EditType: entity.EditUpdate, IsAutoconfirmed: false},
			wantReason: ReasonSemiProtected,
		},
		{
			name: "semi protection allows autoconfirmed",
			head: &metadata.HeadRow{IsSemiProtected: true},
			edit: Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
		},
		{
			name:       "archived outranks locked",
			head:       &metadata.HeadRow{IsArchived: true, IsLocked: true},
			edit:       Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
			wantReason: ReasonArchived,
		},
		{
			name:       "deleted outranks locked",
			head:       &metadata.HeadRow{IsDeleted: true, IsLocked: true},
			edit:       Edit{EditType: entity.EditUpdate, IsAutoconfirmed: true},
			wantReason: ReasonDeleted,
		},
		{
			name:       "locked outranks mass edit protection",
			head:       &metadata.HeadRow{IsLocked: true, IsMassEditProtected: true},
			edit:       autoconfirmedMassEdit,
			wantReason: ReasonLocked,
		},
		{
			name:       "mass edit protection outranks semi protection",
			head:       &metadata.HeadRow{IsMassEditProtected: true, IsSemiProtected: true},
			edit:       Edit{EditType: entity.EditMassEdit, IsMassEdit: true, IsAutoconfirmed: false},
			wantReason: ReasonMassEditProtected,
		},
		{
			name:       "all flags set reports archived",
			head:       &metadata.HeadRow{IsArchived: true, IsDeleted: true, IsLocked: true, IsMassEditProtected: true, IsSemiProtected: true},
			edit:       Edit{EditType: entity.EditMassEdit, IsMassEdit: true},
			wantReason: ReasonArchived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Evaluate("Q42", tt.head, tt.edit)
			if tt.wantReason == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, entity.IsCode(err, entity.ErrProtectionDenied))
			var e *entity.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.wantReason, e.Reason)
			assert.Equal(t, entity.ExternalID("Q42"), e.EntityID)
		})
	}
}
