package writer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/protection"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

// RedirectRequest creates a redirect tombstone on Source pointing at
// Target.
type RedirectRequest struct {
	Source          entity.ExternalID
	Target          entity.ExternalID
	Actor           string
	IsAutoconfirmed bool
}

// Redirect validates and writes a redirect revision. Redirects are strictly
// single-hop: the target may not itself be a redirect, and a target that
// points back at the source is a cycle.
func (p *Pipeline) Redirect(ctx context.Context, req RedirectRequest) (*Result, error) {
	if req.Source == req.Target {
		return nil, entity.NewInvalidRedirectError(req.Source, entity.RedirectSelf,
			fmt.Sprintf("%s cannot redirect to itself", req.Source))
	}
	_, typ, err := entity.ParseExternalID(string(req.Source))
	if err != nil {
		return nil, err
	}
	if _, _, err := entity.ParseExternalID(string(req.Target)); err != nil {
		return nil, err
	}

	sourceInternal, err := p.meta.ResolveExternal(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	targetInternal, err := p.meta.ResolveExternal(ctx, req.Target)
	if err != nil {
		return nil, err
	}

	// Target must be a live, plain entity.
	targetHead, err := p.meta.GetHead(ctx, targetInternal)
	if err != nil {
		if entity.IsCode(err, entity.ErrNotFound) {
			return nil, entity.NewNoRevisionsError(req.Target)
		}
		return nil, err
	}
	switch {
	case targetHead.IsDeleted:
		return nil, entity.NewInvalidRedirectError(req.Source, entity.RedirectChain,
			fmt.Sprintf("redirect target %s is deleted", req.Target))
	case targetHead.IsArchived:
		return nil, entity.NewInvalidRedirectError(req.Source, entity.RedirectChain,
			fmt.Sprintf("redirect target %s is archived", req.Target))
	case targetHead.IsLocked:
		return nil, entity.NewInvalidRedirectError(req.Source, entity.RedirectChain,
			fmt.Sprintf("redirect target %s is locked", req.Target))
	case targetHead.RedirectsTo != nil && *targetHead.RedirectsTo == sourceInternal:
		return nil, entity.NewInvalidRedirectError(req.Source, entity.RedirectCycle,
			fmt.Sprintf("%s -> %s would close a redirect cycle", req.Source, req.Target))
	case targetHead.RedirectsTo != nil:
		return nil, entity.NewInvalidRedirectError(req.Source, entity.RedirectChain,
			fmt.Sprintf("redirect target %s is itself a redirect", req.Target))
	}

	target := req.Target
	return p.publish(ctx, revision{
		externalID:  req.Source,
		internalID:  sourceInternal,
		entityType:  typ,
		body:        emptyBody(req.Source, typ),
		editType:    entity.EditRedirect,
		actor:       req.Actor,
		redirectsTo: &target,
		edit: protection.Edit{
			EditType:        entity.EditRedirect,
			IsAutoconfirmed: req.IsAutoconfirmed,
		},
		transform: func(f metadata.Flags) metadata.Flags {
			f.Deleted = false
			f.RedirectsTo = &targetInternal
			return f
		},
		redirectRow: &metadata.RedirectRow{
			FromInternalID: sourceInternal,
			ToInternalID:   targetInternal,
			CreatedBy:      req.Actor,
		},
	})
}

// RevertRedirectRequest restores the entity body from a named prior
// revision and clears the redirect.
type RevertRedirectRequest struct {
	Source           entity.ExternalID
	RevertToRevision uint64
	Actor            string
	IsAutoconfirmed  bool
}

// RevertRedirect writes a new revision carrying the body of the chosen
// prior revision, clearing head.redirects_to in the same CAS.
func (p *Pipeline) RevertRedirect(ctx context.Context, req RevertRedirectRequest) (*Result, error) {
	_, typ, err := entity.ParseExternalID(string(req.Source))
	if err != nil {
		return nil, err
	}
	internal, err := p.meta.ResolveExternal(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	if _, err := p.meta.GetRevision(ctx, internal, req.RevertToRevision); err != nil {
		if entity.IsCode(err, entity.ErrRevisionNotFound) {
			return nil, entity.NewRevisionNotFoundError(req.Source, req.RevertToRevision)
		}
		return nil, err
	}

	env, err := p.loadEnvelope(ctx, req.Source, req.RevertToRevision)
	if err != nil {
		return nil, err
	}

	return p.publish(ctx, revision{
		externalID: req.Source,
		internalID: internal,
		entityType: typ,
		body:       env.Entity,
		editType:   entity.EditRedirectRevert,
		actor:      req.Actor,
		edit: protection.Edit{
			EditType:        entity.EditRedirectRevert,
			IsAutoconfirmed: req.IsAutoconfirmed,
		},
		transform: func(f metadata.Flags) metadata.Flags {
			f.Deleted = false
			f.RedirectsTo = nil
			return f
		},
	})
}

// DeleteRequest soft- or hard-deletes an entity.
type DeleteRequest struct {
	ID              entity.ExternalID
	Type            metadata.DeleteType
	Reason          string
	Actor           string
	ApprovedBy      *string
	IsAutoconfirmed bool
}

// Delete writes a deletion tombstone. Soft deletion records an audit row
// and keeps the entity readable; hard deletion additionally sets the head
// is_deleted flag in the same transaction, after which reads return Gone
// and writes are rejected.
func (p *Pipeline) Delete(ctx context.Context, req DeleteRequest) (*Result, error) {
	if req.Type != metadata.DeleteSoft && req.Type != metadata.DeleteHard {
		return nil, entity.NewInvalidArgumentError(fmt.Sprintf("unknown delete type %q", req.Type))
	}
	_, typ, err := entity.ParseExternalID(string(req.ID))
	if err != nil {
		return nil, err
	}
	internal, err := p.meta.ResolveExternal(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	head, err := p.meta.GetHead(ctx, internal)
	if err != nil {
		if entity.IsCode(err, entity.ErrNotFound) {
			return nil, entity.NewNoRevisionsError(req.ID)
		}
		return nil, err
	}

	// The tombstone preserves the prior body.
	env, err := p.loadEnvelope(ctx, req.ID, head.HeadRevisionID)
	if err != nil {
		return nil, err
	}

	editType := entity.EditSoftDelete
	hard := req.Type == metadata.DeleteHard
	if hard {
		editType = entity.EditHardDelete
	}

	audit := &metadata.DeleteAudit{
		InternalID:  internal,
		DeleteType:  req.Type,
		Reason:      req.Reason,
		RequestedBy: req.Actor,
		ApprovedBy:  req.ApprovedBy,
	}

	return p.publish(ctx, revision{
		externalID:     req.ID,
		internalID:     internal,
		entityType:     typ,
		body:           env.Entity,
		editType:       editType,
		actor:          req.Actor,
		isDeleted:      true,
		deletionReason: req.Reason,
		audit:          audit,
		hardDelete:     hard,
		edit: protection.Edit{
			EditType:        editType,
			IsAutoconfirmed: req.IsAutoconfirmed,
		},
		transform: func(f metadata.Flags) metadata.Flags {
			f.Deleted = hard
			return f
		},
	})
}

// UndeleteRequest restores a soft-deleted entity.
type UndeleteRequest struct {
	ID              entity.ExternalID
	Actor           string
	IsAutoconfirmed bool
}

// Undelete writes a normal revision restoring the body preserved by the
// soft-delete tombstone. Hard-deleted entities cannot be undeleted here;
// their head flag rejects every edit.
func (p *Pipeline) Undelete(ctx context.Context, req UndeleteRequest) (*Result, error) {
	_, typ, err := entity.ParseExternalID(string(req.ID))
	if err != nil {
		return nil, err
	}
	internal, err := p.meta.ResolveExternal(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	head, err := p.meta.GetHead(ctx, internal)
	if err != nil {
		if entity.IsCode(err, entity.ErrNotFound) {
			return nil, entity.NewNoRevisionsError(req.ID)
		}
		return nil, err
	}

	// Hard-deleted heads reject the undelete outright; checking here keeps
	// the error a protection denial rather than a misleading edit-type
	// complaint.
	if err := protection.Evaluate(req.ID, head, protection.Edit{
		EditType:        entity.EditUndelete,
		IsAutoconfirmed: req.IsAutoconfirmed,
	}); err != nil {
		return nil, err
	}

	headRow, err := p.meta.GetRevision(ctx, internal, head.HeadRevisionID)
	if err != nil {
		return nil, err
	}
	if headRow.EditType != entity.EditSoftDelete {
		return nil, entity.NewInvalidArgumentError(
			fmt.Sprintf("entity %s is not soft-deleted", req.ID))
	}

	env, err := p.loadEnvelope(ctx, req.ID, head.HeadRevisionID)
	if err != nil {
		return nil, err
	}

	return p.publish(ctx, revision{
		externalID: req.ID,
		internalID: internal,
		entityType: typ,
		body:       env.Entity,
		editType:   entity.EditUndelete,
		actor:      req.Actor,
		edit: protection.Edit{
			EditType:        entity.EditUndelete,
			IsAutoconfirmed: req.IsAutoconfirmed,
		},
		transform: func(f metadata.Flags) metadata.Flags {
			f.Deleted = false
			return f
		},
	})
}

// loadEnvelope fetches and decodes the snapshot of one revision.
func (p *Pipeline) loadEnvelope(ctx context.Context, id entity.ExternalID, rev uint64) (*entity.Envelope, error) {
	data, _, err := p.snaps.Get(ctx, snapshot.URIFor(id, rev))
	if err != nil {
		return nil, err
	}
	return entity.DecodeEnvelope(data, entity.SchemaVersions{Current: p.schema})
}

// emptyBody is the minimal per-type body carried by redirect tombstones.
func emptyBody(id entity.ExternalID, typ entity.EntityType) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"type":%q}`, id, typ))
}
