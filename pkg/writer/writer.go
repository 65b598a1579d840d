// Package writer implements the revision write pipeline: the single code
// path through which every new revision enters the system.
//
// A write is a two-phase durable operation. The snapshot object lands
// first, tagged pending; the metadata row follows; the head row advances
// by compare-and-swap; only then is the snapshot tagged published. A crash
// between any two phases leaves a state the reconciler can repair without
// ever rolling the head backward.
//
// The pipeline is linearizable per entity: concurrent writers contend on
// the head CAS, losers reload the head and restart from the top. Retries
// always re-enter at the head load, never at a later phase.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entitygraph/entitygraph/internal/bytesize"
	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/internal/telemetry"
	"github.com/entitygraph/entitygraph/pkg/cache"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/entity/canonical"
	"github.com/entitygraph/entitygraph/pkg/events"
	"github.com/entitygraph/entitygraph/pkg/idalloc"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/metrics"
	"github.com/entitygraph/entitygraph/pkg/protection"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

// Config bundles the pipeline's collaborators.
type Config struct {
	Metadata  metadata.Store
	Snapshots snapshot.Store
	Cache     cache.Cache
	Allocator *idalloc.Allocator
	Emitter   *events.Emitter

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// SchemaVersion is the envelope version new revisions are written
	// with.
	SchemaVersion string

	// RetryBudget bounds pipeline restarts on CAS and revision-row
	// contention before surfacing TransientUnavailable. Zero means the
	// default of 5.
	RetryBudget int

	// MaxBodySize rejects entity bodies larger than this before any
	// storage work happens. Zero means the default of 4MB.
	MaxBodySize bytesize.ByteSize

	// Metrics is optional.
	Metrics metrics.PipelineMetrics
}

// Pipeline is the write pipeline.
type Pipeline struct {
	meta    metadata.Store
	snaps   snapshot.Store
	cache   cache.Cache
	alloc   *idalloc.Allocator
	emitter *events.Emitter
	clock   clock.Clock
	schema  string
	budget  int
	maxBody int
	metrics metrics.PipelineMetrics
}

// New creates the pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Metadata == nil || cfg.Snapshots == nil || cfg.Allocator == nil {
		return nil, fmt.Errorf("writer: metadata store, snapshot store and allocator are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = "1.0.0"
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 4 * bytesize.MB
	}
	return &Pipeline{
		meta:    cfg.Metadata,
		snaps:   cfg.Snapshots,
		cache:   cfg.Cache,
		alloc:   cfg.Allocator,
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		schema:  cfg.SchemaVersion,
		budget:  cfg.RetryBudget,
		maxBody: int(cfg.MaxBodySize),
		metrics: cfg.Metrics,
	}, nil
}

// Request is a normal entity write (create, update or mass edit).
type Request struct {
	ExternalID entity.ExternalID
	EntityType entity.EntityType
	Body       json.RawMessage
	Actor      string

	// IsMassEdit marks bot/batch writes for protection and metadata.
	IsMassEdit bool

	// IsAutoconfirmed reports the actor's autoconfirmation status.
	IsAutoconfirmed bool

	// SetFlags optionally changes protection flags in the same CAS.
	// Nil fields keep the current value.
	SetFlags *FlagChange
}

// FlagChange is a partial update of the protection flags.
type FlagChange struct {
	SemiProtected     *bool
	Locked            *bool
	Archived          *bool
	MassEditProtected *bool
}

func (fc *FlagChange) apply(f metadata.Flags) metadata.Flags {
	if fc == nil {
		return f
	}
	if fc.SemiProtected != nil {
		f.SemiProtected = *fc.SemiProtected
	}
	if fc.Locked != nil {
		f.Locked = *fc.Locked
	}
	if fc.Archived != nil {
		f.Archived = *fc.Archived
	}
	if fc.MassEditProtected != nil {
		f.MassEditProtected = *fc.MassEditProtected
	}
	return f
}

// Result reports the outcome of a write.
type Result struct {
	ExternalID  entity.ExternalID
	RevisionID  uint64
	ContentHash uint64

	// Deduplicated is true when the write matched the head's content hash
	// and no new revision was created.
	Deduplicated bool
}

// Write runs the full pipeline for a normal entity write.
func (p *Pipeline) Write(ctx context.Context, req Request) (res *Result, err error) {
	start := p.clock.Now()
	editType := entity.EditUpdate
	if req.IsMassEdit {
		editType = entity.EditMassEdit
	}
	ctx, span := telemetry.StartWriteSpan(ctx, telemetry.SpanWriteEntity, string(req.ExternalID),
		telemetry.EditType(editType), telemetry.Actor(req.Actor))
	defer span.End()
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		if p.metrics != nil {
			p.metrics.ObserveWrite(editType, time.Since(start), err)
		}
	}()

	_, typ, err := entity.ParseExternalID(string(req.ExternalID))
	if err != nil {
		return nil, err
	}
	if req.EntityType == "" {
		req.EntityType = typ
	} else if req.EntityType != typ {
		return nil, entity.NewInvalidArgumentError(
			fmt.Sprintf("entity type %q does not match id prefix of %s", req.EntityType, req.ExternalID))
	}
	if len(req.Body) > p.maxBody {
		return nil, entity.NewInvalidArgumentError(
			fmt.Sprintf("entity body of %d bytes exceeds the %d byte limit", len(req.Body), p.maxBody))
	}
	if err := entity.ValidateBody(req.ExternalID, req.Body); err != nil {
		return nil, err
	}

	internal, created, err := p.resolveOrAllocate(ctx, req.ExternalID, req.EntityType)
	if err != nil {
		return nil, err
	}
	if created {
		editType = entity.EditCreate
	}

	return p.publish(ctx, revision{
		externalID: req.ExternalID,
		internalID: internal,
		entityType: req.EntityType,
		body:       req.Body,
		editType:   editType,
		actor:      req.Actor,
		edit: protection.Edit{
			EditType:        editType,
			IsMassEdit:      req.IsMassEdit,
			IsAutoconfirmed: req.IsAutoconfirmed,
		},
		dedupe: true,
		transform: func(f metadata.Flags) metadata.Flags {
			f = req.SetFlags.apply(f)
			// A normal revision clears deletion and redirect state.
			f.Deleted = false
			f.RedirectsTo = nil
			return f
		},
	})
}

// resolveOrAllocate maps the external ID to its internal ID, allocating a
// fresh one for unknown entities. The race between two creators resolves
// through the unique constraint: the loser re-reads the winner's mapping.
func (p *Pipeline) resolveOrAllocate(ctx context.Context, id entity.ExternalID, typ entity.EntityType) (entity.InternalID, bool, error) {
	if p.cache != nil {
		if internal, ok, _ := p.cache.GetID(ctx, id); ok {
			return internal, false, nil
		}
	}

	internal, err := p.meta.ResolveExternal(ctx, id)
	if err == nil {
		p.cacheID(ctx, id, internal)
		return internal, false, nil
	}
	if !entity.IsCode(err, entity.ErrNotFound) {
		return 0, false, err
	}

	internal, err = p.alloc.Allocate(func(candidate entity.InternalID) error {
		return p.meta.CreateMapping(ctx, metadata.Mapping{
			InternalID: candidate,
			ExternalID: id,
			EntityType: typ,
			CreatedAt:  p.clock.Now().UTC(),
		})
	})
	if err == nil {
		p.cacheID(ctx, id, internal)
		return internal, true, nil
	}

	// A concurrent creator may have inserted the external ID while we
	// were allocating; the mapping is immutable, so re-reading settles it.
	if entity.IsCode(err, entity.ErrAllocatorExhausted) {
		return 0, false, err
	}
	if p.metrics != nil {
		p.metrics.RecordRetry("allocate")
	}
	internal, rerr := p.meta.ResolveExternal(ctx, id)
	if rerr != nil {
		return 0, false, err
	}
	p.cacheID(ctx, id, internal)
	return internal, false, nil
}

func (p *Pipeline) cacheID(ctx context.Context, id entity.ExternalID, internal entity.InternalID) {
	if p.cache == nil {
		return
	}
	if err := p.cache.PutID(ctx, id, internal); err != nil {
		logger.WarnCtx(ctx, "id map cache write failed",
			logger.KeyComponent, "pipeline",
			logger.KeyEntityID, string(id),
			logger.KeyError, err.Error(),
		)
	}
}

// revision is the internal descriptor shared by normal writes, redirects
// and deletions.
type revision struct {
	externalID entity.ExternalID
	internalID entity.InternalID
	entityType entity.EntityType
	body       json.RawMessage
	editType   string
	actor      string
	edit       protection.Edit

	// dedupe enables the content-hash short circuit (normal writes only).
	dedupe bool

	// transform maps the current head flags to the flags the CAS installs.
	transform func(metadata.Flags) metadata.Flags

	// envelope extras for tombstones
	redirectsTo    *entity.ExternalID
	isDeleted      bool
	deletionReason string

	// audit is appended after a successful soft delete.
	audit *metadata.DeleteAudit

	// hardDelete routes Phase C through HardDeleteMark so the head CAS
	// and the audit row commit together.
	hardDelete bool

	// redirectRow is inserted after a successful redirect publish.
	redirectRow *metadata.RedirectRow
}

// publish runs phases A through E with the restart loop. Every restart
// re-reads the head; nothing from a failed attempt is reused.
func (p *Pipeline) publish(ctx context.Context, rev revision) (*Result, error) {
	hash, err := canonical.Hash64(rev.body)
	if err != nil {
		return nil, entity.NewInvalidArgumentError(fmt.Sprintf("entity body is not valid JSON: %v", err))
	}

	// A saturated event outbox refuses the write before any state moves.
	// Every committed write must produce an event, so admission is the
	// only place the backlog cap can bite without losing one.
	if p.emitter != nil {
		if err := p.emitter.AdmitWrite(ctx); err != nil {
			return nil, err
		}
	}

	for attempt := 0; attempt < p.budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, retry, err := p.attempt(ctx, rev, hash)
		if err != nil {
			return nil, err
		}
		if !retry {
			return res, nil
		}
	}
	return nil, entity.NewTransientError(
		fmt.Sprintf("write to %s did not settle after %d attempts", rev.externalID, p.budget), nil)
}

// attempt runs one pass of steps 2-10. retry=true means the head moved
// under us and the caller should restart.
func (p *Pipeline) attempt(ctx context.Context, rev revision, hash uint64) (*Result, bool, error) {
	// Load head. A missing head row means no revision was ever published.
	head, err := p.meta.GetHead(ctx, rev.internalID)
	if err != nil && !entity.IsCode(err, entity.ErrNotFound) {
		return nil, false, err
	}
	var headRev uint64
	if head != nil {
		headRev = head.HeadRevisionID
	}

	// Protection is evaluated against the head observed right now; a
	// restart after a lost CAS re-evaluates against the fresh head.
	if err := protection.Evaluate(rev.externalID, head, rev.edit); err != nil {
		return nil, false, err
	}

	// Dedupe on content hash. Only a plain content revision at the head
	// can absorb an identical write; tombstones never do.
	if rev.dedupe && head != nil {
		row, err := p.meta.GetRevision(ctx, rev.internalID, headRev)
		if err == nil && row.ContentHash != nil && *row.ContentHash == hash && isContentRevision(row.EditType) {
			if p.metrics != nil {
				p.metrics.RecordDedupe()
			}
			return &Result{
				ExternalID:   rev.externalID,
				RevisionID:   headRev,
				ContentHash:  hash,
				Deduplicated: true,
			}, false, nil
		}
	}

	newRev := headRev + 1
	now := p.clock.Now().UTC()
	uri := snapshot.URIFor(rev.externalID, newRev)

	env := entity.Envelope{
		SchemaVersion: p.schema,
		RevisionID:    newRev,
		CreatedAt:     now,
		CreatedBy:     rev.actor,
		EntityType:    rev.entityType,
		EditType:      rev.editType,
		ContentHash:   hash,
		RedirectsTo:   rev.redirectsTo,
		Entity:        rev.body,
	}
	if rev.isDeleted {
		env.IsDeleted = true
		env.DeletionReason = rev.deletionReason
		env.DeletedAt = &now
		env.DeletedBy = rev.actor
	}
	encoded, err := env.Encode()
	if err != nil {
		return nil, false, fmt.Errorf("encoding snapshot envelope: %w", err)
	}

	// Phase A: the pending snapshot. The store refuses to replace an
	// already staged object with different bytes, so two writers racing
	// for the same revision id never corrupt each other's snapshot: the
	// loser restarts on the fresh head. Other failures leave no state
	// behind.
	if err := p.snaps.Put(ctx, uri, encoded, entity.StatePending); err != nil {
		if entity.IsCode(err, entity.ErrAlreadyExists) {
			p.recordRetry(ctx, rev, "snapshot", newRev)
			return nil, true, nil
		}
		return nil, false, entity.NewWriteFailedError(rev.externalID, err)
	}

	// Phase B: the revision metadata row. A unique violation means a
	// concurrent writer took this revision id; the pending object stays
	// for the reconciler and we restart on the fresh head.
	row := metadata.RevisionRow{
		InternalID:       rev.internalID,
		RevisionID:       newRev,
		CreatedAt:        now,
		CreatedBy:        rev.actor,
		SizeBytes:        int64(len(encoded)),
		IsMassEdit:       rev.edit.IsMassEdit,
		EditType:         rev.editType,
		ValidationStatus: entity.ValidationPending,
		SchemaVersion:    p.schema,
		ContentHash:      &hash,
	}
	if err := p.meta.InsertRevisionMeta(ctx, row); err != nil {
		if entity.IsCode(err, entity.ErrAlreadyExists) {
			p.recordRetry(ctx, rev, "meta", newRev)
			return nil, true, nil
		}
		return nil, false, err
	}

	// Phase C: advance the head.
	flags := metadata.Flags{}
	if head != nil {
		flags = metadata.FlagsOf(head)
	}
	if rev.transform != nil {
		flags = rev.transform(flags)
	}

	err = p.advanceHead(ctx, rev, head, headRev, newRev, flags, now)
	if err != nil {
		if entity.IsCode(err, entity.ErrCASFailed) {
			p.recordRetry(ctx, rev, "cas", newRev)
			return nil, true, nil
		}
		return nil, false, err
	}

	// Post-CAS bookkeeping rows (redirect relation, soft-delete audit).
	// These are append-only and idempotent to replay.
	if rev.redirectRow != nil {
		r := *rev.redirectRow
		r.CreatedAt = now
		if err := p.meta.CreateRedirect(ctx, r); err != nil && !entity.IsCode(err, entity.ErrAlreadyExists) {
			logger.ErrorCtx(ctx, "redirect relation insert failed",
				logger.KeyComponent, "pipeline",
				logger.KeyEntityID, string(rev.externalID),
				logger.KeyError, err.Error(),
			)
		}
	}
	if rev.audit != nil && !rev.hardDelete {
		a := *rev.audit
		a.Timestamp = now
		if err := p.meta.AppendDeleteAudit(ctx, a); err != nil {
			logger.ErrorCtx(ctx, "delete audit insert failed",
				logger.KeyComponent, "pipeline",
				logger.KeyEntityID, string(rev.externalID),
				logger.KeyError, err.Error(),
			)
		}
	}

	// Phase D: flip the snapshot to published. The head already points at
	// it, so a failure here only delays visibility until the reconciler
	// retags.
	if err := p.snaps.SetState(ctx, uri, entity.StatePublished); err != nil {
		logger.WarnCtx(ctx, "publish tag failed, leaving for reconciler",
			logger.KeyComponent, "pipeline",
			logger.KeyEntityID, string(rev.externalID),
			logger.KeyRevisionID, newRev,
			logger.KeyURI, uri,
			logger.KeyError, err.Error(),
		)
	}

	// Phase E: write-through head cache and change event. Neither can
	// fail the write.
	p.updateHeadCache(ctx, rev.externalID, newRev, flags)
	p.emitChange(ctx, rev.externalID, headRev, newRev, now)

	return &Result{ExternalID: rev.externalID, RevisionID: newRev, ContentHash: hash}, false, nil
}

func (p *Pipeline) advanceHead(ctx context.Context, rev revision, head *metadata.HeadRow, headRev, newRev uint64, flags metadata.Flags, now time.Time) error {
	if rev.hardDelete {
		audit := *rev.audit
		audit.Timestamp = now
		return p.meta.HardDeleteMark(ctx, rev.internalID, headRev, newRev, flags, audit, now)
	}
	if head == nil {
		return p.meta.InsertHead(ctx, rev.internalID, newRev, flags, now)
	}
	return p.meta.CASHead(ctx, rev.internalID, headRev, newRev, flags, now)
}

func (p *Pipeline) recordRetry(ctx context.Context, rev revision, phase string, newRev uint64) {
	if p.metrics != nil {
		p.metrics.RecordRetry(phase)
	}
	logger.DebugCtx(ctx, "pipeline restart",
		logger.KeyComponent, "pipeline",
		logger.KeyEntityID, string(rev.externalID),
		logger.KeyRevisionID, newRev,
		logger.KeyPhase, phase,
	)
}

func (p *Pipeline) updateHeadCache(ctx context.Context, id entity.ExternalID, rev uint64, flags metadata.Flags) {
	if p.cache == nil {
		return
	}
	entry := cache.HeadEntry{
		HeadRevisionID:      rev,
		IsSemiProtected:     flags.SemiProtected,
		IsLocked:            flags.Locked,
		IsArchived:          flags.Archived,
		IsMassEditProtected: flags.MassEditProtected,
		IsDeleted:           flags.Deleted,
	}
	if flags.RedirectsTo != nil {
		if m, err := p.meta.ResolveInternal(ctx, *flags.RedirectsTo); err == nil {
			entry.RedirectsTo = &m.ExternalID
		}
	}
	if err := p.cache.PutHead(ctx, id, entry); err != nil {
		// A stale entry is worse than none.
		if invErr := p.cache.Invalidate(ctx, id); invErr != nil {
			logger.ErrorCtx(ctx, "head cache invalidation failed",
				logger.KeyComponent, "pipeline",
				logger.KeyEntityID, string(id),
				logger.KeyError, invErr.Error(),
			)
		}
	}
}

func (p *Pipeline) emitChange(ctx context.Context, id entity.ExternalID, fromRev, toRev uint64, at time.Time) {
	if p.emitter == nil {
		return
	}
	ev := events.ChangeEvent{ExternalID: id, ToRevisionID: toRev, ChangedAt: at}
	if fromRev > 0 {
		f := fromRev
		ev.FromRevisionID = &f
	}
	p.emitter.Emit(ctx, ev)
}

// isContentRevision reports whether a head revision of this edit type may
// absorb an identical follow-up write.
func isContentRevision(editType string) bool {
	switch editType {
	case entity.EditRedirect, entity.EditSoftDelete, entity.EditHardDelete:
		return false
	}
	return true
}
