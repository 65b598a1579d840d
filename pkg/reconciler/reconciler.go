// Package reconciler repairs the gaps a crashed or raced write can leave
// between the snapshot store and the metadata layer.
//
// A write lands its phases in a fixed order: snapshot pending, metadata
// row, head CAS, publish tag. A crash between any two phases is repairable
// from the later state alone, and every repair is idempotent:
//
//   - pending snapshot without a metadata row: backfill the row from the
//     envelope
//   - pending snapshot at or below the head: flip it to published
//   - metadata row beyond the head with a published snapshot: advance the
//     head by CAS
//   - pending snapshot past the abandonment TTL with no metadata row:
//     leave the object, log, and move on
//
// The head never moves backward.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/metrics"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

// Config bundles the reconciler's collaborators and tuning knobs.
type Config struct {
	Metadata  metadata.Store
	Snapshots snapshot.Store

	// MinPendingAge keeps the sweep away from writes still in flight.
	// Defaults to 1 minute.
	MinPendingAge time.Duration

	// AbandonmentTTL is the age past which a pending snapshot with no
	// metadata row is declared abandoned. Defaults to 24 hours.
	AbandonmentTTL time.Duration

	// Interval between sweeps for Run. Defaults to 5 minutes.
	Interval time.Duration

	// BatchLimit bounds each scan. Defaults to 500.
	BatchLimit int

	// SchemaVersions controls envelope decoding during backfill.
	SchemaVersions entity.SchemaVersions

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Metrics is optional.
	Metrics metrics.ReconcilerMetrics
}

// Reconciler runs the repair sweep.
type Reconciler struct {
	meta    metadata.Store
	snaps   snapshot.Store
	minAge  time.Duration
	ttl     time.Duration
	period  time.Duration
	limit   int
	schemas entity.SchemaVersions
	clock   clock.Clock
	metrics metrics.ReconcilerMetrics
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Metadata == nil || cfg.Snapshots == nil {
		return nil, fmt.Errorf("reconciler: metadata and snapshot stores are required")
	}
	if cfg.MinPendingAge <= 0 {
		cfg.MinPendingAge = time.Minute
	}
	if cfg.AbandonmentTTL <= 0 {
		cfg.AbandonmentTTL = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.SchemaVersions.Current == "" {
		cfg.SchemaVersions.Current = "1.0.0"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Reconciler{
		meta:    cfg.Metadata,
		snaps:   cfg.Snapshots,
		minAge:  cfg.MinPendingAge,
		ttl:     cfg.AbandonmentTTL,
		period:  cfg.Interval,
		limit:   cfg.BatchLimit,
		schemas: cfg.SchemaVersions,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.ErrorCtx(ctx, "reconciler sweep failed",
					logger.KeyComponent, "reconciler",
					logger.KeyError, err.Error(),
				)
			}
		}
	}
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned       int
	MetaBackfills int
	Published     int
	HeadAdvances  int
	Abandoned     int
}

// Sweep runs one full repair pass: pending snapshots first, then lagging
// heads.
func (r *Reconciler) Sweep(ctx context.Context) (st Stats, err error) {
	start := r.clock.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ObserveSweep(time.Since(start), err)
		}
	}()

	if err = r.sweepPending(ctx, &st); err != nil {
		return st, err
	}
	if err = r.sweepLaggingHeads(ctx, &st); err != nil {
		return st, err
	}
	return st, nil
}

func (r *Reconciler) sweepPending(ctx context.Context, st *Stats) error {
	cutoff := r.clock.Now().Add(-r.minAge)
	uris, err := r.snaps.ListPendingOlderThan(ctx, cutoff, r.limit)
	if err != nil {
		return fmt.Errorf("listing pending snapshots: %w", err)
	}

	for _, uri := range uris {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Scanned++
		if err := r.repairPending(ctx, uri, st); err != nil {
			// One broken object must not stall the sweep.
			logger.WarnCtx(ctx, "pending snapshot repair failed",
				logger.KeyComponent, "reconciler",
				logger.KeyURI, uri,
				logger.KeyError, err.Error(),
			)
		}
	}
	return nil
}

// repairPending applies the pending-snapshot rules to one object.
func (r *Reconciler) repairPending(ctx context.Context, uri string, st *Stats) error {
	externalID, rev, err := snapshot.ParseURI(uri)
	if err != nil {
		return err
	}

	data, state, err := r.snaps.Get(ctx, uri)
	if err != nil {
		return err
	}
	if state == entity.StatePublished {
		// Someone repaired it between the listing and now.
		return nil
	}

	env, err := entity.DecodeEnvelope(data, r.schemas)
	if err != nil {
		return err
	}

	internal, err := r.meta.ResolveExternal(ctx, externalID)
	if err != nil {
		return err
	}

	_, err = r.meta.GetRevision(ctx, internal, rev)
	switch {
	case err == nil:
		// Row present: the write reached phase B.
	case entity.IsCode(err, entity.ErrRevisionNotFound):
		if r.clock.Now().Sub(env.CreatedAt) > r.ttl {
			// Too old to trust: the writer died before phase B and nobody
			// claimed the revision since. The object stays in place; the
			// revision id is free for the next writer.
			st.Abandoned++
			r.recordRepair("abandon")
			logger.WarnCtx(ctx, "abandoning pending snapshot",
				logger.KeyComponent, "reconciler",
				logger.KeyEntityID, string(externalID),
				logger.KeyRevisionID, rev,
				logger.KeyURI, uri,
			)
			return nil
		}
		if err := r.backfillMeta(ctx, internal, rev, env, len(data)); err != nil {
			return err
		}
		st.MetaBackfills++
		r.recordRepair("meta_backfill")
	default:
		return err
	}

	// The write is durable through phase B. Finish its remaining phases:
	// CAS the head if this is the next revision, then publish.
	head, err := r.meta.GetHead(ctx, internal)
	if err != nil {
		if !entity.IsCode(err, entity.ErrNotFound) {
			return err
		}
		if rev != 1 {
			return nil
		}
		// First write of a fresh entity died between phases B and C.
		flags, ferr := r.flagsFrom(ctx, env, &metadata.HeadRow{})
		if ferr != nil {
			return ferr
		}
		if err := r.meta.InsertHead(ctx, internal, 1, flags, r.clock.Now().UTC()); err != nil &&
			!entity.IsCode(err, entity.ErrAlreadyExists) {
			return err
		}
		st.HeadAdvances++
		r.recordRepair("head_advance")
		head = &metadata.HeadRow{InternalID: internal, HeadRevisionID: 1}
	}

	if head.HeadRevisionID == rev-1 {
		flags, err := r.flagsFrom(ctx, env, head)
		if err != nil {
			return err
		}
		err = r.meta.CASHead(ctx, internal, head.HeadRevisionID, rev, flags, r.clock.Now().UTC())
		switch {
		case err == nil:
			st.HeadAdvances++
			r.recordRepair("head_advance")
			head.HeadRevisionID = rev
		case entity.IsCode(err, entity.ErrCASFailed):
			// A live writer moved the head; their view is fresher.
			return nil
		default:
			return err
		}
	}

	if head.HeadRevisionID >= rev {
		if err := r.snaps.SetState(ctx, uri, entity.StatePublished); err != nil {
			return err
		}
		st.Published++
		r.recordRepair("publish")
		logger.InfoCtx(ctx, "published lagging snapshot",
			logger.KeyComponent, "reconciler",
			logger.KeyEntityID, string(externalID),
			logger.KeyRevisionID, rev,
		)
	}
	return nil
}

// flagsFrom derives the head flags a revision's CAS should install:
// protection flags carry over, deletion and redirect state come from the
// envelope.
func (r *Reconciler) flagsFrom(ctx context.Context, env *entity.Envelope, head *metadata.HeadRow) (metadata.Flags, error) {
	flags := metadata.FlagsOf(head)
	flags.Deleted = env.EditType == entity.EditHardDelete
	flags.RedirectsTo = nil
	if env.RedirectsTo != nil {
		target, err := r.meta.ResolveExternal(ctx, *env.RedirectsTo)
		if err != nil {
			return metadata.Flags{}, err
		}
		flags.RedirectsTo = &target
	}
	return flags, nil
}

// backfillMeta reconstructs the revision row from the envelope. Insertion
// is idempotent on the primary key; a concurrent writer landing the same
// row first is fine.
func (r *Reconciler) backfillMeta(ctx context.Context, internal entity.InternalID, rev uint64, env *entity.Envelope, size int) error {
	hash := env.ContentHash
	row := metadata.RevisionRow{
		InternalID:       internal,
		RevisionID:       rev,
		CreatedAt:        env.CreatedAt,
		CreatedBy:        env.CreatedBy,
		SizeBytes:        int64(size),
		IsMassEdit:       env.EditType == entity.EditMassEdit,
		EditType:         env.EditType,
		ValidationStatus: entity.ValidationPending,
		SchemaVersion:    env.SchemaVersion,
		ContentHash:      &hash,
	}
	err := r.meta.InsertRevisionMeta(ctx, row)
	if err != nil && !entity.IsCode(err, entity.ErrAlreadyExists) {
		return err
	}
	return nil
}

// sweepLaggingHeads advances heads that lost the phase C race but whose
// snapshots are already published.
func (r *Reconciler) sweepLaggingHeads(ctx context.Context, st *Stats) error {
	rows, err := r.meta.ListHeadLagging(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("listing lagging heads: %w", err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Scanned++
		if err := r.advanceHead(ctx, row, st); err != nil {
			logger.WarnCtx(ctx, "head advance failed",
				logger.KeyComponent, "reconciler",
				logger.KeyRevisionID, row.RevisionID,
				logger.KeyError, err.Error(),
			)
		}
	}
	return nil
}

func (r *Reconciler) advanceHead(ctx context.Context, row metadata.RevisionRow, st *Stats) error {
	mapping, err := r.meta.ResolveInternal(ctx, row.InternalID)
	if err != nil {
		return err
	}
	uri := snapshot.URIFor(mapping.ExternalID, row.RevisionID)
	data, state, err := r.snaps.Get(ctx, uri)
	if err != nil {
		return err
	}
	if state != entity.StatePublished {
		// Covered by the pending sweep once the head catches up, or
		// abandoned. Advancing the head onto an unpublished snapshot would
		// publish a revision that never finished.
		return nil
	}

	head, err := r.meta.GetHead(ctx, row.InternalID)
	if err != nil {
		return err
	}
	if head.HeadRevisionID >= row.RevisionID {
		return nil
	}

	env, err := entity.DecodeEnvelope(data, r.schemas)
	if err != nil {
		return err
	}
	flags, err := r.flagsFrom(ctx, env, head)
	if err != nil {
		return err
	}

	err = r.meta.CASHead(ctx, row.InternalID, head.HeadRevisionID, row.RevisionID, flags, r.clock.Now().UTC())
	if err != nil {
		if entity.IsCode(err, entity.ErrCASFailed) {
			// A live writer moved the head; their view is fresher.
			return nil
		}
		return err
	}
	st.HeadAdvances++
	r.recordRepair("head_advance")
	logger.InfoCtx(ctx, "advanced lagging head",
		logger.KeyComponent, "reconciler",
		logger.KeyEntityID, string(mapping.ExternalID),
		logger.KeyToRev, row.RevisionID,
	)
	return nil
}

func (r *Reconciler) recordRepair(kind string) {
	if r.metrics != nil {
		r.metrics.RecordRepair(kind)
	}
}
