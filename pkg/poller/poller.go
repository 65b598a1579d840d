// Package poller derives an ordered change stream from the metadata layer
// alone. It needs no hooks inside the write path: any head movement shows
// up as a bumped updated_at, and the poller turns those into change
// events.
//
// Delivery is at-least-once. The checkpoint advances only after every
// event of a batch is accepted by the sink, so a sink outage pauses the
// stream instead of dropping from it. Within one entity, events come out
// in revision order because the head only ever moves forward.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/events"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/metrics"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

// CheckpointName is the live poller's checkpoint key in the state store.
const CheckpointName = "poller"

// Checkpoints persists the poller's progress.
type Checkpoints interface {
	GetCheckpoint(ctx context.Context, name string) (time.Time, error)
	SetCheckpoint(ctx context.Context, name string, pos time.Time) error
}

// Config bundles the poller's collaborators.
type Config struct {
	Metadata    metadata.Store
	Snapshots   snapshot.Store
	Sink        events.Sink
	Checkpoints Checkpoints

	// Interval between polling cycles for Run. Defaults to 1 minute.
	Interval time.Duration

	// BatchSize bounds one head-table scan. Defaults to 500.
	BatchSize int

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Metrics is optional.
	Metrics metrics.PollerMetrics
}

// Poller emits entity change events.
type Poller struct {
	meta    metadata.Store
	snaps   snapshot.Store
	sink    events.Sink
	ckpts   Checkpoints
	period  time.Duration
	batch   int
	clock   clock.Clock
	metrics metrics.PollerMetrics
}

// New creates a Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Metadata == nil || cfg.Snapshots == nil || cfg.Sink == nil || cfg.Checkpoints == nil {
		return nil, fmt.Errorf("poller: metadata, snapshots, sink and checkpoints are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Poller{
		meta:    cfg.Metadata,
		snaps:   cfg.Snapshots,
		sink:    cfg.Sink,
		ckpts:   cfg.Checkpoints,
		period:  cfg.Interval,
		batch:   cfg.BatchSize,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}, nil
}

// Run polls on the configured interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				logger.ErrorCtx(ctx, "polling cycle failed",
					logger.KeyComponent, "poller",
					logger.KeyError, err.Error(),
				)
			}
		}
	}
}

// Poll runs one cycle: scan heads changed since the checkpoint, emit an
// event per entity, then advance the checkpoint. It returns the number of
// events emitted.
//
// The checkpoint moves only when the whole batch is accepted; a sink
// refusal leaves it in place and the next cycle re-reads the same heads.
func (p *Poller) Poll(ctx context.Context) (n int, err error) {
	start := p.clock.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveBatch(n, time.Since(start), err)
		}
	}()

	since, err := p.ckpts.GetCheckpoint(ctx, CheckpointName)
	if err != nil {
		return 0, err
	}

	rows, err := p.meta.ListChangedSince(ctx, since, p.batch)
	if err != nil {
		return 0, fmt.Errorf("scanning changed heads: %w", err)
	}
	if len(rows) == 0 {
		p.reportLag(since)
		return 0, nil
	}

	emitted, covered, batchErr := p.emitBatch(ctx, rows)
	n = emitted
	if batchErr != nil {
		// Back-pressure: the checkpoint only covers what went out, the
		// cycle ends, and the next one resumes at the refused row.
		logger.WarnCtx(ctx, "event delivery paused",
			logger.KeyComponent, "poller",
			logger.KeyError, batchErr.Error(),
		)
	}
	if covered.IsZero() {
		return n, nil
	}

	if err := p.ckpts.SetCheckpoint(ctx, CheckpointName, covered); err != nil {
		return n, fmt.Errorf("advancing checkpoint: %w", err)
	}
	p.reportLag(covered)
	return n, nil
}

// Backfill emits change events for heads whose updated_at falls in
// (start, end], without touching the live checkpoint. It pages through
// the range until exhausted.
//
// Paging uses a strictly-after cursor, so a full page must never end
// inside a run of rows sharing one updated_at: the held-back part of the
// run would be skipped forever. The trailing run is deferred to the next
// page, and when the whole page is one run the page is widened until the
// run fits.
func (p *Poller) Backfill(ctx context.Context, startTime, endTime time.Time) (int, error) {
	total := 0
	cursor := startTime
	limit := p.batch
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rows, err := p.meta.ListChangedBetween(ctx, cursor, endTime, limit)
		if err != nil {
			return total, fmt.Errorf("scanning backfill range: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		full := len(rows) == limit
		if full {
			last := rows[len(rows)-1].UpdatedAt
			cut := len(rows)
			for cut > 0 && rows[cut-1].UpdatedAt.Equal(last) {
				cut--
			}
			if cut == 0 {
				limit += p.batch
				continue
			}
			rows = rows[:cut]
		}

		emitted, _, err := p.emitBatch(ctx, rows)
		total += emitted
		if err != nil {
			return total, err
		}
		if !full {
			return total, nil
		}
		cursor = rows[len(rows)-1].UpdatedAt
		limit = p.batch
	}
}

// emitBatch publishes one event per head row, in scan order. It returns
// the count of emitted events and the largest updated_at fully covered:
// every head changed at or before it has been delivered.
//
// A row that cannot go out stops the batch. That covers sink refusal and
// heads whose snapshot is not yet published; the latter will not bump
// updated_at again when the reconciler publishes it, so the checkpoint
// must stop short of it. The covered watermark backs off to the newest
// emitted updated_at strictly before the stopped row's, because the
// follow-up scan is strictly-after and a tie would skip the stopped row
// forever.
func (p *Poller) emitBatch(ctx context.Context, rows []metadata.HeadRow) (int, time.Time, error) {
	emitted := 0

	for i, row := range rows {
		err := ctx.Err()
		if err == nil {
			var ev *events.ChangeEvent
			ev, err = p.buildEvent(ctx, row)
			if err == nil {
				err = p.sink.Publish(ctx, *ev)
			}
		}
		if err != nil {
			var covered time.Time
			for j := i - 1; j >= 0; j-- {
				if rows[j].UpdatedAt.Before(row.UpdatedAt) {
					covered = rows[j].UpdatedAt
					break
				}
			}
			return emitted, covered, err
		}
		emitted++
	}
	return emitted, rows[len(rows)-1].UpdatedAt, nil
}

// errHeadUnpublished stops a batch at a head whose snapshot has not been
// tagged published yet; a later cycle retries after the reconciler ran.
var errHeadUnpublished = fmt.Errorf("head revision not yet published")

// buildEvent assembles the change event for one head row.
func (p *Poller) buildEvent(ctx context.Context, row metadata.HeadRow) (*events.ChangeEvent, error) {
	mapping, err := p.meta.ResolveInternal(ctx, row.InternalID)
	if err != nil {
		return nil, err
	}

	// The current snapshot must exist and be published before the change
	// is announced downstream.
	_, state, err := p.snaps.Get(ctx, snapshot.URIFor(mapping.ExternalID, row.HeadRevisionID))
	if err != nil {
		return nil, err
	}
	if state != entity.StatePublished {
		logger.WarnCtx(ctx, "head revision not yet published, pausing",
			logger.KeyComponent, "poller",
			logger.KeyEntityID, string(mapping.ExternalID),
			logger.KeyRevisionID, row.HeadRevisionID,
		)
		return nil, errHeadUnpublished
	}

	ev := events.ChangeEvent{
		ExternalID:   mapping.ExternalID,
		ToRevisionID: row.HeadRevisionID,
		ChangedAt:    row.UpdatedAt,
	}
	prev, err := p.meta.PreviousRevision(ctx, row.InternalID, row.HeadRevisionID)
	switch {
	case err == nil:
		from := prev.RevisionID
		ev.FromRevisionID = &from
	case entity.IsCode(err, entity.ErrRevisionNotFound):
		// New entity: from stays null.
	default:
		return nil, err
	}
	return &ev, nil
}

func (p *Poller) reportLag(checkpoint time.Time) {
	if p.metrics == nil {
		return
	}
	if checkpoint.IsZero() {
		return
	}
	p.metrics.SetCheckpointLag(p.clock.Now().Sub(checkpoint))
}
