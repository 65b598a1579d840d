package events

import (
	"context"
	"time"

	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/pkg/entity"
)

// Emitter is the write pipeline's view of event delivery: publish if the
// sink is up, spill to the outbox if it is not, never block the write.
type Emitter struct {
	sink   Sink
	outbox Outbox
}

// NewEmitter creates an Emitter. outbox may be nil, in which case failed
// events are logged and dropped.
func NewEmitter(sink Sink, outbox Outbox) *Emitter {
	return &Emitter{sink: sink, outbox: outbox}
}

// AdmitWrite is the pipeline's pre-flight check. A full outbox means the
// sink has been down long enough that accepting another write risks
// losing its event, so the write is refused as retryable instead. An
// unreachable outbox store admits the write; spilling still has the
// direct publish path in front of it.
func (e *Emitter) AdmitWrite(ctx context.Context) error {
	if e.outbox == nil {
		return nil
	}
	full, err := e.outbox.Backlogged(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "outbox backlog check failed, admitting write",
			logger.KeyComponent, "emitter",
			logger.KeyError, err.Error(),
		)
		return nil
	}
	if full {
		return entity.NewTransientError("event outbox backlog cap reached", nil)
	}
	return nil
}

// Emit publishes the event best-effort. It never returns an error to the
// write path; the returned bool reports whether the event was delivered
// directly (false means spilled or dropped).
func (e *Emitter) Emit(ctx context.Context, ev ChangeEvent) bool {
	err := e.sink.Publish(ctx, ev)
	if err == nil {
		return true
	}

	logger.WarnCtx(ctx, "event publish failed, spilling to outbox",
		logger.KeyComponent, "emitter",
		logger.KeyEntityID, string(ev.ExternalID),
		logger.KeyToRev, ev.ToRevisionID,
		logger.KeyError, err.Error(),
	)

	if e.outbox == nil {
		return false
	}
	if qErr := e.outbox.Enqueue(ctx, ev); qErr != nil {
		logger.ErrorCtx(ctx, "outbox enqueue failed, event dropped",
			logger.KeyComponent, "emitter",
			logger.KeyEntityID, string(ev.ExternalID),
			logger.KeyToRev, ev.ToRevisionID,
			logger.KeyError, qErr.Error(),
		)
	}
	return false
}

// OutboxWorker drains the outbox on an interval.
type OutboxWorker struct {
	sink     Sink
	outbox   Outbox
	interval time.Duration
	batch    int
}

// NewOutboxWorker creates a worker. interval defaults to 10s, batch to 100.
func NewOutboxWorker(sink Sink, outbox Outbox, interval time.Duration, batch int) *OutboxWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxWorker{sink: sink, outbox: outbox, interval: interval, batch: batch}
}

// Run drains until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				logger.ErrorCtx(ctx, "outbox drain failed",
					logger.KeyComponent, "outbox",
					logger.KeyError, err.Error(),
				)
			}
		}
	}
}

// DrainOnce attempts delivery of one batch. Delivery stops at the first
// failed entry: entries are queued in emission order, and delivering a
// later event past an undelivered earlier one would break per-entity
// ordering.
func (w *OutboxWorker) DrainOnce(ctx context.Context) error {
	entries, err := w.outbox.ListPending(ctx, w.batch)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := w.sink.Publish(ctx, entry.Event); err != nil {
			if aErr := w.outbox.RecordAttempt(ctx, entry.ID); aErr != nil {
				return aErr
			}
			logger.WarnCtx(ctx, "outbox delivery failed, keeping entry",
				logger.KeyComponent, "outbox",
				logger.KeyEntityID, string(entry.Event.ExternalID),
				logger.KeyToRev, entry.Event.ToRevisionID,
				logger.KeyAttempt, entry.Attempts+1,
				logger.KeyError, err.Error(),
			)
			return nil
		}
		if err := w.outbox.MarkDelivered(ctx, entry.ID); err != nil {
			return err
		}
	}
	return nil
}
