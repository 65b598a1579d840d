package metrics

import "time"

// SnapshotMetrics observes object store operations.
type SnapshotMetrics interface {
	// ObserveOperation records one backend call with its duration and
	// outcome. operation is the backend call name (PutObject, Get, ...).
	ObserveOperation(operation string, duration time.Duration, err error)
}

// PipelineMetrics observes the write pipeline.
type PipelineMetrics interface {
	// ObserveWrite records one completed write request end to end.
	ObserveWrite(editType string, duration time.Duration, err error)

	// RecordRetry counts a pipeline restart, labeled by the phase whose
	// failure triggered it (meta, cas, allocate).
	RecordRetry(phase string)

	// RecordDedupe counts a write short-circuited by the content-hash
	// dedupe check.
	RecordDedupe()
}

// PollerMetrics observes the change poller.
type PollerMetrics interface {
	// ObserveBatch records one polling cycle.
	ObserveBatch(size int, duration time.Duration, err error)

	// SetCheckpointLag reports how far the checkpoint trails the wall
	// clock after a cycle.
	SetCheckpointLag(lag time.Duration)
}

// ReconcilerMetrics observes the reconciler.
type ReconcilerMetrics interface {
	// ObserveSweep records one reconciliation sweep.
	ObserveSweep(duration time.Duration, err error)

	// RecordRepair counts one repair action, labeled by kind
	// (publish, meta_backfill, head_advance, abandon).
	RecordRepair(kind string)
}

// CacheMetrics observes a cache layer.
type CacheMetrics interface {
	// RecordHit counts a cache hit for the named cache (id_map, head).
	RecordHit(cache string)

	// RecordMiss counts a cache miss for the named cache.
	RecordMiss(cache string)

	// ObserveOperation records one backend call with duration and outcome.
	ObserveOperation(operation string, duration time.Duration, err error)
}
