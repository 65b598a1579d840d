package logger

// Standard field keys for structured logging. Use these consistently across
// all log statements so aggregation queries work regardless of which
// component emitted the line.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Entity addressing
	KeyEntityID   = "entity_id"   // External entity ID (Q42, P31, ...)
	KeyInternalID = "internal_id" // 64-bit internal ID (shard key)
	KeyRevisionID = "revision_id" // Revision number within an entity
	KeyFromRev    = "from_rev"    // Previous revision in a change event
	KeyToRev      = "to_rev"      // New revision in a change event
	KeyURI        = "uri"         // Snapshot object key

	// Write pipeline
	KeyEditType    = "edit_type"    // create, update, redirect, soft-delete, ...
	KeyContentHash = "content_hash" // 64-bit content fingerprint
	KeyAttempt     = "attempt"      // Retry attempt number
	KeyPhase       = "phase"        // Pipeline phase (pending_put, meta, cas, publish)

	// Workers
	KeyComponent  = "component"  // pipeline, poller, reconciler, outbox
	KeyBatchSize  = "batch_size" // Poller/reconciler batch size
	KeyCheckpoint = "checkpoint" // Poller checkpoint timestamp

	// Request handling
	KeyActor      = "actor"       // Requesting user/service identity
	KeyStatus     = "status"      // Operation status or HTTP status code
	KeyDurationMS = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
)
