package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys. These follow OpenTelemetry semantic conventions
// where applicable; entitygraph-specific keys use the "entity." prefix.
const (
	// Entity attributes
	AttrExternalID  = "entity.external_id"
	AttrInternalID  = "entity.internal_id"
	AttrRevisionID  = "entity.revision_id"
	AttrEditType    = "entity.edit_type"
	AttrContentHash = "entity.content_hash"
	AttrActor       = "entity.actor"
	AttrFlag        = "entity.flag"
	AttrDeleteType  = "entity.delete_type"
	AttrRedirect    = "entity.redirect_target"

	// Snapshot attributes
	AttrSnapshotURI   = "snapshot.uri"
	AttrSnapshotState = "snapshot.state"
	AttrSnapshotSize  = "snapshot.size"

	// Cache attributes
	AttrCacheHit    = "cache.hit"
	AttrCacheSource = "cache.source"

	// Storage backend attributes
	AttrStoreName = "store.name"
	AttrStoreType = "store.type"
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrRegion    = "storage.region"

	// Background worker attributes
	AttrBatchSize  = "batch.size"
	AttrCheckpoint = "batch.checkpoint"
)

// Span names. Format: <component>.<operation>.
const (
	SpanWriteEntity    = "write.entity"
	SpanWriteRedirect  = "write.redirect"
	SpanWriteRevert    = "write.revert_redirect"
	SpanWriteDelete    = "write.delete"
	SpanWriteUndelete  = "write.undelete"
	SpanReadLatest     = "read.latest"
	SpanReadRevision   = "read.revision"
	SpanReadHistory    = "read.history"
	SpanSnapshotPut    = "snapshot.put"
	SpanSnapshotGet    = "snapshot.get"
	SpanSnapshotState  = "snapshot.set_state"
	SpanMetaLookup     = "metadata.lookup"
	SpanMetaUpdate     = "metadata.update"
	SpanMetaCreate     = "metadata.create"
	SpanCacheLookup    = "cache.lookup"
	SpanCacheWrite     = "cache.write"
	SpanReconcileSweep = "reconcile.sweep"
	SpanPollBatch      = "poll.batch"
)

// ExternalID returns an attribute for an entity external ID
func ExternalID(id string) attribute.KeyValue {
	return attribute.String(AttrExternalID, id)
}

// InternalID returns an attribute for an entity internal ID
func InternalID(id int64) attribute.KeyValue {
	return attribute.Int64(AttrInternalID, id)
}

// RevisionID returns an attribute for a revision number
func RevisionID(rev uint64) attribute.KeyValue {
	return attribute.Int64(AttrRevisionID, int64(rev))
}

// EditType returns an attribute for the kind of edit
func EditType(t string) attribute.KeyValue {
	return attribute.String(AttrEditType, t)
}

// ContentHash returns an attribute for a snapshot content hash
func ContentHash(hash uint64) attribute.KeyValue {
	return attribute.String(AttrContentHash, fmt.Sprintf("%016x", hash))
}

// Actor returns an attribute for the acting user
func Actor(name string) attribute.KeyValue {
	return attribute.String(AttrActor, name)
}

// Flag returns an attribute for a protection flag name
func Flag(name string) attribute.KeyValue {
	return attribute.String(AttrFlag, name)
}

// DeleteType returns an attribute for the deletion kind (soft, hard)
func DeleteType(t string) attribute.KeyValue {
	return attribute.String(AttrDeleteType, t)
}

// RedirectTarget returns an attribute for a redirect target
func RedirectTarget(id string) attribute.KeyValue {
	return attribute.String(AttrRedirect, id)
}

// SnapshotURI returns an attribute for a snapshot object URI
func SnapshotURI(uri string) attribute.KeyValue {
	return attribute.String(AttrSnapshotURI, uri)
}

// SnapshotState returns an attribute for a snapshot lifecycle state
func SnapshotState(state string) attribute.KeyValue {
	return attribute.String(AttrSnapshotState, state)
}

// SnapshotSize returns an attribute for a snapshot payload size
func SnapshotSize(size int) attribute.KeyValue {
	return attribute.Int(AttrSnapshotSize, size)
}

// CacheHit returns an attribute indicating a cache hit or miss
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// CacheSource returns an attribute for where a cached value came from
func CacheSource(source string) attribute.KeyValue {
	return attribute.String(AttrCacheSource, source)
}

// StoreName returns an attribute for a backing store name
func StoreName(name string) attribute.KeyValue {
	return attribute.String(AttrStoreName, name)
}

// StoreType returns an attribute for a backing store type
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Bucket returns an attribute for an object store bucket
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for an object store key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Region returns an attribute for an object store region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// BatchSize returns an attribute for a worker batch size
func BatchSize(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// Checkpoint returns an attribute for a poller checkpoint timestamp
func Checkpoint(ts string) attribute.KeyValue {
	return attribute.String(AttrCheckpoint, ts)
}

// StartWriteSpan starts a span for a write pipeline operation.
func StartWriteSpan(ctx context.Context, name string, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{ExternalID(id)}, attrs...)
	return Tracer().Start(ctx, name, trace.WithAttributes(all...))
}

// StartReadSpan starts a span for a read path operation.
func StartReadSpan(ctx context.Context, name string, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{ExternalID(id)}, attrs...)
	return Tracer().Start(ctx, name, trace.WithAttributes(all...))
}

// StartSnapshotSpan starts a span for a snapshot store operation.
func StartSnapshotSpan(ctx context.Context, operation string, uri string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{SnapshotURI(uri)}, attrs...)
	return Tracer().Start(ctx, fmt.Sprintf("snapshot.%s", operation), trace.WithAttributes(all...))
}

// StartMetadataSpan starts a span for a metadata store operation.
func StartMetadataSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, fmt.Sprintf("metadata.%s", operation), trace.WithAttributes(attrs...))
}

// StartCacheSpan starts a span for a cache operation.
func StartCacheSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, fmt.Sprintf("cache.%s", operation), trace.WithAttributes(attrs...))
}

// StartWorkerSpan starts a span for a background worker pass (reconciler
// sweep, poller batch).
func StartWorkerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}
