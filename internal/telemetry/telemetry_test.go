package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "entitygraph", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Should be able to call shutdown without error
	err = shutdown(ctx)
	assert.NoError(t, err)

	// Should not be enabled
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	// Reset state
	tracer = nil
	enabled = false

	// Without initialization, should return no-op tracer
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Even without initialization, StartSpan should work (no-op)
	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	// Should be able to end the span
	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return a span even without active span
	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	// Should not panic with no active span
	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	// Should not panic with nil error
	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	// Should not panic with error
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetAttributes(ctx, ExternalID("Q42"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("ExternalID", func(t *testing.T) {
		attr := ExternalID("Q42")
		assert.Equal(t, AttrExternalID, string(attr.Key))
		assert.Equal(t, "Q42", attr.Value.AsString())
	})

	t.Run("InternalID", func(t *testing.T) {
		attr := InternalID(123456789)
		assert.Equal(t, AttrInternalID, string(attr.Key))
		assert.Equal(t, int64(123456789), attr.Value.AsInt64())
	})

	t.Run("RevisionID", func(t *testing.T) {
		attr := RevisionID(7)
		assert.Equal(t, AttrRevisionID, string(attr.Key))
		assert.Equal(t, int64(7), attr.Value.AsInt64())
	})

	t.Run("EditType", func(t *testing.T) {
		attr := EditType("create")
		assert.Equal(t, AttrEditType, string(attr.Key))
		assert.Equal(t, "create", attr.Value.AsString())
	})

	t.Run("ContentHash", func(t *testing.T) {
		attr := ContentHash(0xdeadbeef)
		assert.Equal(t, AttrContentHash, string(attr.Key))
		assert.Equal(t, "00000000deadbeef", attr.Value.AsString())
	})

	t.Run("Actor", func(t *testing.T) {
		attr := Actor("alice")
		assert.Equal(t, AttrActor, string(attr.Key))
		assert.Equal(t, "alice", attr.Value.AsString())
	})

	t.Run("DeleteType", func(t *testing.T) {
		attr := DeleteType("soft")
		assert.Equal(t, AttrDeleteType, string(attr.Key))
		assert.Equal(t, "soft", attr.Value.AsString())
	})

	t.Run("SnapshotURI", func(t *testing.T) {
		attr := SnapshotURI("eg://Q42/7")
		assert.Equal(t, AttrSnapshotURI, string(attr.Key))
		assert.Equal(t, "eg://Q42/7", attr.Value.AsString())
	})

	t.Run("SnapshotState", func(t *testing.T) {
		attr := SnapshotState("published")
		assert.Equal(t, AttrSnapshotState, string(attr.Key))
		assert.Equal(t, "published", attr.Value.AsString())
	})

	t.Run("CacheHit", func(t *testing.T) {
		attr := CacheHit(true)
		assert.Equal(t, AttrCacheHit, string(attr.Key))
		assert.True(t, attr.Value.AsBool())
	})

	t.Run("CacheSource", func(t *testing.T) {
		attr := CacheSource("head")
		assert.Equal(t, AttrCacheSource, string(attr.Key))
		assert.Equal(t, "head", attr.Value.AsString())
	})

	t.Run("Bucket", func(t *testing.T) {
		attr := Bucket("my-bucket")
		assert.Equal(t, AttrBucket, string(attr.Key))
		assert.Equal(t, "my-bucket", attr.Value.AsString())
	})

	t.Run("StorageKey", func(t *testing.T) {
		attr := StorageKey("snapshots/Q42/7.json")
		assert.Equal(t, AttrKey, string(attr.Key))
		assert.Equal(t, "snapshots/Q42/7.json", attr.Value.AsString())
	})

	t.Run("BatchSize", func(t *testing.T) {
		attr := BatchSize(500)
		assert.Equal(t, AttrBatchSize, string(attr.Key))
		assert.Equal(t, int64(500), attr.Value.AsInt64())
	})
}

func TestStartWriteSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartWriteSpan(ctx, SpanWriteEntity, "Q42")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartWriteSpan(ctx, SpanWriteDelete, "Q42", DeleteType("hard"), Actor("mod"))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}

func TestStartSnapshotSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartSnapshotSpan(ctx, "put", "eg://Q42/1")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartSnapshotSpan(ctx, "get", "eg://Q42/1", SnapshotSize(1024))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}

func TestStartCacheSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartCacheSpan(ctx, "lookup")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartCacheSpan(ctx, "write", CacheHit(false))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}
