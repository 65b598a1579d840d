package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

func event(id string, to uint64) ChangeEvent {
	return ChangeEvent{
		ExternalID:   entity.ExternalID(id),
		ToRevisionID: to,
		ChangedAt:    time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

// memOutbox is an in-memory Outbox for emitter and worker tests.
type memOutbox struct {
	entries  []OutboxEntry
	nextID   uint64
	full     bool
	checkErr error
}

func (o *memOutbox) Enqueue(_ context.Context, ev ChangeEvent) error {
	o.nextID++
	o.entries = append(o.entries, OutboxEntry{ID: o.nextID, Event: ev})
	return nil
}

func (o *memOutbox) Backlogged(_ context.Context) (bool, error) {
	if o.checkErr != nil {
		return false, o.checkErr
	}
	return o.full, nil
}

func (o *memOutbox) ListPending(_ context.Context, limit int) ([]OutboxEntry, error) {
	if limit > len(o.entries) {
		limit = len(o.entries)
	}
	out := make([]OutboxEntry, limit)
	copy(out, o.entries[:limit])
	return out, nil
}

func (o *memOutbox) MarkDelivered(_ context.Context, id uint64) error {
	for i, e := range o.entries {
		if e.ID == id {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return nil
		}
	}
	return errors.New("no such entry")
}

func (o *memOutbox) RecordAttempt(_ context.Context, id uint64) error {
	for i := range o.entries {
		if o.entries[i].ID == id {
			o.entries[i].Attempts++
			return nil
		}
	}
	return errors.New("no such entry")
}

func TestInprocSinkPublishAndDrain(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(4)

	require.NoError(t, sink.Publish(ctx, event("Q1", 1)))
	require.NoError(t, sink.Publish(ctx, event("Q1", 2)))

	ev := <-sink.Events()
	assert.Equal(t, entity.ExternalID("Q1"), ev.ExternalID)
	assert.Equal(t, uint64(1), ev.ToRevisionID)
	ev = <-sink.Events()
	assert.Equal(t, uint64(2), ev.ToRevisionID)
}

func TestInprocSinkFullBufferIsRetryable(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(1)

	require.NoError(t, sink.Publish(ctx, event("Q1", 1)))
	err := sink.Publish(ctx, event("Q1", 2))
	require.Error(t, err)
	assert.True(t, entity.Retryable(err))
}

func TestInprocSinkClosed(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(1)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	err := sink.Publish(ctx, event("Q1", 1))
	require.Error(t, err)
	assert.True(t, entity.IsCode(err, entity.ErrTransientUnavailable))
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changes.log")

	sink, err := NewFileSink(path)
	require.NoError(t, err)

	from := uint64(3)
	require.NoError(t, sink.Publish(ctx, event("Q7", 4)))
	require.NoError(t, sink.Publish(ctx, ChangeEvent{
		ExternalID:     "Q7",
		FromRevisionID: &from,
		ToRevisionID:   5,
		ChangedAt:      time.Now().UTC(),
	}))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []ChangeEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev ChangeEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 2)
	assert.Nil(t, lines[0].FromRevisionID)
	assert.Equal(t, uint64(4), lines[0].ToRevisionID)
	require.NotNil(t, lines[1].FromRevisionID)
	assert.Equal(t, uint64(3), *lines[1].FromRevisionID)
}

func TestFileSinkReopenAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "changes.log")

	sink, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Publish(ctx, event("Q1", 1)))
	require.NoError(t, sink.Close())

	sink, err = NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Publish(ctx, event("Q1", 2)))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestEmitterDeliversDirectly(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(4)
	outbox := &memOutbox{}
	em := NewEmitter(sink, outbox)

	assert.True(t, em.Emit(ctx, event("Q1", 1)))
	assert.Empty(t, outbox.entries)
	assert.Equal(t, uint64(1), (<-sink.Events()).ToRevisionID)
}

func TestEmitterSpillsToOutbox(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(1)
	outbox := &memOutbox{}
	em := NewEmitter(sink, outbox)

	require.NoError(t, sink.Publish(ctx, event("Q1", 1))) // fill the buffer

	assert.False(t, em.Emit(ctx, event("Q1", 2)))
	require.Len(t, outbox.entries, 1)
	assert.Equal(t, uint64(2), outbox.entries[0].Event.ToRevisionID)
}

func TestEmitterWithoutOutboxDrops(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(1)
	em := NewEmitter(sink, nil)

	require.NoError(t, sink.Publish(ctx, event("Q1", 1)))
	assert.False(t, em.Emit(ctx, event("Q1", 2)))
}

func TestAdmitWriteRefusesWhenOutboxFull(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(4)
	outbox := &memOutbox{}
	em := NewEmitter(sink, outbox)

	require.NoError(t, em.AdmitWrite(ctx))

	outbox.full = true
	err := em.AdmitWrite(ctx)
	require.Error(t, err)
	assert.True(t, entity.IsCode(err, entity.ErrTransientUnavailable))
	assert.True(t, entity.Retryable(err))
}

func TestAdmitWriteToleratesBacklogCheckFailure(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(4)
	outbox := &memOutbox{checkErr: errors.New("state store down")}
	em := NewEmitter(sink, outbox)

	// An unreachable outbox store must not refuse writes; the direct
	// publish path still stands in front of the spill.
	assert.NoError(t, em.AdmitWrite(ctx))
}

func TestAdmitWriteWithoutOutbox(t *testing.T) {
	em := NewEmitter(NewInprocSink(1), nil)
	assert.NoError(t, em.AdmitWrite(context.Background()))
}

func TestOutboxWorkerDrainOnce(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(8)
	outbox := &memOutbox{}
	require.NoError(t, outbox.Enqueue(ctx, event("Q1", 1)))
	require.NoError(t, outbox.Enqueue(ctx, event("Q2", 1)))

	w := NewOutboxWorker(sink, outbox, 0, 0)
	require.NoError(t, w.DrainOnce(ctx))

	assert.Empty(t, outbox.entries)
	assert.Equal(t, entity.ExternalID("Q1"), (<-sink.Events()).ExternalID)
	assert.Equal(t, entity.ExternalID("Q2"), (<-sink.Events()).ExternalID)
}

func TestOutboxWorkerStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	sink := NewInprocSink(1)
	outbox := &memOutbox{}
	require.NoError(t, outbox.Enqueue(ctx, event("Q1", 1)))
	require.NoError(t, outbox.Enqueue(ctx, event("Q1", 2)))
	require.NoError(t, outbox.Enqueue(ctx, event("Q1", 3)))

	// Only one slot in the sink: the second delivery fails and the drain
	// must stop there to preserve per-entity ordering.
	w := NewOutboxWorker(sink, outbox, 0, 0)
	require.NoError(t, w.DrainOnce(ctx))

	require.Len(t, outbox.entries, 2)
	assert.Equal(t, uint64(2), outbox.entries[0].Event.ToRevisionID)
	assert.Equal(t, 1, outbox.entries[0].Attempts)
	assert.Equal(t, 0, outbox.entries[1].Attempts)
}

func TestOutboxWorkerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := NewInprocSink(1)
	outbox := &memOutbox{}
	w := NewOutboxWorker(sink, outbox, time.Millisecond, 10)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
