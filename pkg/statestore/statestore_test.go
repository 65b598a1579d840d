package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{Type: DatabaseTypeSQLite, SQLite: SQLiteConfig{Path: ":memory:"}})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos, err := s.GetCheckpoint(ctx, "poller")
	require.NoError(t, err)
	assert.True(t, pos.IsZero(), "unset checkpoint is the zero time")

	want := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetCheckpoint(ctx, "poller", want))

	pos, err = s.GetCheckpoint(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, want, pos)

	// Upsert moves the same checkpoint forward.
	later := want.Add(time.Hour)
	require.NoError(t, s.SetCheckpoint(ctx, "poller", later))
	pos, err = s.GetCheckpoint(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, later, pos)
}

func TestOutboxOrderAndDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	from := uint64(1)

	evs := []events.ChangeEvent{
		{ExternalID: "Q1", ToRevisionID: 1, ChangedAt: time.Now().UTC()},
		{ExternalID: "Q1", FromRevisionID: &from, ToRevisionID: 2, ChangedAt: time.Now().UTC()},
		{ExternalID: "Q2", ToRevisionID: 1, ChangedAt: time.Now().UTC()},
	}
	for _, ev := range evs {
		require.NoError(t, s.Enqueue(ctx, ev))
	}

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(1), pending[0].Event.ToRevisionID)
	assert.Equal(t, uint64(2), pending[1].Event.ToRevisionID)
	require.NotNil(t, pending[1].Event.FromRevisionID)
	assert.Equal(t, uint64(1), *pending[1].Event.FromRevisionID)
	assert.Nil(t, pending[0].Event.FromRevisionID)

	require.NoError(t, s.RecordAttempt(ctx, pending[0].ID))
	pending, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, s.MarkDelivered(ctx, pending[0].ID))
	pending, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "Q1", string(pending[0].Event.ExternalID))
	assert.Equal(t, uint64(2), pending[0].Event.ToRevisionID)
}

func TestOutboxBacklogCap(t *testing.T) {
	s, err := New(&Config{
		Type:             DatabaseTypeSQLite,
		SQLite:           SQLiteConfig{Path: ":memory:"},
		MaxOutboxBacklog: 2,
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	full, err := s.Backlogged(ctx)
	require.NoError(t, err)
	assert.False(t, full)

	require.NoError(t, s.Enqueue(ctx, events.ChangeEvent{ExternalID: "Q1", ToRevisionID: 1, ChangedAt: time.Now()}))
	require.NoError(t, s.Enqueue(ctx, events.ChangeEvent{ExternalID: "Q2", ToRevisionID: 1, ChangedAt: time.Now()}))

	full, err = s.Backlogged(ctx)
	require.NoError(t, err)
	assert.True(t, full, "cap reached, new writes must be refused up front")

	// Enqueue never refuses: an event past the admission check belongs to
	// a committed write and dropping it would lose the change.
	require.NoError(t, s.Enqueue(ctx, events.ChangeEvent{ExternalID: "Q3", ToRevisionID: 1, ChangedAt: time.Now()}))

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	// Draining below the cap reopens admission.
	require.NoError(t, s.MarkDelivered(ctx, pending[0].ID))
	require.NoError(t, s.MarkDelivered(ctx, pending[1].ID))
	full, err = s.Backlogged(ctx)
	require.NoError(t, err)
	assert.False(t, full)
}

func TestOutboxWorkerDrain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sink := events.NewInprocSink(8)
	defer sink.Close()

	require.NoError(t, s.Enqueue(ctx, events.ChangeEvent{ExternalID: "Q1", ToRevisionID: 1, ChangedAt: time.Now().UTC()}))
	require.NoError(t, s.Enqueue(ctx, events.ChangeEvent{ExternalID: "Q1", ToRevisionID: 2, ChangedAt: time.Now().UTC()}))

	w := events.NewOutboxWorker(sink, s, time.Second, 10)
	require.NoError(t, w.DrainOnce(ctx))

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	first := <-sink.Events()
	second := <-sink.Events()
	assert.Equal(t, uint64(1), first.ToRevisionID)
	assert.Equal(t, uint64(2), second.ToRevisionID)
}
