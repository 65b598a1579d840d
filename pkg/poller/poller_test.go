package poller_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/events"
	"github.com/entitygraph/entitygraph/pkg/idalloc"
	metamem "github.com/entitygraph/entitygraph/pkg/metadata/memory"
	"github.com/entitygraph/entitygraph/pkg/poller"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
	snapmem "github.com/entitygraph/entitygraph/pkg/snapshot/memory"
	"github.com/entitygraph/entitygraph/pkg/statestore"
	"github.com/entitygraph/entitygraph/pkg/writer"
)

type fixture struct {
	meta   *metamem.Store
	snaps  *snapmem.Store
	clk    *clock.Fake
	sink   *events.InprocSink
	state  *statestore.Store
	pipe   *writer.Pipeline
	poller *poller.Poller
}

func newFixture(t *testing.T, sinkCapacity int) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	meta := metamem.New()
	snaps := snapmem.New().WithClock(clk.Now)
	sink := events.NewInprocSink(sinkCapacity)

	state, err := statestore.New(&statestore.Config{
		Type:   statestore.DatabaseTypeSQLite,
		SQLite: statestore.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	alloc, err := idalloc.New(idalloc.Config{EpochMS: 0}, clk)
	require.NoError(t, err)
	pipe, err := writer.New(writer.Config{
		Metadata: meta, Snapshots: snaps, Allocator: alloc, Clock: clk,
	})
	require.NoError(t, err)

	p, err := poller.New(poller.Config{
		Metadata:    meta,
		Snapshots:   snaps,
		Sink:        sink,
		Checkpoints: state,
		BatchSize:   100,
		Clock:       clk,
	})
	require.NoError(t, err)

	return &fixture{meta: meta, snaps: snaps, clk: clk, sink: sink, state: state, pipe: pipe, poller: p}
}

func itemBody(id, label string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"type":"item","labels":{"en":{"language":"en","value":%q}}}`, id, label))
}

func (f *fixture) write(t *testing.T, id, label string) {
	t.Helper()
	_, err := f.pipe.Write(context.Background(), writer.Request{
		ExternalID:      entity.ExternalID(id),
		Body:            itemBody(id, label),
		Actor:           "alice",
		IsAutoconfirmed: true,
	})
	require.NoError(t, err)
}

func (f *fixture) drain() []events.ChangeEvent {
	var out []events.ChangeEvent
	for {
		select {
		case ev := <-f.sink.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPollEmitsChangesInOrder(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	f.write(t, "Q1", "a")
	f.clk.Advance(time.Second)
	f.write(t, "Q2", "b")
	f.clk.Advance(time.Second)
	f.write(t, "Q1", "a2")

	n, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one event per changed entity")

	evs := f.drain()
	require.Len(t, evs, 2)

	// Q2 changed before Q1's second write, so it comes first.
	assert.Equal(t, entity.ExternalID("Q2"), evs[0].ExternalID)
	assert.Equal(t, uint64(1), evs[0].ToRevisionID)
	assert.Nil(t, evs[0].FromRevisionID)

	assert.Equal(t, entity.ExternalID("Q1"), evs[1].ExternalID)
	assert.Equal(t, uint64(2), evs[1].ToRevisionID)
	require.NotNil(t, evs[1].FromRevisionID)
	assert.Equal(t, uint64(1), *evs[1].FromRevisionID)

	// The checkpoint landed on the newest updated_at.
	ckpt, err := f.state.GetCheckpoint(ctx, poller.CheckpointName)
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().UTC(), ckpt)
}

func TestPollIsQuiescentWithoutChanges(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	f.write(t, "Q1", "a")
	_, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	f.drain()

	n, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.drain())
}

func TestPollPicksUpNewChangesOnly(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	f.write(t, "Q1", "a")
	_, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	f.drain()

	f.clk.Advance(time.Second)
	f.write(t, "Q1", "b")

	n, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(2), evs[0].ToRevisionID)
	require.NotNil(t, evs[0].FromRevisionID)
	assert.Equal(t, uint64(1), *evs[0].FromRevisionID)
}

// refusingSink refuses every publish after the first n.
type refusingSink struct {
	inner *events.InprocSink
	allow int
	seen  int
}

func (s *refusingSink) Publish(ctx context.Context, ev events.ChangeEvent) error {
	if s.allow >= 0 && s.seen >= s.allow {
		return entity.NewTransientError("sink saturated", nil)
	}
	s.seen++
	return s.inner.Publish(ctx, ev)
}

func (s *refusingSink) Close() error { return s.inner.Close() }

func TestBackPressurePausesCheckpoint(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	sink := &refusingSink{inner: f.sink, allow: 1}
	p, err := poller.New(poller.Config{
		Metadata:    f.meta,
		Snapshots:   f.snaps,
		Sink:        sink,
		Checkpoints: f.state,
		BatchSize:   100,
		Clock:       f.clk,
	})
	require.NoError(t, err)

	f.write(t, "Q1", "a")
	firstChange := f.clk.Now().UTC()
	f.clk.Advance(time.Second)
	f.write(t, "Q2", "b")

	// The sink accepts one event, then refuses.
	n, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ckpt, err := f.state.GetCheckpoint(ctx, poller.CheckpointName)
	require.NoError(t, err)
	assert.Equal(t, firstChange, ckpt, "checkpoint covers the delivered event, not the refused one")

	// Once the sink recovers, the next cycle resumes at the refused row.
	sink.allow = -1
	f.drain()
	n, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, entity.ExternalID("Q2"), evs[0].ExternalID)

	ckpt, err = f.state.GetCheckpoint(ctx, poller.CheckpointName)
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().UTC(), ckpt)
}

func TestUnpublishedHeadPausesBatch(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	f.write(t, "Q1", "a")

	// A write whose publish tag failed: head advanced, object pending.
	f.clk.Advance(time.Second)
	f.snaps.Hooks.BeforeSetState = func(uri string, state entity.PublicationState) error {
		return entity.NewTransientError("injected tagging outage", nil)
	}
	f.write(t, "Q2", "b")
	f.snaps.Hooks.BeforeSetState = nil

	n, err := f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the published head is announced")

	// After the repair the paused change goes out.
	require.NoError(t, f.snaps.SetState(ctx, snapshot.URIFor("Q2", 1), entity.StatePublished))
	n, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, entity.ExternalID("Q1"), evs[0].ExternalID)
	assert.Equal(t, entity.ExternalID("Q2"), evs[1].ExternalID)
}

func TestBackfillDoesNotTouchCheckpoint(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	t0 := f.clk.Now()
	f.write(t, "Q1", "a")
	f.clk.Advance(time.Hour)
	t1 := f.clk.Now()
	f.write(t, "Q2", "b")
	f.clk.Advance(time.Hour)
	f.write(t, "Q3", "c")

	// Range covers only Q2: (t0, t1].
	n, err := f.poller.Backfill(ctx, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, entity.ExternalID("Q2"), evs[0].ExternalID)

	ckpt, err := f.state.GetCheckpoint(ctx, poller.CheckpointName)
	require.NoError(t, err)
	assert.True(t, ckpt.IsZero(), "backfill must not advance the live checkpoint")

	// The live poller still sees everything.
	n, err = f.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBackfillCoversUpdatedAtTies(t *testing.T) {
	f := newFixture(t, 64)
	ctx := context.Background()

	start := f.clk.Now().Add(-time.Second)
	for _, id := range []string{"Q1", "Q2", "Q3"} {
		f.write(t, id, "same-instant")
	}
	end := f.clk.Now().Add(time.Second)

	p, err := poller.New(poller.Config{
		Metadata:    f.meta,
		Snapshots:   f.snaps,
		Sink:        f.sink,
		Checkpoints: f.state,
		BatchSize:   2,
		Clock:       f.clk,
	})
	require.NoError(t, err)

	// All three heads share one updated_at, so the run straddles the page
	// boundary; none of the held-back entities may be skipped.
	n, err := p.Backfill(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	seen := map[entity.ExternalID]bool{}
	for _, ev := range f.drain() {
		seen[ev.ExternalID] = true
	}
	assert.Len(t, seen, 3)
}
