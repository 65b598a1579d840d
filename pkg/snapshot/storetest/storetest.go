// Package storetest provides a conformance suite for snapshot.Store
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

// Factory creates a fresh, empty store for one subtest.
type Factory func(t *testing.T) snapshot.Store

// Run executes the conformance suite against the given factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("PutIdempotentReplay", func(t *testing.T) { testPutReplay(t, factory(t)) })
	t.Run("PublishedImmutable", func(t *testing.T) { testPublishedImmutable(t, factory(t)) })
	t.Run("StateTransitions", func(t *testing.T) { testStateTransitions(t, factory(t)) })
	t.Run("PendingFirstWriteWins", func(t *testing.T) { testPendingFirstWriteWins(t, factory(t)) })
}

func testRoundTrip(t *testing.T, s snapshot.Store) {
	defer s.Close()
	ctx := context.Background()
	uri := snapshot.URIFor("Q42", 1)
	assert.Equal(t, "Q42/r1.json", uri)

	require.NoError(t, s.Put(ctx, uri, []byte(`{"id":"Q42"}`), entity.StatePending))

	data, state, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"Q42"}`), data)
	assert.Equal(t, entity.StatePending, state)
}

func testGetMissing(t *testing.T, s snapshot.Store) {
	defer s.Close()
	_, _, err := s.Get(context.Background(), snapshot.URIFor("Q404", 9))
	assert.True(t, entity.IsCode(err, entity.ErrRevisionNotFound))
}

func testPutReplay(t *testing.T, s snapshot.Store) {
	defer s.Close()
	ctx := context.Background()
	uri := snapshot.URIFor("Q42", 1)
	body := []byte(`{"id":"Q42"}`)

	require.NoError(t, s.Put(ctx, uri, body, entity.StatePending))
	require.NoError(t, s.Put(ctx, uri, body, entity.StatePending), "identical replay is a no-op")

	require.NoError(t, s.SetState(ctx, uri, entity.StatePublished))
	require.NoError(t, s.Put(ctx, uri, body, entity.StatePending), "identical replay of a published object is a no-op")

	_, state, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, entity.StatePublished, state, "replay must not demote a published object")
}

func testPublishedImmutable(t *testing.T, s snapshot.Store) {
	defer s.Close()
	ctx := context.Background()
	uri := snapshot.URIFor("Q42", 1)

	require.NoError(t, s.Put(ctx, uri, []byte(`{"v":1}`), entity.StatePublished))

	err := s.Put(ctx, uri, []byte(`{"v":2}`), entity.StatePublished)
	assert.True(t, entity.IsCode(err, entity.ErrInvariantViolation))

	data, _, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), data)
}

func testStateTransitions(t *testing.T, s snapshot.Store) {
	defer s.Close()
	ctx := context.Background()
	uri := snapshot.URIFor("Q42", 1)

	require.NoError(t, s.Put(ctx, uri, []byte(`{}`), entity.StatePending))
	require.NoError(t, s.SetState(ctx, uri, entity.StatePublished))
	require.NoError(t, s.SetState(ctx, uri, entity.StatePublished), "same-state flip is a no-op")

	err := s.SetState(ctx, uri, entity.StatePending)
	assert.True(t, entity.IsCode(err, entity.ErrInvariantViolation), "published never goes back to pending")

	err = s.SetState(ctx, snapshot.URIFor("Q404", 1), entity.StatePublished)
	assert.True(t, entity.IsCode(err, entity.ErrRevisionNotFound))
}

func testPendingFirstWriteWins(t *testing.T, s snapshot.Store) {
	defer s.Close()
	ctx := context.Background()
	uri := snapshot.URIFor("Q42", 1)

	require.NoError(t, s.Put(ctx, uri, []byte(`{"v":1}`), entity.StatePending))

	// Two writers racing for the same revision id both stage this URI; the
	// loser must not replace the winner's bytes, or the published snapshot
	// would no longer match its metadata row.
	err := s.Put(ctx, uri, []byte(`{"v":2}`), entity.StatePending)
	assert.True(t, entity.IsCode(err, entity.ErrAlreadyExists), "differing bytes must not overwrite a staged object")

	data, state, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), data)
	assert.Equal(t, entity.StatePending, state)
}

// RunPendingListing exercises ListPendingOlderThan for stores whose clock
// can be controlled by the caller.
func RunPendingListing(t *testing.T, s snapshot.Store, advance func(d time.Duration), now func() time.Time) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, snapshot.URIFor("Q1", 1), []byte(`{}`), entity.StatePending))
	require.NoError(t, s.Put(ctx, snapshot.URIFor("Q2", 1), []byte(`{}`), entity.StatePublished))
	advance(time.Hour)
	require.NoError(t, s.Put(ctx, snapshot.URIFor("Q3", 1), []byte(`{}`), entity.StatePending))

	// Cutoff between the two pending writes: only the old one shows up.
	uris, err := s.ListPendingOlderThan(ctx, now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Q1/r1.json"}, uris)

	uris, err = s.ListPendingOlderThan(ctx, now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Q1/r1.json", "Q3/r1.json"}, uris)
}
