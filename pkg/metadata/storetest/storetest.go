// Package storetest provides a conformance suite for metadata.Store
// implementations. Every backend (in-memory, postgres) runs the same
// suite so that the write pipeline can rely on identical error
// semantics regardless of the backend behind it.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
)

// Factory creates a fresh, empty store for one subtest.
type Factory func(t *testing.T) metadata.Store

// Run executes the full conformance suite against the given factory.
func Run(t *testing.T, factory Factory) {
	t.Run("MappingRoundTrip", func(t *testing.T) { testMappingRoundTrip(t, factory(t)) })
	t.Run("MappingDuplicate", func(t *testing.T) { testMappingDuplicate(t, factory(t)) })
	t.Run("HeadLifecycle", func(t *testing.T) { testHeadLifecycle(t, factory(t)) })
	t.Run("CASRejectsStaleExpected", func(t *testing.T) { testCASStale(t, factory(t)) })
	t.Run("CASRejectsDecrease", func(t *testing.T) { testCASDecrease(t, factory(t)) })
	t.Run("RevisionIdempotentReplay", func(t *testing.T) { testRevisionReplay(t, factory(t)) })
	t.Run("RevisionConflict", func(t *testing.T) { testRevisionConflict(t, factory(t)) })
	t.Run("HistoryOrdering", func(t *testing.T) { testHistoryOrdering(t, factory(t)) })
	t.Run("PreviousRevision", func(t *testing.T) { testPreviousRevision(t, factory(t)) })
	t.Run("Redirects", func(t *testing.T) { testRedirects(t, factory(t)) })
	t.Run("DeleteAudits", func(t *testing.T) { testDeleteAudits(t, factory(t)) })
	t.Run("HardDeleteMark", func(t *testing.T) { testHardDeleteMark(t, factory(t)) })
	t.Run("ChangedSinceOrdering", func(t *testing.T) { testChangedSince(t, factory(t)) })
	t.Run("HeadLagging", func(t *testing.T) { testHeadLagging(t, factory(t)) })
	t.Run("ListByFlag", func(t *testing.T) { testListByFlag(t, factory(t)) })
}

func mustMap(t *testing.T, s metadata.Store, internal entity.InternalID, external entity.ExternalID) {
	t.Helper()
	err := s.CreateMapping(context.Background(), metadata.Mapping{
		InternalID: internal,
		ExternalID: external,
		EntityType: entity.TypeItem,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

func testMappingRoundTrip(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()

	mustMap(t, s, 1001, "Q42")

	internal, err := s.ResolveExternal(ctx, "Q42")
	require.NoError(t, err)
	assert.Equal(t, entity.InternalID(1001), internal)

	m, err := s.ResolveInternal(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, entity.ExternalID("Q42"), m.ExternalID)
	assert.Equal(t, entity.TypeItem, m.EntityType)

	_, err = s.ResolveExternal(ctx, "Q404")
	assert.True(t, entity.IsCode(err, entity.ErrNotFound))
}

func testMappingDuplicate(t *testing.T, s metadata.Store) {
	defer s.Close()
	mustMap(t, s, 1001, "Q42")

	err := s.CreateMapping(context.Background(), metadata.Mapping{InternalID: 2002, ExternalID: "Q42", EntityType: entity.TypeItem})
	assert.True(t, entity.IsCode(err, entity.ErrAlreadyExists), "duplicate external id must conflict")

	err = s.CreateMapping(context.Background(), metadata.Mapping{InternalID: 1001, ExternalID: "Q43", EntityType: entity.TypeItem})
	assert.True(t, entity.IsCode(err, entity.ErrAlreadyExists), "duplicate internal id must conflict")
}

func testHeadLifecycle(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mustMap(t, s, 1001, "Q42")

	_, err := s.GetHead(ctx, 1001)
	assert.True(t, entity.IsCode(err, entity.ErrNotFound), "no head before first publish")

	require.NoError(t, s.InsertHead(ctx, 1001, 1, metadata.Flags{}, now))

	err = s.InsertHead(ctx, 1001, 1, metadata.Flags{}, now)
	assert.True(t, entity.IsCode(err, entity.ErrCASFailed), "second insert loses the race")

	h, err := s.GetHead(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.HeadRevisionID)

	require.NoError(t, s.CASHead(ctx, 1001, 1, 2, metadata.Flags{SemiProtected: true}, now.Add(time.Second)))

	h, err = s.GetHead(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.HeadRevisionID)
	assert.True(t, h.IsSemiProtected)
}

func testCASStale(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mustMap(t, s, 1001, "Q42")
	require.NoError(t, s.InsertHead(ctx, 1001, 3, metadata.Flags{}, now))

	err := s.CASHead(ctx, 1001, 2, 4, metadata.Flags{}, now)
	assert.True(t, entity.IsCode(err, entity.ErrCASFailed))

	h, err := s.GetHead(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h.HeadRevisionID, "failed CAS must not move the head")
}

func testCASDecrease(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mustMap(t, s, 1001, "Q42")
	require.NoError(t, s.InsertHead(ctx, 1001, 5, metadata.Flags{}, now))

	err := s.CASHead(ctx, 1001, 5, 4, metadata.Flags{}, now)
	assert.True(t, entity.IsCode(err, entity.ErrInvariantViolation), "head must never decrease")

	err = s.CASHead(ctx, 1001, 5, 5, metadata.Flags{}, now)
	assert.True(t, entity.IsCode(err, entity.ErrInvariantViolation), "head must strictly advance")
}

func testRevisionReplay(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	hash := uint64(0xfeed)

	mustMap(t, s, 1001, "Q42")

	row := metadata.RevisionRow{
		InternalID:       1001,
		RevisionID:       1,
		CreatedAt:        time.Now().UTC(),
		CreatedBy:        "alice",
		EditType:         entity.EditCreate,
		ValidationStatus: entity.ValidationPending,
		SchemaVersion:    "1.0.0",
		ContentHash:      &hash,
	}
	require.NoError(t, s.InsertRevisionMeta(ctx, row))
	require.NoError(t, s.InsertRevisionMeta(ctx, row), "identical replay is a no-op")

	next, err := s.NextRevisionID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func testRevisionConflict(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	hashA, hashB := uint64(1), uint64(2)

	mustMap(t, s, 1001, "Q42")

	row := metadata.RevisionRow{InternalID: 1001, RevisionID: 1, EditType: entity.EditCreate, ContentHash: &hashA}
	require.NoError(t, s.InsertRevisionMeta(ctx, row))

	row.ContentHash = &hashB
	err := s.InsertRevisionMeta(ctx, row)
	assert.True(t, entity.IsCode(err, entity.ErrAlreadyExists), "same revision id with different content must conflict")
}

func testHistoryOrdering(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()

	mustMap(t, s, 1001, "Q42")

	// Insert out of order; history must come back ascending.
	for _, rev := range []uint64{3, 1, 2} {
		h := rev
		require.NoError(t, s.InsertRevisionMeta(ctx, metadata.RevisionRow{
			InternalID: 1001, RevisionID: rev, EditType: entity.EditUpdate, ContentHash: &h,
		}))
	}

	history, err := s.ListHistory(ctx, 1001)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, row := range history {
		assert.Equal(t, uint64(i+1), row.RevisionID)
	}
}

func testPreviousRevision(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()

	mustMap(t, s, 1001, "Q42")
	for rev := uint64(1); rev <= 3; rev++ {
		h := rev
		require.NoError(t, s.InsertRevisionMeta(ctx, metadata.RevisionRow{
			InternalID: 1001, RevisionID: rev, EditType: entity.EditUpdate, ContentHash: &h,
		}))
	}

	prev, err := s.PreviousRevision(ctx, 1001, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), prev.RevisionID)

	_, err = s.PreviousRevision(ctx, 1001, 1)
	assert.True(t, entity.IsCode(err, entity.ErrRevisionNotFound))
}

func testRedirects(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mustMap(t, s, 1001, "Q1")
	mustMap(t, s, 1002, "Q2")
	mustMap(t, s, 1003, "Q3")

	target := entity.InternalID(1003)
	require.NoError(t, s.InsertHead(ctx, 1001, 1, metadata.Flags{RedirectsTo: &target}, now))
	require.NoError(t, s.InsertHead(ctx, 1002, 1, metadata.Flags{RedirectsTo: &target}, now))
	require.NoError(t, s.InsertHead(ctx, 1003, 1, metadata.Flags{}, now))

	require.NoError(t, s.CreateRedirect(ctx, metadata.RedirectRow{FromInternalID: 1001, ToInternalID: 1003, CreatedAt: now}))
	err := s.CreateRedirect(ctx, metadata.RedirectRow{FromInternalID: 1001, ToInternalID: 1003, CreatedAt: now})
	assert.True(t, entity.IsCode(err, entity.ErrAlreadyExists))

	got, err := s.GetRedirectTarget(ctx, 1001)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entity.InternalID(1003), *got)

	got, err = s.GetRedirectTarget(ctx, 1003)
	require.NoError(t, err)
	assert.Nil(t, got)

	incoming, err := s.GetIncomingRedirects(ctx, 1003)
	require.NoError(t, err)
	assert.Equal(t, []entity.InternalID{1001, 1002}, incoming)
}

func testDeleteAudits(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mustMap(t, s, 1001, "Q42")

	require.NoError(t, s.AppendDeleteAudit(ctx, metadata.DeleteAudit{
		InternalID: 1001, DeleteType: metadata.DeleteSoft, Reason: "vandalism", RequestedBy: "alice", Timestamp: now,
	}))
	require.NoError(t, s.AppendDeleteAudit(ctx, metadata.DeleteAudit{
		InternalID: 1001, DeleteType: metadata.DeleteSoft, Reason: "undelete revert", RequestedBy: "bob", Timestamp: now.Add(time.Minute),
	}))

	audits, err := s.ListDeleteAudits(ctx, 1001)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "alice", audits[0].RequestedBy)
	assert.Equal(t, "bob", audits[1].RequestedBy)
}

func testHardDeleteMark(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()
	approver := "carol"

	mustMap(t, s, 1001, "Q42")
	require.NoError(t, s.InsertHead(ctx, 1001, 1, metadata.Flags{}, now))

	audit := metadata.DeleteAudit{
		InternalID: 1001, DeleteType: metadata.DeleteHard, Reason: "legal", RequestedBy: "alice", ApprovedBy: &approver, Timestamp: now,
	}

	// Stale expected revision: neither the head nor the audit change.
	err := s.HardDeleteMark(ctx, 1001, 5, 6, metadata.Flags{Deleted: true}, audit, now)
	assert.True(t, entity.IsCode(err, entity.ErrCASFailed))
	audits, err := s.ListDeleteAudits(ctx, 1001)
	require.NoError(t, err)
	assert.Empty(t, audits, "failed hard delete must not leave an audit row")

	require.NoError(t, s.HardDeleteMark(ctx, 1001, 1, 2, metadata.Flags{Deleted: true}, audit, now))

	h, err := s.GetHead(ctx, 1001)
	require.NoError(t, err)
	assert.True(t, h.IsDeleted)
	assert.Equal(t, uint64(2), h.HeadRevisionID)

	audits, err = s.ListDeleteAudits(ctx, 1001)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, metadata.DeleteHard, audits[0].DeleteType)
}

func testChangedSince(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mustMap(t, s, 1001, "Q1")
	mustMap(t, s, 1002, "Q2")
	mustMap(t, s, 1003, "Q3")

	require.NoError(t, s.InsertHead(ctx, 1002, 1, metadata.Flags{}, base.Add(2*time.Minute)))
	require.NoError(t, s.InsertHead(ctx, 1001, 1, metadata.Flags{}, base.Add(1*time.Minute)))
	// Same timestamp as Q2: internal id breaks the tie.
	require.NoError(t, s.InsertHead(ctx, 1003, 1, metadata.Flags{}, base.Add(2*time.Minute)))

	rows, err := s.ListChangedSince(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, entity.InternalID(1001), rows[0].InternalID)
	assert.Equal(t, entity.InternalID(1002), rows[1].InternalID)
	assert.Equal(t, entity.InternalID(1003), rows[2].InternalID)

	// Strictly-after boundary.
	rows, err = s.ListChangedSince(ctx, base.Add(1*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Limit.
	rows, err = s.ListChangedSince(ctx, base, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.InternalID(1001), rows[0].InternalID)

	// Backfill window: (start, end].
	rows, err = s.ListChangedBetween(ctx, base.Add(1*time.Minute), base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, entity.InternalID(1002), rows[0].InternalID)
}

func testHeadLagging(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mustMap(t, s, 1001, "Q1")
	require.NoError(t, s.InsertHead(ctx, 1001, 1, metadata.Flags{}, now))

	for rev := uint64(1); rev <= 3; rev++ {
		h := rev
		require.NoError(t, s.InsertRevisionMeta(ctx, metadata.RevisionRow{
			InternalID: 1001, RevisionID: rev, EditType: entity.EditUpdate, ContentHash: &h,
		}))
	}

	lagging, err := s.ListHeadLagging(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lagging, 2)
	assert.Equal(t, uint64(2), lagging[0].RevisionID)
	assert.Equal(t, uint64(3), lagging[1].RevisionID)

	require.NoError(t, s.CASHead(ctx, 1001, 1, 3, metadata.Flags{}, now))
	lagging, err = s.ListHeadLagging(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, lagging)
}

func testListByFlag(t *testing.T, s metadata.Store) {
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mustMap(t, s, 1001, "Q1")
	mustMap(t, s, 1002, "Q2")

	require.NoError(t, s.InsertHead(ctx, 1001, 1, metadata.Flags{Locked: true}, now))
	require.NoError(t, s.InsertHead(ctx, 1002, 1, metadata.Flags{SemiProtected: true}, now))

	locked, err := s.ListByFlag(ctx, metadata.FlagLocked, 10)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, entity.ExternalID("Q1"), locked[0].ExternalID)

	semi, err := s.ListByFlag(ctx, metadata.FlagSemiProtected, 10)
	require.NoError(t, err)
	require.Len(t, semi, 1)
	assert.Equal(t, entity.ExternalID("Q2"), semi[0].ExternalID)
}
