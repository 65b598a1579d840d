package writer_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
	"github.com/entitygraph/entitygraph/pkg/writer"
)

func TestRedirectAndRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Q1", "duplicate")
	f.write(t, "Q2", "canonical")

	res, err := f.pipe.Redirect(ctx, writer.RedirectRequest{
		Source: "Q1", Target: "Q2", Actor: "alice", IsAutoconfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.RevisionID)

	sourceInternal, err := f.meta.ResolveExternal(ctx, "Q1")
	require.NoError(t, err)
	targetInternal, err := f.meta.ResolveExternal(ctx, "Q2")
	require.NoError(t, err)

	head, err := f.meta.GetHead(ctx, sourceInternal)
	require.NoError(t, err)
	require.NotNil(t, head.RedirectsTo)
	assert.Equal(t, targetInternal, *head.RedirectsTo)

	target, err := f.meta.GetRedirectTarget(ctx, sourceInternal)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, targetInternal, *target)

	incoming, err := f.meta.GetIncomingRedirects(ctx, targetInternal)
	require.NoError(t, err)
	assert.Contains(t, incoming, sourceInternal)

	// The tombstone envelope carries the redirect and a minimal body.
	data, state, err := f.snaps.Get(ctx, snapshot.URIFor("Q1", 2))
	require.NoError(t, err)
	assert.Equal(t, entity.StatePublished, state)
	env, err := entity.DecodeEnvelope(data, entity.SchemaVersions{Current: "1.0.0"})
	require.NoError(t, err)
	require.NotNil(t, env.RedirectsTo)
	assert.Equal(t, entity.ExternalID("Q2"), *env.RedirectsTo)
	assert.Equal(t, entity.EditRedirect, env.EditType)

	// Revert restores the body from revision 1 and clears the redirect.
	res, err = f.pipe.RevertRedirect(ctx, writer.RevertRedirectRequest{
		Source: "Q1", RevertToRevision: 1, Actor: "alice", IsAutoconfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.RevisionID)

	head, err = f.meta.GetHead(ctx, sourceInternal)
	require.NoError(t, err)
	assert.Nil(t, head.RedirectsTo)

	data, _, err = f.snaps.Get(ctx, snapshot.URIFor("Q1", 3))
	require.NoError(t, err)
	env, err = entity.DecodeEnvelope(data, entity.SchemaVersions{Current: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, entity.EditRedirectRevert, env.EditType)
	assert.JSONEq(t, string(itemBody("Q1", "duplicate")), string(env.Entity))
}

func TestRedirectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Q1", "a")
	f.write(t, "Q2", "b")
	f.write(t, "Q3", "c")

	t.Run("self", func(t *testing.T) {
		_, err := f.pipe.Redirect(ctx, writer.RedirectRequest{Source: "Q1", Target: "Q1", Actor: "x"})
		require.Error(t, err)
		var e *entity.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, entity.ErrInvalidRedirect, e.Code)
		assert.Equal(t, string(entity.RedirectSelf), e.Reason)
	})

	t.Run("chain", func(t *testing.T) {
		// Q2 -> Q3 first, then Q1 -> Q2 would be a chain.
		_, err := f.pipe.Redirect(ctx, writer.RedirectRequest{Source: "Q2", Target: "Q3", Actor: "x", IsAutoconfirmed: true})
		require.NoError(t, err)

		_, err = f.pipe.Redirect(ctx, writer.RedirectRequest{Source: "Q1", Target: "Q2", Actor: "x", IsAutoconfirmed: true})
		var e *entity.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, entity.ErrInvalidRedirect, e.Code)
		assert.Equal(t, string(entity.RedirectChain), e.Reason)
	})

	t.Run("cycle", func(t *testing.T) {
		// Q2 already redirects to Q3; Q3 -> Q2 closes the loop.
		_, err := f.pipe.Redirect(ctx, writer.RedirectRequest{Source: "Q3", Target: "Q2", Actor: "x", IsAutoconfirmed: true})
		var e *entity.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, entity.ErrInvalidRedirect, e.Code)
		assert.Equal(t, string(entity.RedirectCycle), e.Reason)
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := f.pipe.Redirect(ctx, writer.RedirectRequest{Source: "Q1", Target: "Q999", Actor: "x"})
		assert.True(t, entity.IsCode(err, entity.ErrNotFound))
	})

	t.Run("deleted target", func(t *testing.T) {
		f.write(t, "Q4", "d")
		f.write(t, "Q5", "e")
		_, err := f.pipe.Delete(ctx, writer.DeleteRequest{
			ID: "Q5", Type: metadata.DeleteHard, Reason: "cleanup", Actor: "admin", IsAutoconfirmed: true,
		})
		require.NoError(t, err)

		_, err = f.pipe.Redirect(ctx, writer.RedirectRequest{Source: "Q4", Target: "Q5", Actor: "x", IsAutoconfirmed: true})
		assert.True(t, entity.IsCode(err, entity.ErrInvalidRedirect))
	})
}

func TestSoftDeleteAndUndelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Q42", "alive")

	res, err := f.pipe.Delete(ctx, writer.DeleteRequest{
		ID: "Q42", Type: metadata.DeleteSoft, Reason: "vandalism", Actor: "mod", IsAutoconfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.RevisionID)

	internal, err := f.meta.ResolveExternal(ctx, "Q42")
	require.NoError(t, err)

	// Soft deletion never sets the head flag; the tombstone envelope does.
	head, err := f.meta.GetHead(ctx, internal)
	require.NoError(t, err)
	assert.False(t, head.IsDeleted)

	data, _, err := f.snaps.Get(ctx, snapshot.URIFor("Q42", 2))
	require.NoError(t, err)
	env, err := entity.DecodeEnvelope(data, entity.SchemaVersions{Current: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, env.IsDeleted)
	assert.Equal(t, "vandalism", env.DeletionReason)
	assert.JSONEq(t, string(itemBody("Q42", "alive")), string(env.Entity),
		"tombstone must preserve the prior body")

	audits, err := f.meta.ListDeleteAudits(ctx, internal)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, metadata.DeleteSoft, audits[0].DeleteType)
	assert.Equal(t, "mod", audits[0].RequestedBy)

	// Undelete restores the preserved body.
	res, err = f.pipe.Undelete(ctx, writer.UndeleteRequest{ID: "Q42", Actor: "mod", IsAutoconfirmed: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.RevisionID)

	data, _, err = f.snaps.Get(ctx, snapshot.URIFor("Q42", 3))
	require.NoError(t, err)
	env, err = entity.DecodeEnvelope(data, entity.SchemaVersions{Current: "1.0.0"})
	require.NoError(t, err)
	assert.False(t, env.IsDeleted)
	assert.Equal(t, entity.EditUndelete, env.EditType)
	assert.JSONEq(t, string(itemBody("Q42", "alive")), string(env.Entity))
}

func TestHardDeleteBlocksFurtherEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Q42", "v1")
	f.write(t, "Q42", "v2")

	approver := "lead"
	res, err := f.pipe.Delete(ctx, writer.DeleteRequest{
		ID: "Q42", Type: metadata.DeleteHard, Reason: "legal", Actor: "admin",
		ApprovedBy: &approver, IsAutoconfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.RevisionID)

	internal, err := f.meta.ResolveExternal(ctx, "Q42")
	require.NoError(t, err)

	head, err := f.meta.GetHead(ctx, internal)
	require.NoError(t, err)
	assert.True(t, head.IsDeleted)
	assert.Equal(t, uint64(3), head.HeadRevisionID)

	// The CAS and the audit row committed together.
	audits, err := f.meta.ListDeleteAudits(ctx, internal)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, metadata.DeleteHard, audits[0].DeleteType)
	require.NotNil(t, audits[0].ApprovedBy)
	assert.Equal(t, "lead", *audits[0].ApprovedBy)

	// Every further edit is rejected on the head flag.
	_, err = f.pipe.Write(ctx, writer.Request{
		ExternalID: "Q42", Body: itemBody("Q42", "v3"), Actor: "alice", IsAutoconfirmed: true,
	})
	var e *entity.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, entity.ErrProtectionDenied, e.Code)
	assert.Equal(t, "deleted", e.Reason)

	_, err = f.pipe.Undelete(ctx, writer.UndeleteRequest{ID: "Q42", Actor: "admin", IsAutoconfirmed: true})
	assert.True(t, entity.IsCode(err, entity.ErrProtectionDenied),
		"hard deletion is terminal, undelete must not bypass it")

	// History and snapshots survive for audit purposes.
	history, err := f.meta.ListHistory(ctx, internal)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	for rev := uint64(1); rev <= 3; rev++ {
		_, _, err := f.snaps.Get(ctx, snapshot.URIFor("Q42", rev))
		require.NoError(t, err)
	}
}

func TestUndeleteRequiresSoftDeletedHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Q42", "alive")

	_, err := f.pipe.Undelete(ctx, writer.UndeleteRequest{ID: "Q42", Actor: "mod"})
	assert.True(t, entity.IsCode(err, entity.ErrInvalidArgument))
}

func TestIdenticalWriteAfterTombstoneIsNotDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Q42", "alive")
	_, err := f.pipe.Delete(ctx, writer.DeleteRequest{
		ID: "Q42", Type: metadata.DeleteSoft, Reason: "oops", Actor: "mod", IsAutoconfirmed: true,
	})
	require.NoError(t, err)

	// Re-submitting the original body must create revision 3, even though
	// its content hash matches revision 1: the head is a tombstone.
	res, err := f.pipe.Write(ctx, writer.Request{
		ExternalID: "Q42", Body: itemBody("Q42", "alive"), Actor: "alice", IsAutoconfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.RevisionID)
	assert.False(t, res.Deduplicated)
}

func TestDeleteUnknownType(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Q42", "a")

	_, err := f.pipe.Delete(context.Background(), writer.DeleteRequest{
		ID: "Q42", Type: metadata.DeleteType("purge"), Actor: "mod",
	})
	assert.True(t, entity.IsCode(err, entity.ErrInvalidArgument))
}

func TestRedirectBodyIsMinimal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Q1", "a")
	f.write(t, "Q2", "b")

	_, err := f.pipe.Redirect(ctx, writer.RedirectRequest{
		Source: "Q1", Target: "Q2", Actor: "alice", IsAutoconfirmed: true,
	})
	require.NoError(t, err)

	data, _, err := f.snaps.Get(ctx, snapshot.URIFor("Q1", 2))
	require.NoError(t, err)
	env, err := entity.DecodeEnvelope(data, entity.SchemaVersions{Current: "1.0.0"})
	require.NoError(t, err)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Entity, &body))
	assert.Len(t, body, 2, "redirect tombstone carries only id and type")
	assert.JSONEq(t, `"Q1"`, string(body["id"]))
	assert.JSONEq(t, `"item"`, string(body["type"]))
}
