package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/pkg/cache"
	"github.com/entitygraph/entitygraph/pkg/entity"
)

func TestIDMapTTL(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{IDMapTTL: time.Hour}, fake)
	ctx := context.Background()

	require.NoError(t, c.PutID(ctx, "Q42", 1001))

	internal, ok, err := c.GetID(ctx, "Q42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entity.InternalID(1001), internal)

	fake.Advance(2 * time.Hour)
	_, ok, err = c.GetID(ctx, "Q42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeadWriteThroughAndInvalidate(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{HeadTTL: 30 * time.Second}, fake)
	ctx := context.Background()

	require.NoError(t, c.PutHead(ctx, "Q42", cache.HeadEntry{HeadRevisionID: 3}))

	got, ok, err := c.GetHead(ctx, "Q42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.HeadRevisionID)

	// Write-through on the next publish replaces the entry.
	require.NoError(t, c.PutHead(ctx, "Q42", cache.HeadEntry{HeadRevisionID: 4}))
	got, ok, err = c.GetHead(ctx, "Q42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), got.HeadRevisionID)

	require.NoError(t, c.Invalidate(ctx, "Q42"))
	_, ok, err = c.GetHead(ctx, "Q42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeadTTLExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{HeadTTL: 30 * time.Second}, fake)
	ctx := context.Background()

	require.NoError(t, c.PutHead(ctx, "Q42", cache.HeadEntry{HeadRevisionID: 1}))
	fake.Advance(time.Minute)

	_, ok, err := c.GetHead(ctx, "Q42")
	require.NoError(t, err)
	assert.False(t, ok)
}
