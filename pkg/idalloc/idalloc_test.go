package idalloc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/pkg/entity"
)

func TestNewRejectsFutureEpoch(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1000))

	_, err := New(Config{EpochMS: 2000}, clk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epoch")

	// Epoch equal to now is also rejected: the timestamp field must be
	// strictly positive.
	_, err = New(Config{EpochMS: 1000}, clk)
	require.Error(t, err)
}

func TestNewDefaultsRetryBudget(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1000))

	a, err := New(Config{EpochMS: 0}, clk)
	require.NoError(t, err)
	assert.Equal(t, 5, a.RetryBudget())

	a, err = New(Config{EpochMS: 0, RetryBudget: 3}, clk)
	require.NoError(t, err)
	assert.Equal(t, 3, a.RetryBudget())
}

func TestNextLayout(t *testing.T) {
	start := time.UnixMilli(0).Add(1234 * time.Millisecond)
	clk := clock.NewFake(start)

	a, err := New(Config{EpochMS: 0}, clk)
	require.NoError(t, err)

	id, err := a.Next()
	require.NoError(t, err)

	// Sign bit clear, timestamp field carries the fake clock offset.
	assert.Zero(t, uint64(id)>>63)
	assert.Equal(t, uint64(1234), uint64(id)>>randomBits)

	clk.Advance(time.Second)
	id2, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2234), uint64(id2)>>randomBits)
	assert.Greater(t, uint64(id2), uint64(id))
}

func TestAllocateRetriesOnCollision(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(5000))
	a, err := New(Config{EpochMS: 0, RetryBudget: 4}, clk)
	require.NoError(t, err)

	var attempts int
	var seen []entity.InternalID
	id, err := a.Allocate(func(candidate entity.InternalID) error {
		attempts++
		seen = append(seen, candidate)
		if attempts < 3 {
			return entity.NewAlreadyExistsError("id mapping exists")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, seen[2], id)
}

func TestAllocateExhaustsBudget(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(5000))
	a, err := New(Config{EpochMS: 0, RetryBudget: 2}, clk)
	require.NoError(t, err)

	var attempts int
	_, err = a.Allocate(func(entity.InternalID) error {
		attempts++
		return entity.NewAlreadyExistsError("id mapping exists")
	})
	require.Error(t, err)
	assert.True(t, entity.IsCode(err, entity.ErrAllocatorExhausted))
	assert.Equal(t, 2, attempts)
}

func TestAllocateStopsOnNonCollisionError(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(5000))
	a, err := New(Config{EpochMS: 0, RetryBudget: 5}, clk)
	require.NoError(t, err)

	boom := errors.New("connection lost")
	var attempts int
	_, err = a.Allocate(func(entity.InternalID) error {
		attempts++
		return entity.NewTransientError("insert failed", boom)
	})
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}
