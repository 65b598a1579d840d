package badger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entitygraph/entitygraph/pkg/snapshot"
	"github.com/entitygraph/entitygraph/pkg/snapshot/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) snapshot.Store {
		s, err := NewInMemory()
		require.NoError(t, err)
		return s
	})
}

func TestPendingListing(t *testing.T) {
	s, err := NewInMemory()
	require.NoError(t, err)
	defer s.Close()

	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return current })

	storetest.RunPendingListing(t, s,
		func(d time.Duration) { current = current.Add(d) },
		func() time.Time { return current },
	)
}
