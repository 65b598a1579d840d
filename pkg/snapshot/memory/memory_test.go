package memory

import (
	"testing"
	"time"

	"github.com/entitygraph/entitygraph/pkg/snapshot"
	"github.com/entitygraph/entitygraph/pkg/snapshot/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) snapshot.Store {
		return New()
	})
}

func TestPendingListing(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New().WithClock(func() time.Time { return current })
	defer s.Close()

	storetest.RunPendingListing(t, s,
		func(d time.Duration) { current = current.Add(d) },
		func() time.Time { return current },
	)
}
