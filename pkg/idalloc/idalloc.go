// Package idalloc generates 64-bit internal entity identifiers.
//
// Layout (most significant bit first):
//
//	bit 63     sign bit, always 0
//	bits 22-62 milliseconds since the configured epoch (41 bits)
//	bits 0-21  randomness from a CSPRNG (22 bits)
//
// IDs are approximately time-ordered but NOT strictly monotonic. The
// randomness makes same-millisecond collisions unlikely; the caller
// resolves the residual risk by retrying insertion under the unique
// constraint of the ID mapping table.
package idalloc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/pkg/entity"
)

const (
	timestampBits = 41
	randomBits    = 22

	timestampMask = (uint64(1) << timestampBits) - 1
	randomMask    = (uint64(1) << randomBits) - 1
)

// Config holds allocator configuration. The epoch is fixed at boot and
// immutable thereafter; changing it on a live dataset would reorder IDs.
type Config struct {
	// EpochMS is the allocator epoch in Unix milliseconds.
	EpochMS int64

	// RetryBudget is the number of fresh IDs the caller may try before
	// surfacing AllocatorExhausted. Zero means the default of 5.
	RetryBudget int
}

// Allocator produces internal IDs.
type Allocator struct {
	epoch       time.Time
	retryBudget int
	clock       clock.Clock
}

// New creates an Allocator. A nil clk uses the wall clock.
func New(cfg Config, clk clock.Clock) (*Allocator, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	epoch := time.UnixMilli(cfg.EpochMS)
	if !epoch.Before(clk.Now()) {
		return nil, fmt.Errorf("allocator epoch %s is in the future", epoch.UTC())
	}

	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = 5
	}

	return &Allocator{epoch: epoch, retryBudget: budget, clock: clk}, nil
}

// RetryBudget returns the configured number of allocation attempts.
func (a *Allocator) RetryBudget() int { return a.retryBudget }

// Next returns a fresh internal ID.
func (a *Allocator) Next() (entity.InternalID, error) {
	ms := uint64(a.clock.Now().Sub(a.epoch).Milliseconds()) & timestampMask

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("idalloc: reading randomness: %w", err)
	}
	random := uint64(binary.BigEndian.Uint32(buf[:])) & randomMask

	// Sign bit stays 0: 41+22 = 63 bits used.
	return entity.InternalID(ms<<randomBits | random), nil
}

// Allocate runs insert with fresh IDs until it succeeds or the retry
// budget is exhausted. insert must return ErrAlreadyExists when the ID
// collides with an existing mapping row.
func (a *Allocator) Allocate(insert func(entity.InternalID) error) (entity.InternalID, error) {
	for attempt := 0; attempt < a.retryBudget; attempt++ {
		id, err := a.Next()
		if err != nil {
			return 0, err
		}
		err = insert(id)
		if err == nil {
			return id, nil
		}
		if !entity.IsCode(err, entity.ErrAlreadyExists) {
			return 0, err
		}
	}
	return 0, entity.NewAllocatorExhaustedError(a.retryBudget)
}
