// Package memory is the in-memory snapshot store used by unit tests and
// single-process development.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

type object struct {
	data      []byte
	state     entity.PublicationState
	writtenAt time.Time
}

// Hooks allows tests to inject failures before individual operations.
type Hooks struct {
	BeforePut      func(uri string, state entity.PublicationState) error
	BeforeSetState func(uri string, state entity.PublicationState) error
}

// Store is the in-memory snapshot.Store implementation.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object
	now     func() time.Time

	Hooks Hooks
}

// New creates an empty in-memory snapshot store.
func New() *Store {
	return &Store{objects: make(map[string]*object), now: time.Now}
}

// WithClock overrides the timestamp source. Used by reconciler tests that
// need deterministic pending-object ages.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

var _ snapshot.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, uri string, data []byte, state entity.PublicationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Hooks.BeforePut != nil {
		if err := s.Hooks.BeforePut(uri, state); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.objects[uri]; ok {
		if bytes.Equal(existing.data, data) {
			return nil // idempotent replay
		}
		if existing.state == entity.StatePublished {
			return entity.NewInvariantViolationError("attempt to overwrite published snapshot " + uri)
		}
		// A concurrent writer staged different bytes at this revision.
		// First write wins; the caller restarts on a fresh head.
		return entity.NewAlreadyExistsError("pending snapshot " + uri + " already staged with different content")
	}

	s.objects[uri] = &object{data: append([]byte(nil), data...), state: state, writtenAt: s.now()}
	return nil
}

func (s *Store) Get(ctx context.Context, uri string) ([]byte, entity.PublicationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.objects[uri]
	if !ok {
		return nil, "", &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no snapshot at " + uri}
	}
	return append([]byte(nil), o.data...), o.state, nil
}

func (s *Store) SetState(ctx context.Context, uri string, state entity.PublicationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Hooks.BeforeSetState != nil {
		if err := s.Hooks.BeforeSetState(uri, state); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[uri]
	if !ok {
		return &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no snapshot at " + uri}
	}
	if o.state == state {
		return nil
	}
	if o.state == entity.StatePublished && state == entity.StatePending {
		return entity.NewInvariantViolationError("attempt to demote published snapshot " + uri)
	}
	o.state = state
	return nil
}

func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uris []string
	for uri, o := range s.objects {
		if o.state == entity.StatePending && o.writtenAt.Before(cutoff) {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	if limit > 0 && len(uris) > limit {
		uris = uris[:limit]
	}
	return uris, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }
