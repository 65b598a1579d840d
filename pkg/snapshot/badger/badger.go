// Package badger implements the snapshot store on BadgerDB for
// single-node deployments and integration tests that need durability
// without an object store.
//
// Each object is stored under its snapshot URI with a small binary
// header (publication state byte plus write timestamp) ahead of the
// JSON payload, so state flips rewrite one value without touching a
// second index.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

const (
	stateBytePending   byte = 0
	stateBytePublished byte = 1

	headerSize = 1 + 8 // state byte + unix-nano write timestamp
)

// Store is the Badger-backed snapshot store.
type Store struct {
	db  *badgerdb.DB
	now func() time.Time
}

// New opens (or creates) the Badger database at dir.
func New(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger snapshot store at %s: %w", dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewInMemory opens an ephemeral store. Used by tests.
func NewInMemory() (*Store, error) {
	opts := badgerdb.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory badger snapshot store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// WithClock overrides the timestamp source. Used by reconciler tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

var _ snapshot.Store = (*Store)(nil)

func encode(state entity.PublicationState, writtenAt time.Time, data []byte) []byte {
	buf := make([]byte, headerSize+len(data))
	if state == entity.StatePublished {
		buf[0] = stateBytePublished
	} else {
		buf[0] = stateBytePending
	}
	binary.BigEndian.PutUint64(buf[1:headerSize], uint64(writtenAt.UnixNano()))
	copy(buf[headerSize:], data)
	return buf
}

func decode(val []byte) (entity.PublicationState, time.Time, []byte, error) {
	if len(val) < headerSize {
		return "", time.Time{}, nil, entity.NewInvariantViolationError("snapshot value shorter than header")
	}
	state := entity.StatePending
	if val[0] == stateBytePublished {
		state = entity.StatePublished
	}
	writtenAt := time.Unix(0, int64(binary.BigEndian.Uint64(val[1:headerSize])))
	return state, writtenAt, val[headerSize:], nil
}

func (s *Store) Put(ctx context.Context, uri string, data []byte, state entity.PublicationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(uri))
		switch {
		case err == nil:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			existingState, _, existing, err := decode(val)
			if err != nil {
				return err
			}
			if bytes.Equal(existing, data) {
				return nil // idempotent replay
			}
			if existingState == entity.StatePublished {
				return entity.NewInvariantViolationError("attempt to overwrite published snapshot " + uri)
			}
			// First write wins; a racing writer restarts on a fresh head.
			return entity.NewAlreadyExistsError("pending snapshot " + uri + " already staged with different content")
		case errors.Is(err, badgerdb.ErrKeyNotFound):
			// fresh write
		default:
			return err
		}
		return txn.Set([]byte(uri), encode(state, s.now(), data))
	})
	if err != nil {
		var domainErr *entity.Error
		if errors.As(err, &domainErr) {
			return err
		}
		return entity.NewWriteFailedError("", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, uri string) ([]byte, entity.PublicationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	var data []byte
	var state entity.PublicationState
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(uri))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no snapshot at " + uri}
			}
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		state, _, data, err = decode(val)
		return err
	})
	if err != nil {
		var domainErr *entity.Error
		if errors.As(err, &domainErr) {
			return nil, "", err
		}
		return nil, "", entity.NewTransientError("snapshot read failed", err)
	}
	return data, state, nil
}

func (s *Store) SetState(ctx context.Context, uri string, state entity.PublicationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(uri))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no snapshot at " + uri}
			}
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		current, writtenAt, data, err := decode(val)
		if err != nil {
			return err
		}
		if current == state {
			return nil
		}
		if current == entity.StatePublished && state == entity.StatePending {
			return entity.NewInvariantViolationError("attempt to demote published snapshot " + uri)
		}
		return txn.Set([]byte(uri), encode(state, writtenAt, data))
	})
	if err != nil {
		var domainErr *entity.Error
		if errors.As(err, &domainErr) {
			return err
		}
		return entity.NewTransientError("snapshot state flip failed", err)
	}
	return nil
}

func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var uris []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			state, writtenAt, _, err := decode(val)
			if err != nil {
				return err
			}
			if state == entity.StatePending && writtenAt.Before(cutoff) {
				uris = append(uris, string(item.KeyCopy(nil)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, entity.NewTransientError("snapshot listing failed", err)
	}
	sort.Strings(uris)
	if limit > 0 && len(uris) > limit {
		uris = uris[:limit]
	}
	return uris, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return entity.NewTransientError("badger snapshot store is closed", nil)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }
