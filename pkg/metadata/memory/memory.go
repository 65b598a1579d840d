// Package memory provides the in-memory metadata store used by unit tests
// and single-process development. It implements the full metadata.Store
// contract, including CAS semantics, and supports fault injection through
// per-operation hooks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
)

// Hooks allows tests to inject failures before individual operations.
// A non-nil hook runs before the operation; returning an error aborts it.
type Hooks struct {
	BeforeCreateMapping     func(m metadata.Mapping) error
	BeforeInsertRevision    func(row metadata.RevisionRow) error
	BeforeCASHead           func(id entity.InternalID, expectedRev, newRev uint64) error
	BeforeListChangedSince  func(since time.Time) error
}

// Store is the in-memory metadata.Store implementation.
type Store struct {
	mu sync.RWMutex

	byExternal map[entity.ExternalID]*metadata.Mapping
	byInternal map[entity.InternalID]*metadata.Mapping
	heads      map[entity.InternalID]*metadata.HeadRow
	revisions  map[entity.InternalID][]metadata.RevisionRow
	redirects  []metadata.RedirectRow
	audits     map[entity.InternalID][]metadata.DeleteAudit

	// Hooks for fault injection; nil hooks are skipped.
	Hooks Hooks
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		byExternal: make(map[entity.ExternalID]*metadata.Mapping),
		byInternal: make(map[entity.InternalID]*metadata.Mapping),
		heads:      make(map[entity.InternalID]*metadata.HeadRow),
		revisions:  make(map[entity.InternalID][]metadata.RevisionRow),
		audits:     make(map[entity.InternalID][]metadata.DeleteAudit),
	}
}

var _ metadata.Store = (*Store)(nil)

func (s *Store) ResolveExternal(ctx context.Context, id entity.ExternalID) (entity.InternalID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byExternal[id]
	if !ok {
		return 0, entity.NewNotFoundError(id)
	}
	return m.InternalID, nil
}

func (s *Store) ResolveInternal(ctx context.Context, id entity.InternalID) (*metadata.Mapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byInternal[id]
	if !ok {
		return nil, &entity.Error{Code: entity.ErrNotFound, Message: "internal id " + id.String() + " has no mapping"}
	}
	cp := *m
	return &cp, nil
}

func (s *Store) CreateMapping(ctx context.Context, m metadata.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Hooks.BeforeCreateMapping != nil {
		if err := s.Hooks.BeforeCreateMapping(m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byExternal[m.ExternalID]; ok {
		return entity.NewAlreadyExistsError("mapping for " + string(m.ExternalID) + " already exists")
	}
	if _, ok := s.byInternal[m.InternalID]; ok {
		return entity.NewAlreadyExistsError("internal id " + m.InternalID.String() + " already mapped")
	}

	cp := m
	s.byExternal[m.ExternalID] = &cp
	s.byInternal[m.InternalID] = &cp
	return nil
}

func (s *Store) GetHead(ctx context.Context, id entity.InternalID) (*metadata.HeadRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.heads[id]
	if !ok {
		return nil, &entity.Error{Code: entity.ErrNotFound, Message: "no head row for internal id " + id.String()}
	}
	cp := *h
	return &cp, nil
}

func (s *Store) InsertHead(ctx context.Context, id entity.InternalID, rev uint64, flags metadata.Flags, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heads[id]; ok {
		return entity.NewCASFailedError("")
	}
	s.heads[id] = headFromFlags(id, rev, flags, now)
	return nil
}

func (s *Store) CASHead(ctx context.Context, id entity.InternalID, expectedRev, newRev uint64, flags metadata.Flags, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Hooks.BeforeCASHead != nil {
		if err := s.Hooks.BeforeCASHead(id, expectedRev, newRev); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casHeadLocked(id, expectedRev, newRev, flags, now)
}

func (s *Store) casHeadLocked(id entity.InternalID, expectedRev, newRev uint64, flags metadata.Flags, now time.Time) error {
	if newRev <= expectedRev {
		return entity.NewInvariantViolationError("head CAS would not advance the head")
	}

	h, ok := s.heads[id]
	if !ok || h.HeadRevisionID != expectedRev {
		return entity.NewCASFailedError("")
	}

	s.heads[id] = headFromFlags(id, newRev, flags, now)
	return nil
}

func headFromFlags(id entity.InternalID, rev uint64, flags metadata.Flags, now time.Time) *metadata.HeadRow {
	return &metadata.HeadRow{
		InternalID:          id,
		HeadRevisionID:      rev,
		UpdatedAt:           now,
		IsSemiProtected:     flags.SemiProtected,
		IsLocked:            flags.Locked,
		IsArchived:          flags.Archived,
		IsMassEditProtected: flags.MassEditProtected,
		IsDeleted:           flags.Deleted,
		RedirectsTo:         flags.RedirectsTo,
	}
}

func (s *Store) NextRevisionID(ctx context.Context, id entity.InternalID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max uint64
	for _, r := range s.revisions[id] {
		if r.RevisionID > max {
			max = r.RevisionID
		}
	}
	return max + 1, nil
}

func (s *Store) InsertRevisionMeta(ctx context.Context, row metadata.RevisionRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Hooks.BeforeInsertRevision != nil {
		if err := s.Hooks.BeforeInsertRevision(row); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.revisions[row.InternalID] {
		if r.RevisionID == row.RevisionID {
			if hashEqual(r.ContentHash, row.ContentHash) {
				return nil // idempotent replay
			}
			return entity.NewAlreadyExistsError("revision row already exists")
		}
	}

	s.revisions[row.InternalID] = append(s.revisions[row.InternalID], row)
	sort.Slice(s.revisions[row.InternalID], func(i, j int) bool {
		return s.revisions[row.InternalID][i].RevisionID < s.revisions[row.InternalID][j].RevisionID
	})
	return nil
}

func hashEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Store) GetRevision(ctx context.Context, id entity.InternalID, rev uint64) (*metadata.RevisionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.revisions[id] {
		if r.RevisionID == rev {
			cp := r
			return &cp, nil
		}
	}
	return nil, &entity.Error{Code: entity.ErrRevisionNotFound, Message: "revision not found"}
}

func (s *Store) PreviousRevision(ctx context.Context, id entity.InternalID, before uint64) (*metadata.RevisionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *metadata.RevisionRow
	for i := range s.revisions[id] {
		r := s.revisions[id][i]
		if r.RevisionID < before && (found == nil || r.RevisionID > found.RevisionID) {
			cp := r
			found = &cp
		}
	}
	if found == nil {
		return nil, &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no revision below"}
	}
	return found, nil
}

func (s *Store) ListHistory(ctx context.Context, id entity.InternalID) ([]metadata.RevisionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metadata.RevisionRow, len(s.revisions[id]))
	copy(out, s.revisions[id])
	return out, nil
}

func (s *Store) CreateRedirect(ctx context.Context, row metadata.RedirectRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.redirects {
		if r.FromInternalID == row.FromInternalID && r.ToInternalID == row.ToInternalID {
			return entity.NewAlreadyExistsError("redirect pair already exists")
		}
	}
	s.redirects = append(s.redirects, row)
	return nil
}

func (s *Store) GetRedirectTarget(ctx context.Context, id entity.InternalID) (*entity.InternalID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.heads[id]
	if !ok || h.RedirectsTo == nil {
		return nil, nil
	}
	target := *h.RedirectsTo
	return &target, nil
}

func (s *Store) GetIncomingRedirects(ctx context.Context, id entity.InternalID) ([]entity.InternalID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.InternalID
	for from, h := range s.heads {
		if h.RedirectsTo != nil && *h.RedirectsTo == id {
			out = append(out, from)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) AppendDeleteAudit(ctx context.Context, audit metadata.DeleteAudit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audits[audit.InternalID] = append(s.audits[audit.InternalID], audit)
	return nil
}

func (s *Store) HardDeleteMark(ctx context.Context, id entity.InternalID, expectedRev, newRev uint64, flags metadata.Flags, audit metadata.DeleteAudit, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.casHeadLocked(id, expectedRev, newRev, flags, now); err != nil {
		return err
	}
	s.audits[id] = append(s.audits[id], audit)
	return nil
}

func (s *Store) ListDeleteAudits(ctx context.Context, id entity.InternalID) ([]metadata.DeleteAudit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metadata.DeleteAudit, len(s.audits[id]))
	copy(out, s.audits[id])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) ListChangedSince(ctx context.Context, since time.Time, limit int) ([]metadata.HeadRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Hooks.BeforeListChangedSince != nil {
		if err := s.Hooks.BeforeListChangedSince(since); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metadata.HeadRow
	for _, h := range s.heads {
		if h.UpdatedAt.After(since) {
			out = append(out, *h)
		}
	}
	sortHeads(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListChangedBetween(ctx context.Context, start, end time.Time, limit int) ([]metadata.HeadRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metadata.HeadRow
	for _, h := range s.heads {
		if h.UpdatedAt.After(start) && !h.UpdatedAt.After(end) {
			out = append(out, *h)
		}
	}
	sortHeads(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortHeads orders by (updated_at, internal_id), the poller's tie-break.
func sortHeads(rows []metadata.HeadRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].InternalID < rows[j].InternalID
		}
		return rows[i].UpdatedAt.Before(rows[j].UpdatedAt)
	})
}

func (s *Store) ListHeadLagging(ctx context.Context, limit int) ([]metadata.RevisionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metadata.RevisionRow
	for id, revs := range s.revisions {
		var headRev uint64
		if h, ok := s.heads[id]; ok {
			headRev = h.HeadRevisionID
		}
		for _, r := range revs {
			if r.RevisionID > headRev {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InternalID == out[j].InternalID {
			return out[i].RevisionID < out[j].RevisionID
		}
		return out[i].InternalID < out[j].InternalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListByFlag(ctx context.Context, flag metadata.StatusFlag, limit int) ([]metadata.HeadPointer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metadata.HeadPointer
	for id, h := range s.heads {
		var set bool
		switch flag {
		case metadata.FlagSemiProtected:
			set = h.IsSemiProtected
		case metadata.FlagLocked:
			set = h.IsLocked
		case metadata.FlagArchived:
			set = h.IsArchived
		case metadata.FlagMassEditProtected:
			set = h.IsMassEditProtected
		}
		if !set {
			continue
		}
		if m, ok := s.byInternal[id]; ok {
			out = append(out, metadata.HeadPointer{ExternalID: m.ExternalID, HeadRevisionID: h.HeadRevisionID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }
