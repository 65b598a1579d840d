// Package reader implements the entity read path: resolve the external
// ID, consult the head, and serve the snapshot, honoring deletion and
// redirect semantics.
//
// Reads prefer the cache for both the ID mapping and the head pointer and
// fall back to the metadata store on a miss, refilling the cache on the
// way out. Snapshot bytes are never cached; the object store is the
// canonical source for revision content.
package reader

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/internal/telemetry"
	"github.com/entitygraph/entitygraph/pkg/cache"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

// Config bundles the reader's collaborators. Cache may be nil.
type Config struct {
	Metadata  metadata.Store
	Snapshots snapshot.Store
	Cache     cache.Cache

	// SchemaVersions controls which envelope versions are accepted when
	// decoding snapshots.
	SchemaVersions entity.SchemaVersions
}

// Reader serves entity reads.
type Reader struct {
	meta    metadata.Store
	snaps   snapshot.Store
	cache   cache.Cache
	schemas entity.SchemaVersions
}

// New creates a Reader.
func New(cfg Config) (*Reader, error) {
	if cfg.Metadata == nil || cfg.Snapshots == nil {
		return nil, fmt.Errorf("reader: metadata and snapshot stores are required")
	}
	if cfg.SchemaVersions.Current == "" {
		cfg.SchemaVersions.Current = "1.0.0"
	}
	return &Reader{
		meta:    cfg.Metadata,
		snaps:   cfg.Snapshots,
		cache:   cfg.Cache,
		schemas: cfg.SchemaVersions,
	}, nil
}

// Latest is the result of a head read. Exactly one of Envelope and
// RedirectsTo is set: a redirecting entity returns the target and no
// body, and the caller chooses whether to follow.
type Latest struct {
	ExternalID  entity.ExternalID
	RevisionID  uint64
	RedirectsTo *entity.ExternalID
	Envelope    *entity.Envelope
}

// GetLatest reads the entity at its head revision.
func (r *Reader) GetLatest(ctx context.Context, id entity.ExternalID) (*Latest, error) {
	ctx, span := telemetry.StartReadSpan(ctx, telemetry.SpanReadLatest, string(id))
	defer span.End()

	if _, _, err := entity.ParseExternalID(string(id)); err != nil {
		return nil, err
	}
	internal, err := r.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	head, err := r.head(ctx, id, internal)
	if err != nil {
		return nil, err
	}

	if head.IsDeleted {
		return nil, entity.NewGoneError(id)
	}
	if head.RedirectsTo != nil {
		target := *head.RedirectsTo
		return &Latest{ExternalID: id, RevisionID: head.HeadRevisionID, RedirectsTo: &target}, nil
	}

	env, err := r.loadEnvelope(ctx, id, head.HeadRevisionID)
	if err != nil {
		return nil, err
	}
	return &Latest{ExternalID: id, RevisionID: head.HeadRevisionID, Envelope: env}, nil
}

// GetRevision reads one historical revision, returning the full envelope.
// Head state never hides history: revisions of redirected and even
// hard-deleted entities stay servable, and a deletion shows up as its
// tombstone revision. Only the head read gates on the deleted flag.
func (r *Reader) GetRevision(ctx context.Context, id entity.ExternalID, rev uint64) (*entity.Envelope, error) {
	if _, _, err := entity.ParseExternalID(string(id)); err != nil {
		return nil, err
	}
	internal, err := r.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := r.meta.GetRevision(ctx, internal, rev); err != nil {
		if entity.IsCode(err, entity.ErrRevisionNotFound) {
			return nil, entity.NewRevisionNotFoundError(id, rev)
		}
		return nil, err
	}
	return r.loadEnvelope(ctx, id, rev)
}

// GetRaw returns the unwrapped entity body of one revision.
func (r *Reader) GetRaw(ctx context.Context, id entity.ExternalID, rev uint64) (json.RawMessage, error) {
	env, err := r.GetRevision(ctx, id, rev)
	if err != nil {
		return nil, err
	}
	return env.Entity, nil
}

// GetHistory lists the entity's revision metadata, ascending by revision.
// Hard deletion does not erase history; the listing ends with the
// tombstone revision.
func (r *Reader) GetHistory(ctx context.Context, id entity.ExternalID) ([]metadata.RevisionRow, error) {
	if _, _, err := entity.ParseExternalID(string(id)); err != nil {
		return nil, err
	}
	internal, err := r.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := r.meta.ListHistory(ctx, internal)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, entity.NewNoRevisionsError(id)
	}
	return rows, nil
}

// resolve maps external to internal, cache first.
func (r *Reader) resolve(ctx context.Context, id entity.ExternalID) (entity.InternalID, error) {
	if r.cache != nil {
		if internal, ok, _ := r.cache.GetID(ctx, id); ok {
			return internal, nil
		}
	}
	internal, err := r.meta.ResolveExternal(ctx, id)
	if err != nil {
		return 0, err
	}
	if r.cache != nil {
		if cerr := r.cache.PutID(ctx, id, internal); cerr != nil {
			logger.WarnCtx(ctx, "id map cache write failed",
				logger.KeyComponent, "reader",
				logger.KeyEntityID, string(id),
				logger.KeyError, cerr.Error(),
			)
		}
	}
	return internal, nil
}

// head reads the head pointer, cache first, refilling on a miss. A
// mapping without a head row means no revision was ever published.
func (r *Reader) head(ctx context.Context, id entity.ExternalID, internal entity.InternalID) (*cache.HeadEntry, error) {
	if r.cache != nil {
		if e, ok, _ := r.cache.GetHead(ctx, id); ok {
			return e, nil
		}
	}

	row, err := r.meta.GetHead(ctx, internal)
	if err != nil {
		if entity.IsCode(err, entity.ErrNotFound) {
			return nil, entity.NewNoRevisionsError(id)
		}
		return nil, err
	}

	e := cache.HeadEntry{
		HeadRevisionID:      row.HeadRevisionID,
		IsSemiProtected:     row.IsSemiProtected,
		IsLocked:            row.IsLocked,
		IsArchived:          row.IsArchived,
		IsMassEditProtected: row.IsMassEditProtected,
		IsDeleted:           row.IsDeleted,
	}
	if row.RedirectsTo != nil {
		m, err := r.meta.ResolveInternal(ctx, *row.RedirectsTo)
		if err != nil {
			return nil, err
		}
		e.RedirectsTo = &m.ExternalID
	}

	if r.cache != nil {
		if cerr := r.cache.PutHead(ctx, id, e); cerr != nil {
			logger.WarnCtx(ctx, "head cache write failed",
				logger.KeyComponent, "reader",
				logger.KeyEntityID, string(id),
				logger.KeyError, cerr.Error(),
			)
		}
	}
	return &e, nil
}

func (r *Reader) loadEnvelope(ctx context.Context, id entity.ExternalID, rev uint64) (*entity.Envelope, error) {
	data, _, err := r.snaps.Get(ctx, snapshot.URIFor(id, rev))
	if err != nil {
		return nil, err
	}
	return entity.DecodeEnvelope(data, r.schemas)
}
