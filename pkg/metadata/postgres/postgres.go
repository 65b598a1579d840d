// Package postgres is the production metadata store: one PostgreSQL (or
// Vitess-fronted MySQL-compatible) schema keyed by internal_id everywhere,
// so every statement stays on a single shard.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
)

// Store implements metadata.Store on a pgx connection pool.
type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

var _ metadata.Store = (*Store)(nil)

// New connects, optionally migrates, and verifies the schema is reachable.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres metadata store requires a configuration")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, cfg.ConnectionString()); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging metadata database: %w", err)
	}
	return &Store{pool: pool, queryTimeout: cfg.QueryTimeout}, nil
}

// withTimeout bounds a single statement.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// mapError translates driver errors into the domain error codes.
func mapError(err error, operation string) error {
	if err == nil {
		return nil
	}
	var domainErr *entity.Error
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &entity.Error{Code: entity.ErrNotFound, Message: operation + ": not found"}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return entity.NewAlreadyExistsError(operation + ": already exists")
		case "23503": // foreign_key_violation
			return &entity.Error{Code: entity.ErrNotFound, Message: operation + ": referenced row not found"}
		}
	}
	return entity.NewTransientError(operation, err)
}

// ============================================
// ID MAPPING
// ============================================

func (s *Store) ResolveExternal(ctx context.Context, id entity.ExternalID) (entity.InternalID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var internal int64
	err := s.pool.QueryRow(ctx,
		`SELECT internal_id FROM entity_id_mapping WHERE external_id = $1`,
		string(id)).Scan(&internal)
	if err != nil {
		return 0, mapError(err, "resolving external id")
	}
	return entity.InternalID(internal), nil
}

func (s *Store) ResolveInternal(ctx context.Context, id entity.InternalID) (*metadata.Mapping, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m metadata.Mapping
	var internal int64
	var external, typ string
	err := s.pool.QueryRow(ctx,
		`SELECT internal_id, external_id, entity_type, created_at
		   FROM entity_id_mapping WHERE internal_id = $1`,
		int64(id)).Scan(&internal, &external, &typ, &m.CreatedAt)
	if err != nil {
		return nil, mapError(err, "resolving internal id")
	}
	m.InternalID = entity.InternalID(internal)
	m.ExternalID = entity.ExternalID(external)
	m.EntityType = entity.EntityType(typ)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *Store) CreateMapping(ctx context.Context, m metadata.Mapping) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_id_mapping (internal_id, external_id, entity_type, created_at)
		 VALUES ($1, $2, $3, $4)`,
		int64(m.InternalID), string(m.ExternalID), string(m.EntityType), m.CreatedAt.UTC())
	return mapError(err, "creating id mapping")
}

// ============================================
// HEAD
// ============================================

const headColumns = `internal_id, head_revision_id, updated_at,
	is_semi_protected, is_locked, is_archived, is_mass_edit_protected,
	is_deleted, redirects_to_internal_id`

func scanHead(row pgx.Row) (*metadata.HeadRow, error) {
	var h metadata.HeadRow
	var internal, headRev int64
	var redirect *int64
	err := row.Scan(&internal, &headRev, &h.UpdatedAt,
		&h.IsSemiProtected, &h.IsLocked, &h.IsArchived, &h.IsMassEditProtected,
		&h.IsDeleted, &redirect)
	if err != nil {
		return nil, err
	}
	h.InternalID = entity.InternalID(internal)
	h.HeadRevisionID = uint64(headRev)
	h.UpdatedAt = h.UpdatedAt.UTC()
	if redirect != nil {
		r := entity.InternalID(*redirect)
		h.RedirectsTo = &r
	}
	return &h, nil
}

func redirectParam(flags metadata.Flags) *int64 {
	if flags.RedirectsTo == nil {
		return nil
	}
	v := int64(*flags.RedirectsTo)
	return &v
}

func (s *Store) GetHead(ctx context.Context, id entity.InternalID) (*metadata.HeadRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	h, err := scanHead(s.pool.QueryRow(ctx,
		`SELECT `+headColumns+` FROM entity_head WHERE internal_id = $1`, int64(id)))
	if err != nil {
		return nil, mapError(err, "reading head")
	}
	return h, nil
}

func (s *Store) InsertHead(ctx context.Context, id entity.InternalID, rev uint64, flags metadata.Flags, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_head (`+headColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		int64(id), int64(rev), now.UTC(),
		flags.SemiProtected, flags.Locked, flags.Archived, flags.MassEditProtected,
		flags.Deleted, redirectParam(flags))
	if err != nil {
		// The head is created exactly once; a duplicate means another
		// writer won the first-revision race.
		if entity.IsCode(mapError(err, ""), entity.ErrAlreadyExists) {
			return entity.NewCASFailedError("")
		}
		return mapError(err, "inserting head")
	}
	return nil
}

func (s *Store) CASHead(ctx context.Context, id entity.InternalID, expectedRev, newRev uint64, flags metadata.Flags, now time.Time) error {
	if newRev <= expectedRev {
		return entity.NewInvariantViolationError("head CAS would not advance the head")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, casHeadSQL,
		int64(newRev), now.UTC(),
		flags.SemiProtected, flags.Locked, flags.Archived, flags.MassEditProtected,
		flags.Deleted, redirectParam(flags),
		int64(id), int64(expectedRev))
	if err != nil {
		return mapError(err, "head CAS")
	}
	if tag.RowsAffected() == 0 {
		return entity.NewCASFailedError("")
	}
	return nil
}

const casHeadSQL = `
	UPDATE entity_head
	   SET head_revision_id = $1,
	       updated_at = $2,
	       is_semi_protected = $3,
	       is_locked = $4,
	       is_archived = $5,
	       is_mass_edit_protected = $6,
	       is_deleted = $7,
	       redirects_to_internal_id = $8
	 WHERE internal_id = $9 AND head_revision_id = $10`

// ============================================
// REVISIONS
// ============================================

func (s *Store) NextRevisionID(ctx context.Context, id entity.InternalID) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var next int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(revision_id), 0) + 1 FROM entity_revisions WHERE internal_id = $1`,
		int64(id)).Scan(&next)
	if err != nil {
		return 0, mapError(err, "probing next revision")
	}
	return uint64(next), nil
}

func hashParam(h *uint64) *int64 {
	if h == nil {
		return nil
	}
	v := int64(*h)
	return &v
}

func (s *Store) InsertRevisionMeta(ctx context.Context, row metadata.RevisionRow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_revisions
		   (internal_id, revision_id, created_at, created_by, size_bytes,
		    is_mass_edit, edit_type, validation_status, schema_version, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(row.InternalID), int64(row.RevisionID), row.CreatedAt.UTC(), row.CreatedBy,
		row.SizeBytes, row.IsMassEdit, row.EditType, string(row.ValidationStatus),
		row.SchemaVersion, hashParam(row.ContentHash))
	if err == nil {
		return nil
	}
	mapped := mapError(err, "inserting revision row")
	if !entity.IsCode(mapped, entity.ErrAlreadyExists) {
		return mapped
	}

	// Idempotent replay: the same writer retrying the same revision with
	// the same content is a no-op; a different content hash is a conflict.
	existing, gErr := s.GetRevision(ctx, row.InternalID, row.RevisionID)
	if gErr != nil {
		return mapped
	}
	if hashEqual(existing.ContentHash, row.ContentHash) {
		return nil
	}
	return mapped
}

func hashEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

const revisionColumns = `internal_id, revision_id, created_at, created_by,
	size_bytes, is_mass_edit, edit_type, validation_status, schema_version, content_hash`

func scanRevision(row pgx.Row) (*metadata.RevisionRow, error) {
	var r metadata.RevisionRow
	var internal, rev int64
	var status string
	var hash *int64
	err := row.Scan(&internal, &rev, &r.CreatedAt, &r.CreatedBy,
		&r.SizeBytes, &r.IsMassEdit, &r.EditType, &status, &r.SchemaVersion, &hash)
	if err != nil {
		return nil, err
	}
	r.InternalID = entity.InternalID(internal)
	r.RevisionID = uint64(rev)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ValidationStatus = entity.ValidationStatus(status)
	if hash != nil {
		h := uint64(*hash)
		r.ContentHash = &h
	}
	return &r, nil
}

func (s *Store) GetRevision(ctx context.Context, id entity.InternalID, rev uint64) (*metadata.RevisionRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r, err := scanRevision(s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM entity_revisions
		  WHERE internal_id = $1 AND revision_id = $2`,
		int64(id), int64(rev)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &entity.Error{Code: entity.ErrRevisionNotFound, Message: "revision not found"}
		}
		return nil, mapError(err, "reading revision row")
	}
	return r, nil
}

func (s *Store) PreviousRevision(ctx context.Context, id entity.InternalID, before uint64) (*metadata.RevisionRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r, err := scanRevision(s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM entity_revisions
		  WHERE internal_id = $1 AND revision_id < $2
		  ORDER BY revision_id DESC LIMIT 1`,
		int64(id), int64(before)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &entity.Error{Code: entity.ErrRevisionNotFound, Message: "no previous revision"}
		}
		return nil, mapError(err, "reading previous revision")
	}
	return r, nil
}

func (s *Store) ListHistory(ctx context.Context, id entity.InternalID) ([]metadata.RevisionRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+revisionColumns+` FROM entity_revisions
		  WHERE internal_id = $1 ORDER BY revision_id ASC`,
		int64(id))
	if err != nil {
		return nil, mapError(err, "listing history")
	}
	defer rows.Close()

	var out []metadata.RevisionRow
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, mapError(err, "scanning history row")
		}
		out = append(out, *r)
	}
	return out, mapError(rows.Err(), "listing history")
}

// ============================================
// REDIRECTS
// ============================================

func (s *Store) CreateRedirect(ctx context.Context, row metadata.RedirectRow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_redirects (from_internal_id, to_internal_id, created_at, created_by)
		 VALUES ($1, $2, $3, $4)`,
		int64(row.FromInternalID), int64(row.ToInternalID), row.CreatedAt.UTC(), row.CreatedBy)
	return mapError(err, "creating redirect")
}

func (s *Store) GetRedirectTarget(ctx context.Context, id entity.InternalID) (*entity.InternalID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var target *int64
	err := s.pool.QueryRow(ctx,
		`SELECT redirects_to_internal_id FROM entity_head WHERE internal_id = $1`,
		int64(id)).Scan(&target)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(err, "reading redirect target")
	}
	if target == nil {
		return nil, nil
	}
	t := entity.InternalID(*target)
	return &t, nil
}

func (s *Store) GetIncomingRedirects(ctx context.Context, id entity.InternalID) ([]entity.InternalID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT internal_id FROM entity_head
		  WHERE redirects_to_internal_id = $1 ORDER BY internal_id ASC`,
		int64(id))
	if err != nil {
		return nil, mapError(err, "listing incoming redirects")
	}
	defer rows.Close()

	var out []entity.InternalID
	for rows.Next() {
		var from int64
		if err := rows.Scan(&from); err != nil {
			return nil, mapError(err, "scanning incoming redirect")
		}
		out = append(out, entity.InternalID(from))
	}
	return out, mapError(rows.Err(), "listing incoming redirects")
}

// ============================================
// DELETION
// ============================================

func (s *Store) AppendDeleteAudit(ctx context.Context, audit metadata.DeleteAudit) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, insertAuditSQL,
		int64(audit.InternalID), string(audit.DeleteType), audit.Reason,
		audit.RequestedBy, audit.ApprovedBy, audit.Timestamp.UTC(), audit.RetentionExpiry)
	return mapError(err, "appending delete audit")
}

const insertAuditSQL = `
	INSERT INTO entity_delete_audit
	  (internal_id, delete_type, reason, requested_by, approved_by, deleted_at, retention_expiry)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// HardDeleteMark commits the head CAS and the hard-delete audit row in one
// transaction: a hard deletion is either fully recorded or not at all.
func (s *Store) HardDeleteMark(ctx context.Context, id entity.InternalID, expectedRev, newRev uint64, flags metadata.Flags, audit metadata.DeleteAudit, now time.Time) error {
	if newRev <= expectedRev {
		return entity.NewInvariantViolationError("head CAS would not advance the head")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(err, "beginning hard delete transaction")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, casHeadSQL,
		int64(newRev), now.UTC(),
		flags.SemiProtected, flags.Locked, flags.Archived, flags.MassEditProtected,
		flags.Deleted, redirectParam(flags),
		int64(id), int64(expectedRev))
	if err != nil {
		return mapError(err, "hard delete head CAS")
	}
	if tag.RowsAffected() == 0 {
		return entity.NewCASFailedError("")
	}

	_, err = tx.Exec(ctx, insertAuditSQL,
		int64(audit.InternalID), string(audit.DeleteType), audit.Reason,
		audit.RequestedBy, audit.ApprovedBy, audit.Timestamp.UTC(), audit.RetentionExpiry)
	if err != nil {
		return mapError(err, "hard delete audit insert")
	}
	return mapError(tx.Commit(ctx), "committing hard delete")
}

func (s *Store) ListDeleteAudits(ctx context.Context, id entity.InternalID) ([]metadata.DeleteAudit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT internal_id, delete_type, reason, requested_by, approved_by, deleted_at, retention_expiry
		   FROM entity_delete_audit WHERE internal_id = $1 ORDER BY id ASC`,
		int64(id))
	if err != nil {
		return nil, mapError(err, "listing delete audits")
	}
	defer rows.Close()

	var out []metadata.DeleteAudit
	for rows.Next() {
		var a metadata.DeleteAudit
		var internal int64
		var typ string
		if err := rows.Scan(&internal, &typ, &a.Reason, &a.RequestedBy, &a.ApprovedBy, &a.Timestamp, &a.RetentionExpiry); err != nil {
			return nil, mapError(err, "scanning delete audit")
		}
		a.InternalID = entity.InternalID(internal)
		a.DeleteType = metadata.DeleteType(typ)
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, mapError(rows.Err(), "listing delete audits")
}

// ============================================
// SCANS
// ============================================

func (s *Store) listHeads(ctx context.Context, query string, args ...any) ([]metadata.HeadRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "scanning heads")
	}
	defer rows.Close()

	var out []metadata.HeadRow
	for rows.Next() {
		h, err := scanHead(rows)
		if err != nil {
			return nil, mapError(err, "scanning head row")
		}
		out = append(out, *h)
	}
	return out, mapError(rows.Err(), "scanning heads")
}

func (s *Store) ListChangedSince(ctx context.Context, since time.Time, limit int) ([]metadata.HeadRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.listHeads(ctx,
		`SELECT `+headColumns+` FROM entity_head
		  WHERE updated_at > $1
		  ORDER BY updated_at ASC, internal_id ASC LIMIT $2`,
		since.UTC(), limit)
}

func (s *Store) ListChangedBetween(ctx context.Context, start, end time.Time, limit int) ([]metadata.HeadRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.listHeads(ctx,
		`SELECT `+headColumns+` FROM entity_head
		  WHERE updated_at > $1 AND updated_at <= $2
		  ORDER BY updated_at ASC, internal_id ASC LIMIT $3`,
		start.UTC(), end.UTC(), limit)
}

func (s *Store) ListHeadLagging(ctx context.Context, limit int) ([]metadata.RevisionRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT r.internal_id, r.revision_id, r.created_at, r.created_by,
		        r.size_bytes, r.is_mass_edit, r.edit_type, r.validation_status,
		        r.schema_version, r.content_hash
		   FROM entity_revisions r
		   JOIN entity_head h ON h.internal_id = r.internal_id
		  WHERE r.revision_id > h.head_revision_id
		  ORDER BY r.internal_id ASC, r.revision_id ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, mapError(err, "listing lagging heads")
	}
	defer rows.Close()

	var out []metadata.RevisionRow
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, mapError(err, "scanning lagging revision")
		}
		out = append(out, *r)
	}
	return out, mapError(rows.Err(), "listing lagging heads")
}

func (s *Store) ListByFlag(ctx context.Context, flag metadata.StatusFlag, limit int) ([]metadata.HeadPointer, error) {
	column, ok := flagColumns[flag]
	if !ok {
		return nil, entity.NewInvalidArgumentError(fmt.Sprintf("unknown status flag %q", flag))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT m.external_id, h.head_revision_id
		   FROM entity_head h
		   JOIN entity_id_mapping m ON m.internal_id = h.internal_id
		  WHERE h.`+column+` ORDER BY h.internal_id ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, mapError(err, "listing by flag")
	}
	defer rows.Close()

	var out []metadata.HeadPointer
	for rows.Next() {
		var p metadata.HeadPointer
		var external string
		var rev int64
		if err := rows.Scan(&external, &rev); err != nil {
			return nil, mapError(err, "scanning flag listing")
		}
		p.ExternalID = entity.ExternalID(external)
		p.HeadRevisionID = uint64(rev)
		out = append(out, p)
	}
	return out, mapError(rows.Err(), "listing by flag")
}

// flagColumns whitelists the columns ListByFlag may touch; the flag value
// never reaches the SQL text unvalidated.
var flagColumns = map[metadata.StatusFlag]string{
	metadata.FlagSemiProtected:     "is_semi_protected",
	metadata.FlagLocked:            "is_locked",
	metadata.FlagArchived:          "is_archived",
	metadata.FlagMassEditProtected: "is_mass_edit_protected",
}

// ============================================
// LIFECYCLE
// ============================================

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
