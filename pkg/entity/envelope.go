package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EditType labels the kind of write that produced a revision.
const (
	EditCreate         = "create"
	EditUpdate         = "update"
	EditMassEdit       = "mass-edit"
	EditRedirect       = "redirect"
	EditRedirectRevert = "redirect-revert"
	EditSoftDelete     = "soft-delete"
	EditHardDelete     = "hard-delete"
	EditUndelete       = "undelete"
)

// ValidationStatus tracks asynchronous schema validation of a revision.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// PublicationState tags a snapshot object as authoritative or in-flight.
type PublicationState string

const (
	StatePending   PublicationState = "pending"
	StatePublished PublicationState = "published"
)

// Envelope is the immutable JSON snapshot stored in the object store for
// every revision. The entity body is transported opaquely; only the write
// path inspects it (hashing, redirect detection, value-kind validation).
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	RevisionID    uint64          `json:"revision_id"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by"`
	EntityType    EntityType      `json:"entity_type"`
	EditType      string          `json:"edit_type"`
	ContentHash   uint64          `json:"content_hash"`
	RedirectsTo   *ExternalID     `json:"redirects_to,omitempty"`
	IsDeleted     bool            `json:"is_deleted,omitempty"`
	DeletionReason string         `json:"deletion_reason,omitempty"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy     string          `json:"deleted_by,omitempty"`
	Entity        json.RawMessage `json:"entity"`
}

// IsRedirect reports whether the envelope is a redirect tombstone.
func (e *Envelope) IsRedirect() bool {
	return e.RedirectsTo != nil && *e.RedirectsTo != ""
}

// IsDeletion reports whether the envelope records a (soft or hard) delete.
func (e *Envelope) IsDeletion() bool {
	return e.IsDeleted
}

// Encode serializes the envelope. Timestamps are emitted in UTC so the same
// envelope encodes identically on every node.
func (e *Envelope) Encode() ([]byte, error) {
	c := *e
	c.CreatedAt = c.CreatedAt.UTC()
	if c.DeletedAt != nil {
		t := c.DeletedAt.UTC()
		c.DeletedAt = &t
	}
	return json.Marshal(&c)
}

// DecodeEnvelope parses and version-gates a snapshot object.
func DecodeEnvelope(data []byte, supported SchemaVersions) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, NewInvalidArgumentError(fmt.Sprintf("malformed snapshot envelope: %v", err))
	}
	if !supported.Accepts(e.SchemaVersion) {
		return nil, NewInvalidArgumentError(fmt.Sprintf("unsupported snapshot schema version %q", e.SchemaVersion))
	}
	return &e, nil
}

// SchemaVersions is the reader-side version gate. Readers accept the
// current and the previous major; writers always emit Current.
type SchemaVersions struct {
	Current string
}

// Accepts reports whether a reader built for Current may consume v.
// MAJOR must equal the current major or the one before it.
func (s SchemaVersions) Accepts(v string) bool {
	curMajor, err := majorOf(s.Current)
	if err != nil {
		return false
	}
	major, err := majorOf(v)
	if err != nil {
		return false
	}
	return major == curMajor || major+1 == curMajor
}

func majorOf(v string) (int, error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", v)
	}
	return strconv.Atoi(parts[0])
}
