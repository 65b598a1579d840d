// Package handlers contains the HTTP handlers for the entitygraph REST API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entitygraph/entitygraph/pkg/api"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/reader"
	"github.com/entitygraph/entitygraph/pkg/writer"
)

// EntityHandler serves the entity read and write endpoints.
type EntityHandler struct {
	reader *reader.Reader
	pipe   *writer.Pipeline
}

// NewEntityHandler creates the entity handler.
func NewEntityHandler(rd *reader.Reader, pipe *writer.Pipeline) *EntityHandler {
	return &EntityHandler{reader: rd, pipe: pipe}
}

// latestResponse is the GET /entities/{id} payload. Exactly one of Entity
// and RedirectsTo is set.
type latestResponse struct {
	ExternalID  entity.ExternalID  `json:"external_id"`
	RevisionID  uint64             `json:"revision_id"`
	RedirectsTo *entity.ExternalID `json:"redirects_to,omitempty"`
	Entity      *entity.Envelope   `json:"entity,omitempty"`
}

// Get returns the latest revision, or the redirect target for redirects.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))

	latest, err := h.reader.GetLatest(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, latestResponse{
		ExternalID:  latest.ExternalID,
		RevisionID:  latest.RevisionID,
		RedirectsTo: latest.RedirectsTo,
		Entity:      latest.Envelope,
	})
}

// GetRevision returns one historical revision envelope.
func (h *EntityHandler) GetRevision(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))
	rev, err := parseRevision(chi.URLParam(r, "rev"))
	if err != nil {
		api.Error(w, err)
		return
	}

	env, err := h.reader.GetRevision(r.Context(), id, rev)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, env)
}

// GetRaw returns the bare entity document of one revision, without the
// envelope or the response wrapper.
func (h *EntityHandler) GetRaw(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))
	rev, err := parseRevision(chi.URLParam(r, "rev"))
	if err != nil {
		api.Error(w, err)
		return
	}

	raw, err := h.reader.GetRaw(r.Context(), id, rev)
	if err != nil {
		api.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// historyEntry is one row of GET /entities/{id}/history.
type historyEntry struct {
	RevisionID       uint64    `json:"revision_id"`
	CreatedAt        time.Time `json:"created_at"`
	CreatedBy        string    `json:"created_by"`
	SizeBytes        int64     `json:"size_bytes"`
	IsMassEdit       bool      `json:"is_mass_edit"`
	EditType         string    `json:"edit_type"`
	ValidationStatus string    `json:"validation_status"`
	SchemaVersion    string    `json:"schema_version"`
}

// GetHistory lists all revisions of an entity, oldest first.
func (h *EntityHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))

	rows, err := h.reader.GetHistory(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}

	entries := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, historyEntry{
			RevisionID:       row.RevisionID,
			CreatedAt:        row.CreatedAt,
			CreatedBy:        row.CreatedBy,
			SizeBytes:        row.SizeBytes,
			IsMassEdit:       row.IsMassEdit,
			EditType:         row.EditType,
			ValidationStatus: string(row.ValidationStatus),
			SchemaVersion:    row.SchemaVersion,
		})
	}
	api.OK(w, entries)
}

// writeRequest is the PUT /entities/{id} body.
type writeRequest struct {
	Entity          json.RawMessage `json:"entity"`
	Actor           string          `json:"actor"`
	IsMassEdit      bool            `json:"is_mass_edit"`
	IsAutoconfirmed bool            `json:"is_autoconfirmed"`
	Flags           *flagChange     `json:"flags,omitempty"`
}

type flagChange struct {
	SemiProtected     *bool `json:"semi_protected,omitempty"`
	Locked            *bool `json:"locked,omitempty"`
	Archived          *bool `json:"archived,omitempty"`
	MassEditProtected *bool `json:"mass_edit_protected,omitempty"`
}

func (fc *flagChange) toWriter() *writer.FlagChange {
	if fc == nil {
		return nil
	}
	return &writer.FlagChange{
		SemiProtected:     fc.SemiProtected,
		Locked:            fc.Locked,
		Archived:          fc.Archived,
		MassEditProtected: fc.MassEditProtected,
	}
}

// writeResponse is returned by every mutating endpoint.
type writeResponse struct {
	ExternalID   entity.ExternalID `json:"external_id"`
	RevisionID   uint64            `json:"revision_id"`
	ContentHash  string            `json:"content_hash"`
	Deduplicated bool              `json:"deduplicated,omitempty"`
}

func toWriteResponse(res *writer.Result) writeResponse {
	return writeResponse{
		ExternalID:   res.ExternalID,
		RevisionID:   res.RevisionID,
		ContentHash:  strconv.FormatUint(res.ContentHash, 16),
		Deduplicated: res.Deduplicated,
	}
}

// Put writes a new revision of the entity.
func (h *EntityHandler) Put(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))

	var req writeRequest
	if err := decodeJSON(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	res, err := h.pipe.Write(r.Context(), writer.Request{
		ExternalID:      id,
		Body:            req.Entity,
		Actor:           req.Actor,
		IsMassEdit:      req.IsMassEdit,
		IsAutoconfirmed: req.IsAutoconfirmed,
		SetFlags:        req.Flags.toWriter(),
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, toWriteResponse(res))
}

// redirectRequest is the POST /entities/{id}/redirect body.
type redirectRequest struct {
	Target          entity.ExternalID `json:"target"`
	Actor           string            `json:"actor"`
	IsAutoconfirmed bool              `json:"is_autoconfirmed"`
}

// Redirect turns the entity into a redirect pointing at target.
func (h *EntityHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))

	var req redirectRequest
	if err := decodeJSON(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	res, err := h.pipe.Redirect(r.Context(), writer.RedirectRequest{
		Source:          id,
		Target:          req.Target,
		Actor:           req.Actor,
		IsAutoconfirmed: req.IsAutoconfirmed,
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, toWriteResponse(res))
}

// revertRedirectRequest is the POST /entities/{id}/redirect/revert body.
type revertRedirectRequest struct {
	RevertToRevision uint64 `json:"revert_to_revision"`
	Actor            string `json:"actor"`
	IsAutoconfirmed  bool   `json:"is_autoconfirmed"`
}

// RevertRedirect restores the entity body from a prior revision and clears
// the redirect.
func (h *EntityHandler) RevertRedirect(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))

	var req revertRedirectRequest
	if err := decodeJSON(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	res, err := h.pipe.RevertRedirect(r.Context(), writer.RevertRedirectRequest{
		Source:           id,
		RevertToRevision: req.RevertToRevision,
		Actor:            req.Actor,
		IsAutoconfirmed:  req.IsAutoconfirmed,
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, toWriteResponse(res))
}

// deleteRequest is the DELETE /entities/{id} body.
type deleteRequest struct {
	Type            string  `json:"type"`
	Reason          string  `json:"reason"`
	Actor           string  `json:"actor"`
	ApprovedBy      *string `json:"approved_by,omitempty"`
	IsAutoconfirmed bool    `json:"is_autoconfirmed"`
}

// Delete soft- or hard-deletes the entity.
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))

	var req deleteRequest
	if err := decodeJSON(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	res, err := h.pipe.Delete(r.Context(), writer.DeleteRequest{
		ID:              id,
		Type:            metadata.DeleteType(req.Type),
		Reason:          req.Reason,
		Actor:           req.Actor,
		ApprovedBy:      req.ApprovedBy,
		IsAutoconfirmed: req.IsAutoconfirmed,
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, toWriteResponse(res))
}

// undeleteRequest is the POST /entities/{id}/undelete body.
type undeleteRequest struct {
	Actor           string `json:"actor"`
	IsAutoconfirmed bool   `json:"is_autoconfirmed"`
}

// Undelete restores a soft-deleted entity.
func (h *EntityHandler) Undelete(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))

	var req undeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	res, err := h.pipe.Undelete(r.Context(), writer.UndeleteRequest{
		ID:              id,
		Actor:           req.Actor,
		IsAutoconfirmed: req.IsAutoconfirmed,
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, toWriteResponse(res))
}

func parseRevision(raw string) (uint64, error) {
	rev, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || rev == 0 {
		return 0, entity.NewInvalidArgumentError("revision must be a positive integer")
	}
	return rev, nil
}
