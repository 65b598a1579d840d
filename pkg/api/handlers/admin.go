package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entitygraph/entitygraph/pkg/api"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metadata"
)

// AdminHandler serves the administrative listing endpoints.
type AdminHandler struct {
	meta metadata.Store
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(meta metadata.Store) *AdminHandler {
	return &AdminHandler{meta: meta}
}

const defaultListLimit = 100

// flaggedEntry is one row of GET /admin/flagged/{flag}.
type flaggedEntry struct {
	ExternalID entity.ExternalID `json:"external_id"`
	RevisionID uint64            `json:"revision_id"`
}

// ListFlagged lists entities carrying a protection flag.
func (h *AdminHandler) ListFlagged(w http.ResponseWriter, r *http.Request) {
	flag := metadata.StatusFlag(chi.URLParam(r, "flag"))
	limit := queryLimit(r, defaultListLimit)

	pointers, err := h.meta.ListByFlag(r.Context(), flag, limit)
	if err != nil {
		api.Error(w, err)
		return
	}

	entries := make([]flaggedEntry, 0, len(pointers))
	for _, p := range pointers {
		entries = append(entries, flaggedEntry{ExternalID: p.ExternalID, RevisionID: p.HeadRevisionID})
	}
	api.OK(w, entries)
}

// auditEntry is one row of GET /admin/entities/{id}/audits.
type auditEntry struct {
	DeleteType  string    `json:"delete_type"`
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	ApprovedBy  *string   `json:"approved_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListAudits returns the deletion audit trail of an entity.
func (h *AdminHandler) ListAudits(w http.ResponseWriter, r *http.Request) {
	id := entity.ExternalID(chi.URLParam(r, "id"))
	if _, _, err := entity.ParseExternalID(string(id)); err != nil {
		api.Error(w, err)
		return
	}

	internal, err := h.meta.ResolveExternal(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}

	audits, err := h.meta.ListDeleteAudits(r.Context(), internal)
	if err != nil {
		api.Error(w, err)
		return
	}

	entries := make([]auditEntry, 0, len(audits))
	for _, a := range audits {
		entries = append(entries, auditEntry{
			DeleteType:  string(a.DeleteType),
			Reason:      a.Reason,
			RequestedBy: a.RequestedBy,
			ApprovedBy:  a.ApprovedBy,
			Timestamp:   a.Timestamp,
		})
	}
	api.OK(w, entries)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	return limit
}
