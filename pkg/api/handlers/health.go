package handlers

import (
	"net/http"
	"time"

	"github.com/entitygraph/entitygraph/pkg/api"
	"github.com/entitygraph/entitygraph/pkg/metadata"
	"github.com/entitygraph/entitygraph/pkg/snapshot"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	meta  metadata.Store
	snaps snapshot.Store
}

// NewHealthHandler creates the health handler. Both stores may be nil, in
// which case readiness degrades to liveness.
func NewHealthHandler(meta metadata.Store, snaps snapshot.Store) *HealthHandler {
	return &HealthHandler{meta: meta, snaps: snaps}
}

// Liveness reports that the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, api.Response{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

// Readiness reports whether the backing stores are reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if h.meta != nil {
		if err := h.meta.Ping(r.Context()); err != nil {
			checks["metadata"] = err.Error()
			healthy = false
		} else {
			checks["metadata"] = "ok"
		}
	}
	if h.snaps != nil {
		if err := h.snaps.Ping(r.Context()); err != nil {
			checks["snapshots"] = err.Error()
			healthy = false
		} else {
			checks["snapshots"] = "ok"
		}
	}

	status := http.StatusOK
	label := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	api.JSON(w, status, api.Response{
		Status:    label,
		Timestamp: time.Now().UTC(),
		Data:      checks,
	})
}
