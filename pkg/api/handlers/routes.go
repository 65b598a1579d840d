package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Bundle groups the handlers and registers their routes.
type Bundle struct {
	Entities *EntityHandler
	Admin    *AdminHandler
	Health   *HealthHandler
}

// Register mounts all routes on the router.
func (b *Bundle) Register(r chi.Router) {
	r.Route("/health", func(r chi.Router) {
		r.Get("/", b.Health.Liveness)
		r.Get("/ready", b.Health.Readiness)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/entities/{id}", func(r chi.Router) {
			r.Get("/", b.Entities.Get)
			r.Put("/", b.Entities.Put)
			r.Delete("/", b.Entities.Delete)
			r.Get("/history", b.Entities.GetHistory)
			r.Get("/revisions/{rev}", b.Entities.GetRevision)
			r.Get("/revisions/{rev}/raw", b.Entities.GetRaw)
			r.Post("/redirect", b.Entities.Redirect)
			r.Post("/redirect/revert", b.Entities.RevertRedirect)
			r.Post("/undelete", b.Entities.Undelete)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/flagged/{flag}", b.Admin.ListFlagged)
			r.Get("/entities/{id}/audits", b.Admin.ListAudits)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})
}
