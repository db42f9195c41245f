/*
server.go - HTTP router for the margin service

PURPOSE:
  Wires URLs to handlers. Chi router with the standard middleware stack
  (request logging, panic recovery, request IDs) plus CORS for the dashboard
  frontend, and an optional Prometheus /metrics endpoint.

ROUTE GROUPS:
  /api/products/*   Catalog, sales seeding, COGS assignment, status, margin
  /api/cogs/batch   Batch assignment
  /api/recalculating  Fleet busy-indicator snapshot (optional)
  /metrics          Prometheus (optional)

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional route attachments.
type RouterOptions struct {
	// Metrics, when non-nil, is served at /metrics.
	Metrics http.Handler

	// BusyProducts, when non-nil, backs GET /api/recalculating.
	BusyProducts func() []string
}

// NewRouter creates the service router.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Post("/{id}/sales", h.SeedSales)
			r.Post("/{id}/cogs", h.AssignCOGS)
			r.Get("/{id}/recalc-status", h.RecalcStatus)
			r.Get("/{id}/margin", h.Margin)
		})
		r.Post("/cogs/batch", h.AssignCOGSBatch)

		if opts.BusyProducts != nil {
			r.Get("/recalculating", h.BusyProducts(opts.BusyProducts))
		}
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	return r
}
