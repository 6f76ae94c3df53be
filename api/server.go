/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the staff UI

ROUTE GROUPS:
  /api/titles/*         Catalog
  /api/loans/*          Issue, return, finalize
  /api/members/*        Member loans, fines, payments
  /api/fines/*          Desk settlement
  /api/admin/*          Scans and catalog seeds
  /api/notifications    Notification log
  /health               Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins list allows any origin.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Catalog routes
		r.Route("/titles", func(r chi.Router) {
			r.Get("/", h.ListTitles)
			r.Post("/", h.CreateTitle)
			r.Get("/{id}", h.GetTitle)
		})

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.IssueLoan)
			r.Get("/{id}", h.GetLoan)
			r.Post("/{id}/return", h.ReturnLoan)
			r.Post("/{id}/finalize", h.FinalizeLoan)
		})

		// Member routes
		r.Route("/members/{id}", func(r chi.Router) {
			r.Get("/loans", h.GetMemberLoans)
			r.Get("/fines", h.GetMemberFines)
			r.Get("/payments", h.GetMemberPayments)
			r.Post("/payments", h.ApplyPayment)
		})

		// Fine routes
		r.Post("/fines/{id}/settle", h.SettleFine)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/scans/run", h.RunScans)
			r.Get("/scans", h.ListScanRuns)
			r.Get("/seeds", h.ListSeeds)
			r.Post("/seeds/load", h.LoadSeed)
		})

		r.Get("/notifications", h.ListNotifications)
	})

	return r
}
