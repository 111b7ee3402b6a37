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
  5. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /health               Liveness + store ping
  /api/balances/*       Balance reads and audit
  /api/ledger/*         Ledger writes
  /api/holds/*          Hold lifecycle
  /api/slots/*          Calendar slots
  /api/subjects/*       Per-person calendar reads
  /api/bookings/*       Booking saga
  /api/admin/*          Admin operations

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
// allowedOrigins allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
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
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/balances/{subject}/{service}", func(r chi.Router) {
			r.Get("/", h.GetBalance)
			r.Get("/entries", h.GetEntries)
			r.Post("/verify", h.VerifyBalance)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Post("/grants", h.Grant)
			r.Post("/consumptions", h.Consume)
			r.Post("/refunds", h.Refund)
			r.Post("/adjustments", h.Adjust)
			r.Post("/expirations", h.Expire)
		})

		r.Route("/holds", func(r chi.Router) {
			r.Post("/", h.CreateHold)
			r.Get("/{id}", h.GetHold)
			r.Post("/{id}/release", h.ReleaseHold)
			r.Post("/{id}/cancel", h.CancelHold)
		})

		r.Route("/slots", func(r chi.Router) {
			r.Post("/", h.BookSlot)
			r.Post("/{id}/release", h.ReleaseSlot)
			r.Post("/{id}/complete", h.CompleteSlot)
		})
		r.Get("/subjects/{id}/slots", h.ListSlots)

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/complete", h.CompleteBooking)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reaper/run", h.RunReaper)
		})
	})

	return r
}
