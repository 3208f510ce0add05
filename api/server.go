/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/marketing/cards/*         Card management
  /api/marketing/ad-accounts/*   Ad account management
  /api/marketing/transactions/*  Journal, apply, reverse
  /api/marketing/overview        Aggregate balances

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api/marketing", func(r chi.Router) {
		r.Get("/overview", h.GetOverview)

		r.Route("/cards", func(r chi.Router) {
			r.Get("/", h.ListCards)
			r.Post("/", h.CreateCard)
			r.Get("/{id}", h.GetCard)
			r.Put("/{id}", h.UpdateCard)
			r.Delete("/{id}", h.DeleteCard)
		})

		r.Route("/ad-accounts", func(r chi.Router) {
			r.Get("/", h.ListAdAccounts)
			r.Post("/", h.CreateAdAccount)
			r.Put("/{id}", h.UpdateAdAccount)
			r.Delete("/{id}", h.DeleteAdAccount)
			r.Put("/{id}/cards", h.SetAdAccountCards)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/revenue", h.CreateRevenue)
			r.Post("/expense", h.CreateExpense)
			r.Patch("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.ReverseTransaction)
		})
	})

	return r
}
