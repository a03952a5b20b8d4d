package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/inbox-intel/internal/events"
)

// SetupRoutes configures the router. The realtime mounts live outside
// /api so proxies can apply different buffering rules to them.
func SetupRoutes(h *Handlers, hub *events.Hub) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync-now", h.SyncNow)

		r.Get("/emails", h.ListEmails)
		r.Get("/emails-with-summaries", h.ListEmailsWithSummaries)
		r.Post("/emails/{provider_message_id}/summarize", h.EnqueueSummary)
		r.Get("/emails/{provider_message_id}/summary", h.GetSummary)

		r.Get("/accounts", h.ListAccounts)
		r.Delete("/accounts/{account_id}", h.DisconnectAccount)

		r.Get("/jobs/stats", h.JobStats)
	})

	if hub != nil {
		r.Get("/ws/events", hub.HandleWebSocket)
		r.Get("/events", hub.HandleSSE)
	}

	return r
}
