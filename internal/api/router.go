/**
 * @description
 * HTTP router setup for the pledge-service using go-chi/chi. Scheduler trigger
 * endpoints sit under /internal/pledges behind the shared secret; pledge
 * lifecycle endpoints require an access token.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials the router middleware needs.
type RouterConfig struct {
	JobSecret      string
	CronSecret     string
	JWTSecret      string
	JWTAudience    string
	UserRateLimits *UserRateLimiter
}

// NewRouter creates a new Chi router and registers pledge routes.
func NewRouter(h *PledgeHandlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", CronSecretHeader},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Trigger runs wait on chain receipts pledge by pledge and carry no
	// router-level deadline.
	r.Route("/internal/pledges", func(r chi.Router) {
		r.Use(TriggerAuthMiddleware(cfg.JobSecret, cfg.CronSecret))

		r.Post("/expire-overdue", h.ExpireOverdueHandler)
		r.Get("/expire-overdue", h.ExpireOverdueHandler)
		r.Post("/reconcile", h.ReconcileHandler)
		r.Get("/reconcile", h.ReconcileHandler)
		r.Post("/settle-overdue", h.SettleOverdueHandler)
		r.Get("/settle-overdue", h.SettleOverdueHandler)
		r.Post("/settle-legacy", h.SettleLegacyHandler)
		r.Get("/settle-legacy", h.SettleLegacyHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(SupabaseAuthMiddleware(cfg.JWTSecret, cfg.JWTAudience))
		r.Use(cfg.UserRateLimits.Middleware)

		r.Post("/pledges", h.CreatePledgeHandler)
		r.Post("/pledges/{id}/accept", h.AcceptPledgeHandler)
		r.Post("/pledges/{id}/cancel", h.CancelPledgeHandler)
		r.Post("/pledges/{id}/approve", h.ApprovePledgeHandler)
	})

	return r
}
