package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Raymond9734/messaging-pipeline/internal/metrics"
)

// Routes groups the handlers served by the API
type Routes struct {
	Webhooks  *WebhookHandler
	Campaigns *CampaignHandler
	Health    *HealthHandler
}

// NewRouter registers every API route on a chi router
func NewRouter(routes Routes, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(CORSMiddleware)

	r.Get("/health", routes.Health.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/status", routes.Webhooks.Status)
		r.Post("/inbound", routes.Webhooks.Inbound)
	})

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/recipients", routes.Campaigns.AttachRecipients)
		r.Get("/counters", routes.Campaigns.DailyCounter)
	})

	return r
}
