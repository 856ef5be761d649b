package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lukeus/my-context-kit-sub013/internal/api/handlers"
	"github.com/Lukeus/my-context-kit-sub013/internal/api/middleware"
	"github.com/Lukeus/my-context-kit-sub013/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Location"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewSharedSecretAuth(cfg.Auth.SharedSecret).Middleware)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Get("/invocations", h.ListSessionInvocations)
				r.Get("/telemetry", h.DrainSessionTelemetry)
			})
		})

		r.Route("/invocations", func(r chi.Router) {
			r.Post("/", h.SubmitInvocation)
			r.Route("/{invocationId}", func(r chi.Router) {
				r.Get("/", h.GetInvocation)
				r.Post("/cancel", h.CancelInvocation)
			})
		})

		r.Post("/approvals/{approvalId}", h.ResolveApproval)
		r.Get("/admission", h.GetAdmission)

		r.Get("/health/snapshot", h.GetHealthSnapshot)

		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", h.GetCapabilities)
			r.Get("/fallback", h.GetFallbackCapabilities)
			r.Post("/refresh", h.RefreshCapabilities)
		})

		r.Route("/telemetry", func(r chi.Router) {
			r.Get("/", h.DrainSystemTelemetry)
			r.Get("/stream", h.StreamTelemetry)
		})
	})

	return r
}
