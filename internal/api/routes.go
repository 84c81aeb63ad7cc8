package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EcrTech/insync-automation/internal/pkg/logger"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, health *HealthChecker, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", OrgHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", health.HandleHealth)
	r.Get("/health/live", health.HandleLiveness)
	r.Get("/health/ready", health.HandleReadiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/automation", func(r chi.Router) {
		// The dispatcher boundary serves every org.
		r.Post("/dispatch/claim", h.ClaimDue)
		r.Post("/executions/{id}/outcome", h.ReportOutcome)

		r.Group(func(r chi.Router) {
			r.Use(RequireOrg)

			r.Post("/events", h.HandleEvent)

			r.Get("/executions", h.ListExecutions)
			r.Get("/executions/{id}", h.GetExecution)

			r.Get("/rules/{id}/diagnostics", h.RuleDiagnostics)
			r.Post("/rules/{id}/deactivate", h.DeactivateRule)
			r.Post("/rules/{id}/cancel-pending", h.CancelPending)

			r.Get("/suppressions", h.ListSuppressions)
			r.Post("/suppressions", h.AddSuppression)
			r.Get("/suppressions/stats", h.SuppressionStats)
			r.Delete("/suppressions/{email}", h.RemoveSuppression)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		logger.Info("[API] request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
