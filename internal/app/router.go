package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(api chi.Router) {
		// Submission and control operations share a per-IP budget. Agent
		// heartbeats stay outside it: a fleet reports every few seconds and
		// must never be throttled into appearing lost.
		api.Group(func(mut chi.Router) {
			mut.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			mut.Post("/jobs", srv.SubmitJobHandler())
			mut.Put("/jobs/{id}/status", srv.UpdateJobStatusHandler())
			mut.Delete("/jobs/{id}", srv.CancelJobHandler())
			mut.Post("/agents/register", srv.RegisterAgentHandler())
		})
		api.Post("/agents/{id}/heartbeat", srv.HeartbeatHandler())

		api.Get("/jobs", srv.ListJobsHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
		api.Get("/jobs/{id}/metrics", srv.JobMetricsHandler())
		api.Get("/agents", srv.ListAgentsHandler())
		api.Get("/agents/{id}", srv.GetAgentHandler())
		api.Get("/health", srv.HealthHandler())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
