/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request log with status and latency
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the ERP frontend

ROUTE GROUPS:
  /api/companies/{companyID}/leases/*           Lease, design, schedule, posting
  /api/companies/{companyID}/events/*           Remeasurement apply/post/artifact
  /api/companies/{companyID}/impairment-tests/* Impairment assess/post/reverse
  /healthz                                      Liveness and database ping
  /metrics                                      Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The company id in the path scopes every
  query but is not an authorization check.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/lease-engine/metrics"
)

// Pinger is satisfied by the SQLite store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	// Metrics mounts /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api/companies/{companyID}", func(r chi.Router) {
		// Lease routes
		r.Route("/leases", func(r chi.Router) {
			r.Post("/", h.CreateLease)
			r.Get("/{leaseID}", h.GetLease)
			r.Post("/{leaseID}/components", h.DesignComponents)
			r.Post("/{leaseID}/schedule", h.BuildSchedule)
			r.Get("/{leaseID}/schedule", h.GetSchedule)
			r.Get("/{leaseID}/liability", h.GetLiabilitySchedule)
			r.Get("/{leaseID}/reconciliation", h.GetReconciliation)
			r.Post("/{leaseID}/events", h.RecordEvent)
			r.Post("/{leaseID}/periods/{year}/{month}/post", h.PostPeriod)
		})

		// Remeasurement routes
		r.Route("/events", func(r chi.Router) {
			r.Post("/{eventID}/apply", h.ApplyEvent)
			r.Post("/{eventID}/post", h.PostEvent)
			r.Get("/{eventID}/artifact", h.GetArtifact)
		})

		// Impairment routes
		r.Route("/impairment-tests", func(r chi.Router) {
			r.Post("/", h.AssessImpairment)
			r.Get("/{testID}", h.GetImpairmentTest)
			r.Post("/{testID}/post", h.PostImpairment)
			r.Post("/{testID}/reverse", h.ReverseImpairment)
		})
	})

	return r
}

// MetricsHandler is the default /metrics handler.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// requestLogger logs one line per request and records request metrics.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unknown"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.ObserveHTTPRequest(r.Method, route, status, start)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.Int("bytes_out", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case status >= 500:
				log.Error("request", fields...)
			case status >= 400:
				log.Warn("request", fields...)
			default:
				log.Info("request", fields...)
			}
		})
	}
}
