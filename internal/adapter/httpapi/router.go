// Package httpapi exposes the pipeline to web callers over JSON/HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github-star-miner/internal/domain"
	"github-star-miner/internal/metrics"
)

// Service is the caller-facing surface of the pipeline.
type Service interface {
	TriggerSync(ctx context.Context, userID uint) (domain.JobState, error)
	TriggerGenerate(ctx context.Context, userID uint) (domain.JobState, error)
	JobStatus(userID uint, kind domain.JobKind) (domain.JobState, error)
	Profile(ctx context.Context, userID uint) (*domain.TasteProfile, error)
	Recommendations(ctx context.Context, userID uint, page, perPage int) (domain.Page[domain.Recommendation], error)
	Starred(ctx context.Context, userID uint, page, perPage int) (domain.Page[domain.RepositoryRef], error)
	SetFeedback(ctx context.Context, recommendationID uint, feedback domain.Feedback) error
	RateLimit(ctx context.Context, userID uint) (domain.RateLimitStatus, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the API routes.
type Handler struct {
	svc    Service
	health Pinger
	logger *zap.Logger
}

// NewRouter builds the chi router. health may be nil.
func NewRouter(svc Service, health Pinger, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, health: health, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(h.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/sync", h.TriggerSync)
			r.Post("/generate", h.TriggerGenerate)
			r.Get("/jobs/{kind}", h.JobStatus)
			r.Get("/profile", h.Profile)
			r.Get("/recommendations", h.Recommendations)
			r.Get("/starred", h.Starred)
			r.Get("/rate-limit", h.RateLimit)
		})
		r.Put("/recommendations/{recommendationID}/feedback", h.SetFeedback)
	})

	return r
}

// logRequests writes one log line and one metric sample per request.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		took := time.Since(start)
		metrics.RecordHTTPRequest(route, r.Method, status, took)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", took),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			h.logger.Warn("request failed", fields...)
			return
		}
		h.logger.Debug("request served", fields...)
	})
}
