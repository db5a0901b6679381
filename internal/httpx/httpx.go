// Package httpx contains the HTTP delivery layer for the oncelink service.
// It maps the JSON message API onto the application service while enforcing
// size limits, security headers and error translation.
// Handlers are split across files (create.go, consume.go, viewed.go, health.go, errors.go).
package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haukened/oncelink/internal/domain"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	Create(ctx context.Context, content string) (domain.SecretID, error)
	CreateWithID(ctx context.Context, requestedID, content string) (domain.SecretID, error)
	Consume(ctx context.Context, idStr string) (domain.Secret, error)
	Exists(ctx context.Context, idStr string) (bool, error)
	MarkViewed(ctx context.Context, idStr string) error
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service   ServicePort
	MaxBody   int64                       // mirror service.MaxBytes (defense-in-depth)
	Readiness func(context.Context) error // optional readiness probe
	Metrics   http.Handler                // optional Prometheus exposition at /metrics
	Snapshot  http.Handler                // optional JSON snapshot at /metrics/snapshot
}

// New returns a configured Handler.
// svc: application service port implementation.
// maxBody: maximum allowed content size (0 disables extra check).
// readiness: optional probe function for /readyz (nil => always ready).
func New(svc ServicePort, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, MaxBody: maxBody, Readiness: readiness}
}

// Router constructs and returns an http.Handler with all routes mounted and
// the middleware stack applied.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(CorrelationIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found", CodeNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed", CodeMethodNotAllowed)
	})

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Route("/api/messages", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleConsume)
		r.Head("/{id}", h.handleExists)
		r.Put("/{id}/viewed", h.handleViewed)
	})
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	if h.Snapshot != nil {
		r.Method(http.MethodGet, "/metrics/snapshot", h.Snapshot)
	}
	return r
}
