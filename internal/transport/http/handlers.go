// @title Labmanager API
// @version 1.0.0
// @description Ephemeral lab environment lifecycle service

// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cyberlearn/labmanager/internal/catalog"
	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/observability/logger"
)

// EnvironmentService is the lifecycle surface the handlers drive.
type EnvironmentService interface {
	Catalog() *catalog.Catalog
	Provision(ctx context.Context, req environment.ProvisionRequest) (*environment.Environment, error)
	Terminate(ctx context.Context, owner, id string) error
	ListActive(ctx context.Context, owner string) ([]*environment.Environment, error)
	Get(ctx context.Context, owner, id string) (*environment.Environment, error)
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	service         EnvironmentService
	verifier        TokenVerifier
	defaultDuration time.Duration
}

// NewHandler creates a new HTTP handler. Requests without duration_minutes
// get defaultDuration.
func NewHandler(service EnvironmentService, verifier TokenVerifier, defaultDuration time.Duration) *Handler {
	if defaultDuration <= 0 {
		defaultDuration = 60 * time.Minute
	}
	return &Handler{
		service:         service,
		verifier:        verifier,
		defaultDuration: defaultDuration,
	}
}

// RouterConfig holds optional router collaborators. Nil members are skipped.
type RouterConfig struct {
	RateLimiter    RateLimiter
	Metrics        *Metrics
	RequestTimeout time.Duration

	// TrustProxy rewrites RemoteAddr from proxy headers before logging and
	// rate limiting see the request.
	TrustProxy bool
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 150 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.Metrics))
		}
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Get("/health", h.HealthCheck)

		r.Route("/environments", func(r chi.Router) {
			r.Use(AuthMiddleware(h.verifier))

			r.Get("/", h.ListEnvironmentTypes)
			r.Post("/", h.ProvisionEnvironment)
			r.Get("/active", h.ListActiveEnvironments)
			r.Get("/{id}", h.GetEnvironment)
			r.Delete("/{id}", h.TerminateEnvironment)
		})
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Checks if the service is up and running
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "labmanager",
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondServiceError maps lifecycle errors to status codes. Server-side
// failures are logged and answered with fallback instead of the cause.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, environment.ErrUnknownEnvironmentType),
		errors.Is(err, environment.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, environment.ErrNotFound):
		respondError(w, http.StatusNotFound, "environment not found")
	default:
		slog.ErrorContext(r.Context(), fallback,
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.UserID(GetOwner(r.Context())),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}
