package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"vouchergate/gateway/auth"
	"vouchergate/gateway/middleware"
	"vouchergate/storage"
)

// AuthRateLimitKey names the limit applied to POST /api/auth.
const AuthRateLimitKey = "auth"

// Validator decides router authentication requests.
type Validator interface {
	Validate(ctx context.Context, req auth.AuthRequest) (*auth.Grant, error)
}

// EventRecorder persists auth decisions for audit.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event storage.AuthEvent) error
}

// HealthChecker reports backend reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Validator     Validator
	Events        EventRecorder
	Health        HealthChecker
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
	// TrustProxy rewrites RemoteAddr from X-Real-IP / X-Forwarded-For.
	TrustProxy   bool
	MaxBodyBytes int64
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("validator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)

	obs := cfg.Observability

	r.Get("/healthz", healthHandler(cfg.Health))

	handler := &authHandler{
		validator: cfg.Validator,
		events:    cfg.Events,
		logger:    logger.With("component", "auth"),
		maxBody:   maxBody,
	}
	r.Route("/api", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(AuthRateLimitKey))
		}
		if obs != nil {
			sr.Use(obs.Middleware("auth"))
		}
		sr.Post("/auth", handler.ServeHTTP)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}
	return r, nil
}

func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
