package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/openapi"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Processor    SignalProcessor
	History      HistoryReader
	Idempotency  IdempotencyStore
	API          *openapi.Document
	Readiness    observability.ReadinessChecks
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var idemTTL time.Duration
	if deps.Config != nil {
		idemTTL = deps.Config.Idempotency.TTL
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	metricsPath := "/metrics"
	if deps.Config != nil && deps.Config.Observability.Metrics.Path != "" {
		metricsPath = deps.Config.Observability.Metrics.Path
	}
	r.Handle(metricsPath, observability.Handler())
	r.Get("/openapi.yaml", openapi.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	var claimPaths map[string]string
	var handlerTimeout time.Duration
	if deps.Config != nil {
		claimPaths = deps.Config.Identity.ClaimPaths
		handlerTimeout = deps.Config.Server.HandlerTimeout
	}

	h := &signalHandlers{
		processor: deps.Processor,
		history:   deps.History,
		idem:      deps.Idempotency,
		api:       deps.API,
		idemTTL:   idemTTL,
		logger:    logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(claimPaths))
		r.Use(HandlerTimeout(handlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1/workflows/{entityType}/{entityId}", func(r chi.Router) {
			r.Post("/approve", h.approve)
			r.Post("/reject", h.reject)
			r.Get("/history", h.listHistory)
		})
	})

	return r
}
