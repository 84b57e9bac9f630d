package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	publishDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Metrics holds all Prometheus metric instruments for the approval engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowInitiationsTotal *prometheus.CounterVec
	WorkflowApprovalsTotal   *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowSignalsDropped   *prometheus.CounterVec
	WorkflowStepFallbacks    *prometheus.CounterVec
	WorkflowLockedSaves      *prometheus.CounterVec

	// Event metrics
	EventsPublishedTotal   *prometheus.CounterVec
	EventPublishDuration   *prometheus.HistogramVec
	EventsRetryQueued      prometheus.Gauge
	NotificationsSentTotal *prometheus.CounterVec
	MailboxDroppedTotal    prometheus.Counter

	// Cache metrics
	ConfigCacheHitsTotal   prometheus.Counter
	ConfigCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowInitiationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_initiations_total",
			Help: "Total number of workflows initiated.",
		}, []string{"workflow_code", "operation"}),
		WorkflowApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_step_approvals_total",
			Help: "Total number of step approvals received.",
		}, []string{"workflow_code", "step_code"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_completions_total",
			Help: "Total number of workflows reaching a terminal status.",
		}, []string{"workflow_code", "final_status"}),
		WorkflowSignalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_signals_dropped_total",
			Help: "Total number of approval or rejection signals dropped.",
		}, []string{"signal", "reason"}),
		WorkflowStepFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_step_fallbacks_total",
			Help: "Total number of signals resolved to the lowest-order step because the current step was unknown.",
		}, []string{"workflow_code"}),
		WorkflowLockedSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_workflow_locked_saves_total",
			Help: "Total number of saves refused because a workflow was in progress.",
		}, []string{"entity_type", "operation"}),

		// Events
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_events_published_total",
			Help: "Total number of events published.",
		}, []string{"event_type", "status"}),
		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_event_publish_duration_seconds",
			Help:    "Event publication duration in seconds.",
			Buckets: publishDurationBuckets,
		}, []string{"exchange"}),
		EventsRetryQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_events_retry_queued",
			Help: "Number of events waiting for redelivery.",
		}),
		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_notifications_sent_total",
			Help: "Total number of notifications handed to the publisher.",
		}, []string{"channel", "event"}),
		MailboxDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_mailbox_dropped_total",
			Help: "Total number of approval-required messages dropped because the mailbox was full.",
		}),

		// Cache
		ConfigCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_config_cache_hits_total",
			Help: "Total entity workflow configuration cache hits.",
		}),
		ConfigCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvals_config_cache_misses_total",
			Help: "Total entity workflow configuration cache misses.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowInitiationsTotal,
		m.WorkflowApprovalsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowSignalsDropped,
		m.WorkflowStepFallbacks,
		m.WorkflowLockedSaves,
		m.EventsPublishedTotal,
		m.EventPublishDuration,
		m.EventsRetryQueued,
		m.NotificationsSentTotal,
		m.MailboxDroppedTotal,
		m.ConfigCacheHitsTotal,
		m.ConfigCacheMissesTotal,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordInitiation records a workflow initiation.
func (m *Metrics) RecordInitiation(workflowCode, operation string) {
	if m == nil {
		return
	}
	m.WorkflowInitiationsTotal.WithLabelValues(workflowCode, operation).Inc()
}

// RecordStepApproval records an approval of a step.
func (m *Metrics) RecordStepApproval(workflowCode, stepCode string) {
	if m == nil {
		return
	}
	m.WorkflowApprovalsTotal.WithLabelValues(workflowCode, stepCode).Inc()
}

// RecordCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordCompletion(workflowCode, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(workflowCode, finalStatus).Inc()
}

// RecordSignalDropped records a signal that was logged and ignored.
func (m *Metrics) RecordSignalDropped(signal, reason string) {
	if m == nil {
		return
	}
	m.WorkflowSignalsDropped.WithLabelValues(signal, reason).Inc()
}

// RecordStepFallback records a step resolution fallback.
func (m *Metrics) RecordStepFallback(workflowCode string) {
	if m == nil {
		return
	}
	m.WorkflowStepFallbacks.WithLabelValues(workflowCode).Inc()
}

// RecordLockedSave records a save refused by the workflow lock.
func (m *Metrics) RecordLockedSave(entityType, operation string) {
	if m == nil {
		return
	}
	m.WorkflowLockedSaves.WithLabelValues(entityType, operation).Inc()
}

// RecordPublish records an event publication attempt.
func (m *Metrics) RecordPublish(eventType, exchange string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
	m.EventPublishDuration.WithLabelValues(exchange).Observe(duration.Seconds())
}

// SetRetryQueued sets the number of events waiting for redelivery.
func (m *Metrics) SetRetryQueued(n int) {
	if m == nil {
		return
	}
	m.EventsRetryQueued.Set(float64(n))
}

// RecordNotification records a notification handed to the publisher.
func (m *Metrics) RecordNotification(channel, event string) {
	if m == nil {
		return
	}
	m.NotificationsSentTotal.WithLabelValues(channel, event).Inc()
}

// RecordMailboxDropped records a message dropped by a full mailbox.
func (m *Metrics) RecordMailboxDropped() {
	if m == nil {
		return
	}
	m.MailboxDroppedTotal.Inc()
}

// RecordConfigCacheHit records a configuration cache hit.
func (m *Metrics) RecordConfigCacheHit() {
	if m == nil {
		return
	}
	m.ConfigCacheHitsTotal.Inc()
}

// RecordConfigCacheMiss records a configuration cache miss.
func (m *Metrics) RecordConfigCacheMiss() {
	if m == nil {
		return
	}
	m.ConfigCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
