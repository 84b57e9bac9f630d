package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Router maps event types to exchanges. Event types without an explicit
// route go to the fallback exchange.
type Router struct {
	publisher Publisher
	routes    map[string]string
	fallback  string
	retry     *RetryQueue
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewRouter creates a Router. The routes map is copied.
func NewRouter(publisher Publisher, routes map[string]string, fallback string, metrics *observability.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		publisher: publisher,
		routes:    make(map[string]string, len(routes)),
		fallback:  fallback,
		metrics:   metrics,
		logger:    logger,
	}
	for k, v := range routes {
		r.routes[k] = v
	}
	return r
}

// WithRetryQueue attaches a queue for redelivering non-critical events.
func (r *Router) WithRetryQueue(q *RetryQueue) *Router {
	r.retry = q
	return r
}

// ExchangeFor returns the exchange an event type is routed to.
func (r *Router) ExchangeFor(eventType string) string {
	if ex, ok := r.routes[eventType]; ok && ex != "" {
		return ex
	}
	return r.fallback
}

// Publish delivers the event to its exchange.
func (r *Router) Publish(ctx context.Context, event model.Event) error {
	exchange := r.ExchangeFor(event.EventType())
	ctx, span := observability.StartSpan(ctx, "notification.publish",
		observability.AttrEventType.String(event.EventType()),
	)
	start := time.Now()
	err := r.publisher.Publish(ctx, exchange, event)
	r.metrics.RecordPublish(event.EventType(), exchange, err, time.Since(start))
	observability.EndSpanWithError(span, err)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.EventType(), exchange, err)
	}
	return nil
}

// Send publishes the event. A failed critical event returns a
// PUBLISH_FAILED error. A failed non-critical event is queued for
// redelivery when a retry queue is attached, and only logged otherwise.
func (r *Router) Send(ctx context.Context, event model.Event) error {
	err := r.Publish(ctx, event)
	if err == nil {
		return nil
	}
	if model.IsCritical(event.EventType()) {
		r.logger.Error("critical event publication failed",
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", model.NewPublishFailedError(event.EventType()), err)
	}
	if r.retry != nil && r.retry.Enqueue(r.ExchangeFor(event.EventType()), event) {
		r.logger.Warn("event publication failed, queued for redelivery",
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
		return nil
	}
	r.logger.Warn("event publication failed",
		zap.String("event_type", event.EventType()),
		zap.Error(err),
	)
	return nil
}
