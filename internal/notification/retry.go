package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

type pending struct {
	exchange string
	event    model.Event
	queuedAt time.Time
}

// RetryQueue holds non-critical events whose publication failed and
// redelivers them with exponential backoff.
type RetryQueue struct {
	mu        sync.Mutex
	items     []pending
	capacity  int
	publisher Publisher
	cfg       config.RetryConfig
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewRetryQueue creates a RetryQueue delivering through publisher.
func NewRetryQueue(publisher Publisher, cfg config.RetryConfig, metrics *observability.Metrics, logger *zap.Logger) *RetryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := cfg.QueueSize
	if capacity <= 0 {
		capacity = 1000
	}
	return &RetryQueue{
		capacity:  capacity,
		publisher: publisher,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Enqueue adds an event. It returns false when the queue is full.
func (q *RetryQueue) Enqueue(exchange string, event model.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.logger.Error("retry queue full, dropping event",
			zap.String("event_type", event.EventType()),
			zap.Int("capacity", q.capacity),
		)
		return false
	}
	q.items = append(q.items, pending{exchange: exchange, event: event, queuedAt: time.Now()})
	q.metrics.SetRetryQueued(len(q.items))
	return true
}

// Len returns the number of queued events.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RetryQueue) backoff() retry.Backoff {
	initial := q.cfg.BackoffInitial
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	b := retry.NewExponential(initial)
	if q.cfg.BackoffMax > 0 {
		b = retry.WithCappedDuration(q.cfg.BackoffMax, b)
	}
	return retry.WithMaxRetries(q.cfg.MaxAttempts, b)
}

// Redeliver drains the queue, retrying each event with backoff. Events that
// still fail are put back. It returns how many events were delivered.
func (q *RetryQueue) Redeliver(ctx context.Context) (int, error) {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	delivered := 0
	var failed []pending
	for i, p := range batch {
		if ctx.Err() != nil {
			failed = append(failed, batch[i:]...)
			break
		}
		err := retry.Do(ctx, q.backoff(), func(ctx context.Context) error {
			if err := q.publisher.Publish(ctx, p.exchange, p.event); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			q.logger.Warn("event redelivery failed",
				zap.String("event_type", p.event.EventType()),
				zap.String("exchange", p.exchange),
				zap.Duration("queued_for", time.Since(p.queuedAt)),
				zap.Error(err),
			)
			failed = append(failed, p)
			continue
		}
		delivered++
	}

	q.mu.Lock()
	q.items = append(failed, q.items...)
	if len(q.items) > q.capacity {
		q.items = q.items[:q.capacity]
	}
	n := len(q.items)
	q.mu.Unlock()
	q.metrics.SetRetryQueued(n)

	if delivered > 0 {
		q.logger.Info("events redelivered", zap.Int("delivered", delivered), zap.Int("remaining", n))
	}
	return delivered, ctx.Err()
}

// Run redelivers on every interval until ctx is done.
func (q *RetryQueue) Run(ctx context.Context) error {
	interval := q.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := q.Redeliver(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn("redelivery pass interrupted", zap.Error(err))
			}
		}
	}
}
