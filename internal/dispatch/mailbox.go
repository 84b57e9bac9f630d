// Package dispatch delivers approval-required events off the save path
// through a bounded mailbox drained by a fixed worker pool.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/notification"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Handler processes one approval-required event.
type Handler func(ctx context.Context, evt model.ApprovalRequiredEvent) error

// Mailbox is a bounded queue of approval-required events. Tell never
// blocks; a full mailbox drops the event.
type Mailbox struct {
	mu      sync.RWMutex
	ch      chan model.ApprovalRequiredEvent
	closed  bool
	workers int
	handler Handler
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewMailbox creates a Mailbox sized by cfg.
func NewMailbox(cfg config.DispatchConfig, handler Handler, metrics *observability.Metrics, logger *zap.Logger) *Mailbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Mailbox{
		ch:      make(chan model.ApprovalRequiredEvent, buffer),
		workers: workers,
		handler: handler,
		metrics: metrics,
		logger:  logger,
	}
}

// Tell enqueues the event. It returns false when the mailbox is full or
// closed.
func (m *Mailbox) Tell(evt model.ApprovalRequiredEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.logger.Warn("mailbox closed, dropping approval-required event",
			zap.String("entity_type", evt.EntityType),
			zap.String("entity_id", evt.EntityID),
		)
		m.metrics.RecordMailboxDropped()
		return false
	}
	select {
	case m.ch <- evt:
		return true
	default:
		m.logger.Error("mailbox full, dropping approval-required event",
			zap.String("entity_type", evt.EntityType),
			zap.String("entity_id", evt.EntityID),
			zap.Int("capacity", cap(m.ch)),
		)
		m.metrics.RecordMailboxDropped()
		return false
	}
}

// Len returns the number of queued events.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Run starts the workers and blocks until ctx is done or the mailbox is
// closed and drained. Handler errors are logged; they do not stop workers.
func (m *Mailbox) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt, ok := <-m.ch:
					if !ok {
						return nil
					}
					m.handle(ctx, worker, evt)
				}
			}
		})
	}
	return g.Wait()
}

func (m *Mailbox) handle(ctx context.Context, worker int, evt model.ApprovalRequiredEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("approval-required handler panicked",
				zap.Int("worker", worker),
				zap.Any("panic", r),
				zap.String("entity_id", evt.EntityID),
			)
		}
	}()
	if err := m.handler(ctx, evt); err != nil {
		m.logger.Error("approval-required event not delivered",
			zap.Int("worker", worker),
			zap.String("entity_type", evt.EntityType),
			zap.String("entity_id", evt.EntityID),
			zap.Error(err),
		)
	}
}

// Close stops accepting events. Workers drain what is queued, then Run
// returns.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Publisher is the subset of the notification router used by the default
// handler.
type Publisher interface {
	Send(ctx context.Context, event model.Event) error
}

// Notifier fans out notifications.
type Notifier interface {
	Notify(ctx context.Context, n notification.Notice) []model.NotificationMessage
}

// ApprovalRequiredHandler publishes the event and notifies the first
// step's approvers plus the workflow's on-start list. Approver roles go out
// on the notification channel as identifiers for the downstream service to
// expand; email recipients come from the on-start list only.
func ApprovalRequiredHandler(publisher Publisher, notifier Notifier) Handler {
	return func(ctx context.Context, evt model.ApprovalRequiredEvent) error {
		if err := publisher.Send(ctx, evt); err != nil {
			return err
		}
		if notifier == nil || evt.Definition == nil {
			return nil
		}
		step, ok := evt.Definition.FindStep(evt.StepCode)
		if !ok {
			step, _ = evt.Definition.InitialStep()
		}
		notifier.Notify(ctx, notification.Notice{
			Event: model.NotifyOnStart,
			Action: &model.WorkflowStepAction{
				SendNotificationTo: step.ApproverRoles,
			},
			Settings:     evt.Definition.Notifications,
			TenantID:     evt.TenantID,
			EntityType:   evt.EntityType,
			EntityID:     evt.EntityID,
			WorkflowCode: evt.WorkflowCode,
			Step:         step,
			Actor:        model.Actor{ID: evt.InitiatedBy},
			Status:       model.WorkflowInProgress,
		})
		return nil
	}
}
