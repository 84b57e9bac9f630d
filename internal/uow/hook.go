// Package uow hooks approval workflows into a unit of work. SaveChanges
// runs the pre-save checks, commits, and publishes what the save produced.
package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/configcache"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// EntryState is the pending change of a tracked entity.
type EntryState int

// Entry states.
const (
	Unchanged EntryState = iota
	Added
	Modified
	Deleted
)

func (s EntryState) String() string {
	switch s {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	}
	return "unchanged"
}

// Entry is one tracked entity. OriginalStatus is the workflow status as
// last persisted; it is ignored for Added entries.
type Entry struct {
	Entity         any
	State          EntryState
	OriginalStatus model.WorkflowStatus
}

// UnitOfWork is the persistence session the hook wraps. Commit returns the
// number of rows written.
type UnitOfWork interface {
	Pending() []*Entry
	Commit(ctx context.Context) (int64, error)
}

// Triggers decides whether a save starts a workflow.
type Triggers interface {
	ShouldTrigger(ctx context.Context, entity model.WorkflowEnabled, op model.Operation, module string) (bool, error)
	WorkflowCodeFor(ctx context.Context, module, entityType string, op model.Operation) (string, error)
}

// EventPublisher publishes events after commit.
type EventPublisher interface {
	Send(ctx context.Context, event model.Event) error
}

// Mailbox accepts approval-required events for asynchronous delivery.
type Mailbox interface {
	Tell(evt model.ApprovalRequiredEvent) bool
}

// Deps are the collaborators of a Hook. Configs, History and Mailbox are
// optional.
type Deps struct {
	Triggers  Triggers
	Configs   configcache.Source
	Steps     workflow.StepResolver
	Initiator *workflow.Initiator
	History   workflow.HistoryStore
	Events    EventPublisher
	Mailbox   Mailbox
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Hook runs workflow processing around a unit of work.
type Hook struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewHook creates a Hook.
func NewHook(deps Deps) *Hook {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{deps: deps, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// saveBatch carries what one SaveChanges call produced.
type saveBatch struct {
	events    []model.Event
	approvals []model.ApprovalRequiredEvent
	history   []model.WorkflowEvent
	sources   []model.EventSource
}

// SaveChanges runs PreSave, Capture, Commit and PostSave. A WORKFLOW_LOCKED
// or initiation error aborts before anything is written. When the commit
// writes rows, captured events are published; critical publication
// failures are joined and returned after every event was attempted.
func (h *Hook) SaveChanges(ctx context.Context, uow UnitOfWork) (rows int64, err error) {
	ctx, span := observability.StartSpan(ctx, "uow.save_changes")
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := observability.RequestLogger(ctx, h.logger)
	entries := uow.Pending()

	// Step 1: PreSave.
	batch := &saveBatch{}
	for _, entry := range entries {
		if err := h.preSave(ctx, entry, batch, logger); err != nil {
			return 0, err
		}
	}

	// Step 2: Capture.
	for _, entry := range entries {
		h.capture(ctx, entry, batch, logger)
	}

	// Step 3: Commit.
	rows, err = uow.Commit(ctx)
	if err != nil {
		return 0, fmt.Errorf("commit unit of work: %w", err)
	}
	if rows == 0 {
		return 0, nil
	}

	// Step 4: PostSave.
	err = h.postSave(ctx, batch, logger)
	for _, src := range batch.sources {
		src.ClearEvents()
	}
	return rows, err
}

func operationFor(state EntryState) model.Operation {
	switch state {
	case Added:
		return model.OperationCreate
	case Deleted:
		return model.OperationDelete
	}
	return model.OperationUpdate
}

func (h *Hook) preSave(ctx context.Context, entry *Entry, batch *saveBatch, logger *zap.Logger) error {
	if entry.State == Unchanged {
		return nil
	}
	rctx := model.RequestContextFrom(ctx)
	now := h.now()

	if ts, ok := entry.Entity.(model.TenantScoped); ok && ts.TenantID() == "" && rctx != nil {
		ts.SetTenantID(rctx.TenantID)
	}
	if a, ok := entry.Entity.(model.Auditable); ok {
		actor := model.ActorFrom(rctx).ID
		switch entry.State {
		case Added:
			a.StampCreated(actor, now)
		case Modified, Deleted:
			a.StampModified(actor, now)
		}
	}

	entity, ok := entry.Entity.(model.WorkflowEnabled)
	if !ok || entity.Workflow() == nil {
		return nil
	}
	op := operationFor(entry.State)
	elog := logger.With(observability.EntityFields(entity)...)

	if entry.State != Added && entry.OriginalStatus == model.WorkflowInProgress {
		state := entity.Workflow()
		if (op == model.OperationDelete && !state.CanBeDeleted()) || (op == model.OperationUpdate && !state.CanBeEdited()) {
			h.deps.Metrics.RecordLockedSave(entity.EntityType(), string(op))
			elog.Warn("save refused, workflow in progress", zap.String("operation", string(op)))
			verb := "modified"
			if op == model.OperationDelete {
				verb = "deleted"
			}
			return model.NewWorkflowLockedError(entity.EntityType(), entity.EntityID(), verb)
		}
	}

	mb, ok := entity.(model.ModuleBound)
	if !ok || mb.Module() == "" {
		return nil
	}
	module := mb.Module()

	if op == model.OperationUpdate {
		h.checkSignificantFields(ctx, entity, module, elog)
	}

	if entity.Workflow().CurrentStatus() == model.WorkflowInProgress {
		return nil
	}
	triggered, err := h.deps.Triggers.ShouldTrigger(ctx, entity, op, module)
	if err != nil {
		return fmt.Errorf("evaluate workflow trigger: %w", err)
	}
	if !triggered {
		return nil
	}

	code, err := h.deps.Triggers.WorkflowCodeFor(ctx, module, entity.EntityType(), op)
	if err != nil {
		return fmt.Errorf("resolve workflow code: %w", err)
	}
	if code == "" {
		elog.Warn("workflow triggered without a workflow code", zap.String("operation", string(op)))
		return nil
	}
	binding, err := h.deps.Steps.ActiveStep(ctx, code, entity.EntityType())
	if err != nil {
		if model.CodeOf(err) == model.ErrNotFound {
			elog.Warn("workflow triggered but no active binding", zap.String("workflow_code", code))
			return nil
		}
		return fmt.Errorf("resolve workflow %s: %w", code, err)
	}

	initiation, err := h.deps.Initiator.Initiate(ctx, entity, op, &binding.Definition, model.ActorFrom(rctx))
	if err != nil {
		return err
	}
	batch.history = append(batch.history, initiation.History...)

	if entry.State == Deleted && !initiation.AutoApproved {
		// The delete waits for approval; the entity is kept.
		entry.State = Modified
		elog.Info("delete converted to pending approval", zap.String("history_id", initiation.HistoryID))
	}
	return nil
}

// checkSignificantFields logs configured significant fields the entity
// cannot resolve.
func (h *Hook) checkSignificantFields(ctx context.Context, entity model.WorkflowEnabled, module string, logger *zap.Logger) {
	if h.deps.Configs == nil {
		return
	}
	cfg, err := h.deps.Configs.EntityConfig(ctx, module, entity.EntityType())
	if err != nil || cfg == nil {
		return
	}
	for _, field := range cfg.SignificantFieldsForUpdate {
		if _, ok := entity.WorkflowField(field); !ok {
			logger.Warn("significant field not found on entity", zap.String("field", field))
		}
	}
}

func (h *Hook) capture(ctx context.Context, entry *Entry, batch *saveBatch, logger *zap.Logger) {
	if entry.State == Unchanged {
		return
	}
	if src, ok := entry.Entity.(model.EventSource); ok {
		if pending := src.PendingEvents(); len(pending) > 0 {
			batch.events = append(batch.events, pending...)
			batch.sources = append(batch.sources, src)
		}
	}

	entity, ok := entry.Entity.(model.WorkflowEnabled)
	if !ok || entity.Workflow() == nil {
		return
	}
	state := entity.Workflow()

	oldStatus := entry.OriginalStatus
	if entry.State == Added || oldStatus == "" {
		oldStatus = model.WorkflowNotStarted
	}
	newStatus := state.CurrentStatus()
	if oldStatus == newStatus {
		return
	}

	tenantID := ""
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		tenantID = rctx.TenantID
	}
	if tenantID == "" {
		if ts, ok := entity.(model.TenantScoped); ok {
			tenantID = ts.TenantID()
		}
	}
	now := h.now()
	elog := logger.With(observability.EntityFields(entity)...)

	switch {
	case newStatus != model.WorkflowInProgress:
	case tenantID == "":
		elog.Error("approval required but tenant cannot be resolved, event skipped")
	default:
		var step model.WorkflowStep
		if def := state.Definition; def != nil {
			step, _ = def.InitialStep()
			if s, ok := def.FindStep(state.CurrentState); ok {
				step = s
			}
		}
		batch.approvals = append(batch.approvals, model.ApprovalRequiredEvent{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			EntityType:    entity.EntityType(),
			EntityID:      entity.EntityID(),
			WorkflowCode:  state.WorkflowCode,
			HistoryID:     state.HistoryID,
			StepCode:      step.StepCode,
			StepName:      step.Name,
			ApproverRoles: step.ApproverRoles,
			InitiatedBy:   state.InitiatedBy,
			Definition:    state.Definition,
			OccurredAt:    now,
		})
	}

	batch.events = append(batch.events, model.WorkflowStatusChangedEvent{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		EntityType:   entity.EntityType(),
		EntityID:     entity.EntityID(),
		WorkflowCode: state.WorkflowCode,
		From:         oldStatus,
		To:           newStatus,
		StepCode:     state.CurrentState,
		OccurredAt:   now,
	})

	if newStatus.IsTerminal() {
		batch.events = append(batch.events, model.WorkflowCompletedEvent{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			EntityType:   entity.EntityType(),
			EntityID:     entity.EntityID(),
			WorkflowCode: state.WorkflowCode,
			HistoryID:    state.HistoryID,
			Status:       newStatus,
			CompletedBy:  state.CompletedBy,
			Reason:       state.RejectionReason,
			OccurredAt:   now,
		})
	}
}

func (h *Hook) postSave(ctx context.Context, batch *saveBatch, logger *zap.Logger) error {
	var errs []error

	for _, evt := range batch.events {
		if err := h.deps.Events.Send(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}

	if h.deps.History != nil {
		for _, evt := range batch.history {
			if err := h.deps.History.Append(ctx, evt); err != nil {
				logger.Error("appending workflow history failed",
					zap.String("entity_id", evt.EntityID),
					zap.String("event", evt.Event),
					zap.Error(err),
				)
			}
		}
	}

	for _, evt := range batch.approvals {
		if h.deps.Mailbox != nil && h.deps.Mailbox.Tell(evt) {
			continue
		}
		// No mailbox capacity: publish inline, start notifications are lost.
		logger.Warn("approval-required event published inline",
			zap.String("entity_id", evt.EntityID),
			zap.String("workflow_code", evt.WorkflowCode),
		)
		if err := h.deps.Events.Send(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
