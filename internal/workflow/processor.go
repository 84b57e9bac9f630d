package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/condition"
	"github.com/pitabwire/approvals/internal/notification"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Drop reasons reported in Outcome.Reason and the dropped-signal metric.
const (
	DropUnknownEntityType = "unknown_entity_type"
	DropEntityNotFound    = "entity_not_found"
	DropNoWorkflowCode    = "no_workflow_code"
	DropNoActiveWorkflow  = "no_active_workflow"
	DropEmptyDefinition   = "empty_definition"
	DropNotInProgress     = "not_in_progress"
	DropStepMismatch      = "step_mismatch"
	DropDuplicateApprover = "duplicate_approver"
)

// Outcome reports what a signal did.
type Outcome struct {
	Dropped   bool                 `json:"dropped"`
	Reason    string               `json:"reason,omitempty"`
	Status    model.WorkflowStatus `json:"status,omitempty"`
	StepCode  string               `json:"step_code,omitempty"`
	HistoryID string               `json:"history_id,omitempty"`
	Completed bool                 `json:"completed"`

	// Approvals and Required are set while a step collects approvals.
	Approvals int `json:"approvals,omitempty"`
	Required  int `json:"required,omitempty"`
}

// Notifier fans out notifications.
type Notifier interface {
	Notify(ctx context.Context, n notification.Notice) []model.NotificationMessage
}

// EventPublisher publishes workflow events.
type EventPublisher interface {
	Send(ctx context.Context, event model.Event) error
}

// Processor applies approval and rejection signals to entities.
type Processor struct {
	repos      *Repositories
	steps      StepResolver
	history    HistoryStore
	notifier   Notifier
	events     EventPublisher
	conditions *condition.Evaluator
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// ProcessorDeps are the collaborators of a Processor. Notifier, Events,
// History and Metrics are optional.
type ProcessorDeps struct {
	Repositories *Repositories
	Steps        StepResolver
	History      HistoryStore
	Notifier     Notifier
	Events       EventPublisher
	Conditions   *condition.Evaluator
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(deps ProcessorDeps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conditions := deps.Conditions
	if conditions == nil {
		conditions = condition.NewEvaluator(logger)
	}
	return &Processor{
		repos:      deps.Repositories,
		steps:      deps.Steps,
		history:    deps.History,
		notifier:   deps.Notifier,
		events:     deps.Events,
		conditions: conditions,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// target is an entity resolved for a signal.
type target struct {
	entity model.WorkflowEnabled
	repo   Repository
	state  *model.WorkflowState
	code   string
	def    *model.WorkflowDefinition
}

// resolve loads the entity and its workflow definition. A non-empty reason
// means the signal must be dropped.
func (p *Processor) resolve(ctx context.Context, signal, tenantID, entityType, entityID, workflowCode string, logger *zap.Logger) (*target, string, error) {
	repo, ok := p.repos.Resolve(entityType)
	if !ok {
		logger.Warn("signal dropped, no repository for entity type")
		return nil, DropUnknownEntityType, nil
	}

	entity, err := repo.Load(ctx, tenantID, entityID)
	if err != nil {
		if model.CodeOf(err) == model.ErrNotFound {
			logger.Warn("signal dropped, entity not found")
			return nil, DropEntityNotFound, nil
		}
		return nil, "", fmt.Errorf("load %s %s: %w", entityType, entityID, err)
	}
	state := entity.Workflow()
	if state == nil {
		logger.Warn("signal dropped, entity carries no workflow state")
		return nil, DropEntityNotFound, nil
	}

	code := workflowCode
	if code == "" {
		code = state.WorkflowCode
	}
	if code == "" {
		logger.Warn("signal dropped, no workflow code on signal or entity")
		return nil, DropNoWorkflowCode, nil
	}

	binding, err := p.steps.ActiveStep(ctx, code, entity.EntityType())
	if err != nil {
		if model.CodeOf(err) == model.ErrNotFound {
			logger.Warn("signal dropped, no active workflow binding", zap.String("workflow_code", code))
			return nil, DropNoActiveWorkflow, nil
		}
		return nil, "", fmt.Errorf("resolve workflow %s: %w", code, err)
	}

	def := state.Definition
	if def == nil || len(def.Steps) == 0 {
		def = binding.Definition.Clone()
	}
	if len(def.Steps) == 0 {
		logger.Warn("signal dropped, workflow definition has no steps", zap.String("workflow_code", code))
		return nil, DropEmptyDefinition, nil
	}

	if state.CurrentStatus() != model.WorkflowInProgress {
		logger.Warn("signal dropped, workflow is not in progress",
			zap.String("workflow_status", string(state.CurrentStatus())),
		)
		return nil, DropNotInProgress, nil
	}

	return &target{entity: entity, repo: repo, state: state, code: code, def: def}, "", nil
}

// currentStep resolves the step matching the entity's current state,
// falling back to the definition's initial step.
func (p *Processor) currentStep(t *target, logger *zap.Logger) model.WorkflowStep {
	if step, ok := t.def.FindStep(t.state.CurrentState); ok {
		return step
	}
	step, _ := t.def.InitialStep()
	if logger != nil {
		logger.Warn("current step not found, falling back to initial step",
			zap.String("current_state", t.state.CurrentState),
			zap.String("fallback_step", step.StepCode),
		)
		p.metrics.RecordStepFallback(t.code)
	}
	return step
}

// stepMismatch reports a signal naming a step other than the current one.
func stepMismatch(signalled string, step model.WorkflowStep, logger *zap.Logger) bool {
	if signalled == "" || signalled == step.StepCode {
		return false
	}
	logger.Warn("signal dropped, step does not match current step",
		zap.String("signal_step", signalled),
		zap.String("current_step", step.StepCode),
	)
	return true
}

func (p *Processor) drop(signal, reason string, span trace.Span) Outcome {
	p.metrics.RecordSignalDropped(signal, reason)
	span.SetAttributes(observability.AttrOutcome.String("dropped:" + reason))
	return Outcome{Dropped: true, Reason: reason}
}

// StepFor returns the current step of the entity's workflow, the step any
// signal for it acts on. ok is false when the signal would be dropped.
func (p *Processor) StepFor(ctx context.Context, tenantID, entityType, entityID, workflowCode string) (model.WorkflowStep, bool, error) {
	logger := p.logger.With(observability.SignalFields(tenantID, entityType, entityID, "")...)
	t, reason, err := p.resolve(ctx, "lookup", tenantID, entityType, entityID, workflowCode, logger)
	if err != nil || reason != "" {
		return model.WorkflowStep{}, false, err
	}
	return p.currentStep(t, nil), true, nil
}

// Approve applies an approval to the entity's current step. Signals that
// cannot be resolved are logged and reported as dropped with a nil error.
func (p *Processor) Approve(ctx context.Context, sig model.ApprovalSignal) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.approve",
		observability.AttrEntityType.String(sig.EntityType),
		observability.AttrEntityID.String(sig.EntityID),
		observability.AttrTenantID.String(sig.TenantID),
		observability.AttrActorID.String(sig.Actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := p.logger.With(observability.SignalFields(sig.TenantID, sig.EntityType, sig.EntityID, sig.Actor.ID)...)

	t, reason, err := p.resolve(ctx, "approval", sig.TenantID, sig.EntityType, sig.EntityID, sig.WorkflowCode, logger)
	if err != nil {
		return Outcome{}, err
	}
	if reason != "" {
		return p.drop("approval", reason, span), nil
	}

	at := sig.At
	if at.IsZero() {
		at = p.now()
	}
	state := t.state
	step := p.currentStep(t, logger)
	span.SetAttributes(
		observability.AttrWorkflowCode.String(t.code),
		observability.AttrStepCode.String(step.StepCode),
	)
	if stepMismatch(sig.StepCode, step, logger) {
		return p.drop("approval", DropStepMismatch, span), nil
	}
	if sig.Actor.ID != "" && state.HasApproved(sig.Actor.ID) {
		logger.Warn("signal dropped, actor already approved this step", zap.String("step_code", step.StepCode))
		return p.drop("approval", DropDuplicateApprover, span), nil
	}

	required := step.RequiredApprovals
	if required < 1 {
		required = 1
	}
	state.ApprovalCount++
	if sig.Actor.ID != "" {
		state.StepApprovers = append(state.StepApprovers, sig.Actor.ID)
	}
	p.metrics.RecordStepApproval(t.code, step.StepCode)

	if state.ApprovalCount < required {
		state.CurrentState = step.StepCode
		state.Comments = sig.Comments
		if err := t.repo.Save(ctx, t.entity); err != nil {
			return Outcome{}, fmt.Errorf("save %s %s: %w", sig.EntityType, sig.EntityID, err)
		}
		p.appendHistory(ctx, t, sig.TenantID, step.StepCode, model.HistoryStepApproved, sig.Actor.ID, sig.Comments, at,
			map[string]any{"approvals": state.ApprovalCount, "required": required})
		logger.Info("approval recorded, awaiting more approvals",
			zap.String("step_code", step.StepCode),
			zap.Int("approvals", state.ApprovalCount),
			zap.Int("required", required),
		)
		return Outcome{
			Status:    state.CurrentStatus(),
			StepCode:  step.StepCode,
			HistoryID: state.HistoryID,
			Approvals: state.ApprovalCount,
			Required:  required,
		}, nil
	}

	nextStep, complete := p.nextStep(t, step, logger)
	if complete {
		return p.completeApproved(ctx, t, sig, step, at, logger, span)
	}

	if err := apply(state, triggerAdvance); err != nil {
		return p.drop("approval", DropNotInProgress, span), nil
	}
	fromStep := state.CurrentState
	state.CurrentState = nextStep.StepCode
	state.ResetApprovals()
	state.Comments = sig.Comments

	if err := t.repo.Save(ctx, t.entity); err != nil {
		return Outcome{}, fmt.Errorf("save %s %s: %w", sig.EntityType, sig.EntityID, err)
	}
	p.appendHistory(ctx, t, sig.TenantID, step.StepCode, model.HistoryStepApproved, sig.Actor.ID, sig.Comments, at,
		map[string]any{"next_step": nextStep.StepCode})
	p.publish(ctx, model.WorkflowChangedEvent{
		ID:           uuid.New().String(),
		TenantID:     sig.TenantID,
		EntityType:   t.entity.EntityType(),
		EntityID:     t.entity.EntityID(),
		WorkflowCode: t.code,
		FromStep:     fromStep,
		ToStep:       nextStep.StepCode,
		ActorID:      sig.Actor.ID,
		OccurredAt:   at,
	}, logger)
	p.notify(ctx, notification.Notice{
		Event:        model.NotifyOnApproval,
		Action:       step.OnApproval,
		Settings:     t.def.Notifications,
		TenantID:     sig.TenantID,
		EntityType:   t.entity.EntityType(),
		EntityID:     t.entity.EntityID(),
		WorkflowCode: t.code,
		Step:         step,
		Actor:        sig.Actor,
		Comments:     sig.Comments,
		Status:       state.CurrentStatus(),
	})

	logger.Info("workflow advanced",
		zap.String("from_step", step.StepCode),
		zap.String("to_step", nextStep.StepCode),
	)
	span.SetAttributes(observability.AttrOutcome.String("advanced"))
	return Outcome{Status: state.CurrentStatus(), StepCode: nextStep.StepCode, HistoryID: state.HistoryID}, nil
}

// nextStep follows the step's approval action. Optional steps whose
// conditions fail are skipped. The second result is true when the
// workflow completes instead.
func (p *Processor) nextStep(t *target, step model.WorkflowStep, logger *zap.Logger) (model.WorkflowStep, bool) {
	action := step.OnApproval
	visited := map[string]bool{step.StepCode: true}
	for {
		if action == nil || action.CompleteWorkflow || action.NextStepCode == "" {
			return model.WorkflowStep{}, true
		}
		candidate, ok := t.def.FindStep(action.NextStepCode)
		if !ok {
			logger.Warn("next step not found, completing workflow", zap.String("next_step", action.NextStepCode))
			return model.WorkflowStep{}, true
		}
		if visited[candidate.StepCode] {
			logger.Warn("step cycle detected, completing workflow", zap.String("step_code", candidate.StepCode))
			return model.WorkflowStep{}, true
		}
		visited[candidate.StepCode] = true
		if candidate.IsOptional && !p.conditions.EvaluateAll(t.entity, candidate.Conditions) {
			logger.Debug("optional step skipped", zap.String("step_code", candidate.StepCode))
			action = candidate.OnApproval
			continue
		}
		return candidate, false
	}
}

func (p *Processor) completeApproved(ctx context.Context, t *target, sig model.ApprovalSignal, step model.WorkflowStep, at time.Time, logger *zap.Logger, span trace.Span) (Outcome, error) {
	state := t.state
	if err := apply(state, triggerComplete); err != nil {
		return p.drop("approval", DropNotInProgress, span), nil
	}
	state.CurrentState = model.StateApproved
	state.CompletedAt = &at
	state.CompletedBy = sig.Actor.ID
	state.CompletedByName = sig.Actor.Name
	state.Comments = sig.Comments
	state.ResetApprovals()
	state.Draft = false

	if err := t.repo.Save(ctx, t.entity); err != nil {
		return Outcome{}, fmt.Errorf("save %s %s: %w", sig.EntityType, sig.EntityID, err)
	}
	p.appendHistory(ctx, t, sig.TenantID, step.StepCode, model.HistoryApproved, sig.Actor.ID, sig.Comments, at, nil)
	p.publishTerminal(ctx, t, sig.TenantID, step.StepCode, sig.Actor.ID, "", at, logger)
	p.notify(ctx, notification.Notice{
		Event:        model.NotifyOnCompletion,
		Action:       step.OnApproval,
		Settings:     t.def.Notifications,
		TenantID:     sig.TenantID,
		EntityType:   t.entity.EntityType(),
		EntityID:     t.entity.EntityID(),
		WorkflowCode: t.code,
		Step:         step,
		Actor:        sig.Actor,
		Comments:     sig.Comments,
		Status:       model.WorkflowApproved,
	})
	p.metrics.RecordCompletion(t.code, string(model.WorkflowApproved))

	logger.Info("workflow approved", zap.String("step_code", step.StepCode), zap.String("history_id", state.HistoryID))
	span.SetAttributes(observability.AttrOutcome.String("approved"))
	return Outcome{Status: model.WorkflowApproved, StepCode: model.StateApproved, HistoryID: state.HistoryID, Completed: true}, nil
}

// Reject rejects the entity's workflow from whatever step it is on.
// Signals that cannot be resolved are logged and reported as dropped with a
// nil error.
func (p *Processor) Reject(ctx context.Context, sig model.RejectionSignal) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reject",
		observability.AttrEntityType.String(sig.EntityType),
		observability.AttrEntityID.String(sig.EntityID),
		observability.AttrTenantID.String(sig.TenantID),
		observability.AttrActorID.String(sig.Actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := p.logger.With(observability.SignalFields(sig.TenantID, sig.EntityType, sig.EntityID, sig.Actor.ID)...)

	t, reason, err := p.resolve(ctx, "rejection", sig.TenantID, sig.EntityType, sig.EntityID, sig.WorkflowCode, logger)
	if err != nil {
		return Outcome{}, err
	}
	if reason != "" {
		return p.drop("rejection", reason, span), nil
	}

	at := sig.At
	if at.IsZero() {
		at = p.now()
	}
	state := t.state
	step := p.currentStep(t, logger)
	span.SetAttributes(
		observability.AttrWorkflowCode.String(t.code),
		observability.AttrStepCode.String(step.StepCode),
	)
	if stepMismatch(sig.StepCode, step, logger) {
		return p.drop("rejection", DropStepMismatch, span), nil
	}

	if err := apply(state, triggerReject); err != nil {
		return p.drop("rejection", DropNotInProgress, span), nil
	}
	state.CurrentState = sig.State
	if state.CurrentState == "" {
		state.CurrentState = model.StateRejected
	}
	state.RejectionReason = sig.Reason
	state.CompletedAt = &at
	state.CompletedBy = sig.Actor.ID
	state.CompletedByName = sig.Actor.Name
	state.Comments = sig.Comments
	state.ResetApprovals()

	if err := t.repo.Save(ctx, t.entity); err != nil {
		return Outcome{}, fmt.Errorf("save %s %s: %w", sig.EntityType, sig.EntityID, err)
	}
	p.appendHistory(ctx, t, sig.TenantID, step.StepCode, model.HistoryRejected, sig.Actor.ID, sig.Comments, at,
		map[string]any{"reason": sig.Reason})
	p.publishTerminal(ctx, t, sig.TenantID, step.StepCode, sig.Actor.ID, sig.Reason, at, logger)

	var extra []string
	if sig.ReturnToOriginator && state.InitiatedByEmail != "" {
		extra = append(extra, state.InitiatedByEmail)
	}
	p.notify(ctx, notification.Notice{
		Event:        model.NotifyOnRejection,
		Action:       step.OnRejection,
		Settings:     t.def.Notifications,
		TenantID:     sig.TenantID,
		EntityType:   t.entity.EntityType(),
		EntityID:     t.entity.EntityID(),
		WorkflowCode: t.code,
		Step:         step,
		Actor:        sig.Actor,
		Comments:     sig.Comments,
		Reason:       sig.Reason,
		Status:       model.WorkflowRejected,
		ExtraEmail:   extra,
	})
	p.metrics.RecordCompletion(t.code, string(model.WorkflowRejected))

	logger.Info("workflow rejected",
		zap.String("step_code", step.StepCode),
		zap.String("reason", sig.Reason),
	)
	span.SetAttributes(observability.AttrOutcome.String("rejected"))
	return Outcome{Status: model.WorkflowRejected, StepCode: state.CurrentState, HistoryID: state.HistoryID, Completed: true}, nil
}

func (p *Processor) appendHistory(ctx context.Context, t *target, tenantID, stepCode, event, actorID, comment string, at time.Time, data map[string]any) {
	if p.history == nil {
		return
	}
	err := p.history.Append(ctx, model.WorkflowEvent{
		ID:         uuid.New().String(),
		HistoryID:  t.state.HistoryID,
		TenantID:   tenantID,
		EntityType: t.entity.EntityType(),
		EntityID:   t.entity.EntityID(),
		StepCode:   stepCode,
		Event:      event,
		ActorID:    actorID,
		Data:       data,
		Comment:    comment,
		Timestamp:  at,
	})
	if err != nil {
		p.logger.Error("appending workflow history failed",
			zap.String("event", event),
			zap.String("entity_id", t.entity.EntityID()),
			zap.Error(err),
		)
	}
}

func (p *Processor) publishTerminal(ctx context.Context, t *target, tenantID, stepCode, actorID, reason string, at time.Time, logger *zap.Logger) {
	status := t.state.CurrentStatus()
	p.publish(ctx, model.WorkflowStatusChangedEvent{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		EntityType:   t.entity.EntityType(),
		EntityID:     t.entity.EntityID(),
		WorkflowCode: t.code,
		From:         model.WorkflowInProgress,
		To:           status,
		StepCode:     stepCode,
		OccurredAt:   at,
	}, logger)
	p.publish(ctx, model.WorkflowCompletedEvent{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		EntityType:   t.entity.EntityType(),
		EntityID:     t.entity.EntityID(),
		WorkflowCode: t.code,
		HistoryID:    t.state.HistoryID,
		Status:       status,
		CompletedBy:  actorID,
		Reason:       reason,
		OccurredAt:   at,
	}, logger)
}

// publish sends an event after the entity was saved. Failures are logged;
// the transition already committed.
func (p *Processor) publish(ctx context.Context, event model.Event, logger *zap.Logger) {
	if p.events == nil {
		return
	}
	if err := p.events.Send(ctx, event); err != nil {
		logger.Error("workflow event not published",
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
	}
}

func (p *Processor) notify(ctx context.Context, n notification.Notice) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, n)
}
