package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/condition"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Initiation describes a started workflow instance.
type Initiation struct {
	HistoryID    string
	Step         model.WorkflowStep
	AutoApproved bool

	// History holds the events to append once the save commits.
	History []model.WorkflowEvent
}

// Initiator starts workflow instances on entities.
type Initiator struct {
	conditions *condition.Evaluator
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewInitiator creates an Initiator.
func NewInitiator(conditions *condition.Evaluator, metrics *observability.Metrics, logger *zap.Logger) *Initiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conditions == nil {
		conditions = condition.NewEvaluator(logger)
	}
	return &Initiator{
		conditions: conditions,
		metrics:    metrics,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Initiate attaches a copy of def to the entity and moves it to
// InProgress at the definition's initial step. Entities created under a
// workflow stay drafts until approved. When the definition enables
// auto-approval and its conditions hold, the instance completes at once as
// Approved by the system actor.
func (i *Initiator) Initiate(ctx context.Context, entity model.WorkflowEnabled, op model.Operation, def *model.WorkflowDefinition, actor model.Actor) (Initiation, error) {
	if def == nil {
		return Initiation{}, model.NewEmptyDefinitionError("")
	}
	step, ok := def.InitialStep()
	if !ok {
		return Initiation{}, model.NewEmptyDefinitionError(def.Code)
	}

	state := entity.Workflow()
	if err := apply(state, triggerInitiate); err != nil {
		return Initiation{}, err
	}

	now := i.now()
	state.HistoryID = uuid.New().String()
	state.CurrentState = step.StepCode
	state.WorkflowCode = def.Code
	state.Definition = def.Clone()
	state.Operation = op
	state.Comments = ""
	state.InitiatedAt = &now
	state.InitiatedBy = actor.ID
	state.InitiatedByEmail = actor.Email
	state.InitiatedByName = actor.Name
	state.CompletedAt = nil
	state.CompletedBy = ""
	state.CompletedByName = ""
	state.RejectionReason = ""
	state.ResetApprovals()
	if op == model.OperationCreate {
		state.Draft = true
	}

	tenantID := tenantOf(ctx, entity)
	result := Initiation{HistoryID: state.HistoryID, Step: step}
	result.History = append(result.History, model.WorkflowEvent{
		ID:         uuid.New().String(),
		HistoryID:  state.HistoryID,
		TenantID:   tenantID,
		EntityType: entity.EntityType(),
		EntityID:   entity.EntityID(),
		StepCode:   step.StepCode,
		Event:      model.HistoryInitiated,
		ActorID:    actor.ID,
		Data:       map[string]any{"operation": string(op), "workflow_code": def.Code},
		Timestamp:  now,
	})
	i.metrics.RecordInitiation(def.Code, string(op))

	logger := i.logger.With(observability.EntityFields(entity)...)

	if def.AutoApproval.Enabled && i.conditions.EvaluateAll(entity, def.AutoApproval.Conditions) {
		if err := apply(state, triggerComplete); err != nil {
			return Initiation{}, err
		}
		state.CurrentState = model.StateApproved
		state.CompletedAt = &now
		state.CompletedBy = model.SystemActor.ID
		state.CompletedByName = model.SystemActor.Name
		state.Comments = "auto-approved"
		state.Draft = false

		result.AutoApproved = true
		result.History = append(result.History, model.WorkflowEvent{
			ID:         uuid.New().String(),
			HistoryID:  state.HistoryID,
			TenantID:   tenantID,
			EntityType: entity.EntityType(),
			EntityID:   entity.EntityID(),
			StepCode:   step.StepCode,
			Event:      model.HistoryAutoApproved,
			ActorID:    model.SystemActor.ID,
			Timestamp:  now,
		})
		i.metrics.RecordCompletion(def.Code, string(model.WorkflowApproved))
		logger.Info("workflow auto-approved", zap.String("history_id", state.HistoryID))
		return result, nil
	}

	logger.Info("workflow initiated",
		zap.String("history_id", state.HistoryID),
		zap.String("operation", string(op)),
		zap.String("initiated_by", actor.ID),
	)
	return result, nil
}

// tenantOf returns the entity's tenant, falling back to the request
// context.
func tenantOf(ctx context.Context, entity model.WorkflowEnabled) string {
	if ts, ok := entity.(model.TenantScoped); ok && ts.TenantID() != "" {
		return ts.TenantID()
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return rctx.TenantID
	}
	return ""
}
