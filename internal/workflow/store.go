package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/approvals/model"
)

// StepResolver resolves the active EntityWorkflowStep for a workflow code
// and entity type. Implementations return a NOT_FOUND envelope when no
// active binding exists.
type StepResolver interface {
	ActiveStep(ctx context.Context, workflowCode, entityType string) (*model.EntityWorkflowStep, error)
}

// StepStore persists EntityWorkflowStep bindings.
type StepStore interface {
	StepResolver

	// Save upserts a binding by ID. Saving an active binding deactivates any
	// other active binding for the same workflow code and entity type.
	Save(ctx context.Context, step model.EntityWorkflowStep) error

	// Deactivate marks a binding inactive. Returns NOT_FOUND for unknown IDs.
	Deactivate(ctx context.Context, id string) error

	// List returns every binding, active or not.
	List(ctx context.Context) ([]model.EntityWorkflowStep, error)
}

// HistoryStore persists the approval history of entities.
type HistoryStore interface {
	// Append adds an event to the history.
	Append(ctx context.Context, event model.WorkflowEvent) error

	// ForEntity returns the history of an entity ordered by timestamp,
	// scoped to a tenant.
	ForEntity(ctx context.Context, tenantID, entityType, entityID string, filters HistoryFilters) ([]model.WorkflowEvent, error)
}

// HistoryFilters are optional filters for listing history.
type HistoryFilters struct {
	HistoryID string
	Limit     int
	Offset    int
}

// SyncSteps makes the store's active bindings match active: every binding
// in active is saved, and stored active bindings missing from it are
// deactivated. It returns the number of deactivated bindings.
func SyncSteps(ctx context.Context, store StepStore, active []model.EntityWorkflowStep) (int, error) {
	keep := make(map[string]bool, len(active))
	for _, step := range active {
		step.IsActive = true
		if err := store.Save(ctx, step); err != nil {
			return 0, fmt.Errorf("sync binding %s: %w", step.ID, err)
		}
		keep[step.ID] = true
	}

	stored, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync bindings: list: %w", err)
	}
	deactivated := 0
	for _, step := range stored {
		if !step.IsActive || keep[step.ID] {
			continue
		}
		if err := store.Deactivate(ctx, step.ID); err != nil {
			return deactivated, fmt.Errorf("sync binding %s: deactivate: %w", step.ID, err)
		}
		deactivated++
	}
	return deactivated, nil
}
