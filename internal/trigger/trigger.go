// Package trigger decides whether a save should start an approval workflow.
package trigger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/condition"
	"github.com/pitabwire/approvals/internal/configcache"
	"github.com/pitabwire/approvals/model"
)

// Evaluator evaluates trigger rules from EntityWorkflowConfigs.
type Evaluator struct {
	configs    configcache.Source
	conditions *condition.Evaluator
	logger     *zap.Logger
}

// NewEvaluator creates a trigger Evaluator.
func NewEvaluator(configs configcache.Source, conditions *condition.Evaluator, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conditions == nil {
		conditions = condition.NewEvaluator(logger)
	}
	return &Evaluator{configs: configs, conditions: conditions, logger: logger}
}

// ShouldTrigger reports whether saving the entity with the given operation
// must start a workflow. The acting user is read from the request context
// for exclusion checks.
func (e *Evaluator) ShouldTrigger(ctx context.Context, entity model.WorkflowEnabled, op model.Operation, module string) (bool, error) {
	if module == "" || entity == nil {
		return false, nil
	}

	cfg, err := e.configs.EntityConfig(ctx, module, entity.EntityType())
	if err != nil {
		return false, fmt.Errorf("trigger: resolving config for %s: %w", entity.EntityType(), err)
	}
	if cfg == nil || !cfg.Enabled(op) {
		return false, nil
	}

	logger := e.logger.With(
		zap.String("entity_type", entity.EntityType()),
		zap.String("entity_id", entity.EntityID()),
		zap.String("operation", string(op)),
	)

	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if cfg.ExcludesUser(rctx.SubjectID) {
			logger.Debug("workflow skipped for excluded user", zap.String("subject_id", rctx.SubjectID))
			return false, nil
		}
		if cfg.ExcludesAnyRole(rctx.Roles) {
			logger.Debug("workflow skipped for excluded role", zap.Strings("roles", rctx.Roles))
			return false, nil
		}
	}

	if op == model.OperationUpdate && !significantChange(cfg, entity) {
		logger.Debug("workflow skipped, no significant field changed")
		return false, nil
	}

	ok := e.conditions.EvaluateAll(entity, cfg.TriggerConditionsFor(op))
	logger.Debug("trigger conditions evaluated", zap.Bool("triggered", ok))
	return ok, nil
}

// WorkflowCodeFor returns the workflow code configured for the operation,
// or "" when none is configured or the operation is disabled.
func (e *Evaluator) WorkflowCodeFor(ctx context.Context, module, entityType string, op model.Operation) (string, error) {
	if module == "" {
		return "", nil
	}
	cfg, err := e.configs.EntityConfig(ctx, module, entityType)
	if err != nil {
		return "", fmt.Errorf("trigger: resolving config for %s: %w", entityType, err)
	}
	if cfg == nil || !cfg.Enabled(op) {
		return "", nil
	}
	return cfg.WorkflowCodeFor(op), nil
}

// significantChange holds when no significant fields are configured, when
// the entity does not track changes, or when a tracked change touches a
// significant field.
func significantChange(cfg *model.EntityWorkflowConfig, entity model.WorkflowEnabled) bool {
	if len(cfg.SignificantFieldsForUpdate) == 0 {
		return true
	}
	tracker, ok := entity.(model.ChangeTracker)
	if !ok {
		return true
	}
	changed := tracker.ChangedFields()
	if changed == nil {
		return true
	}
	for _, c := range changed {
		for _, s := range cfg.SignificantFieldsForUpdate {
			if strings.EqualFold(c, s) {
				return true
			}
		}
	}
	return false
}
