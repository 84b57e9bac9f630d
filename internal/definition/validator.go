package definition

import (
	"fmt"

	"github.com/pitabwire/approvals/model"
)

// Severity levels for validation findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// VError describes a single validation finding in a bundle.
type VError struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates bundles structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Errors filters findings down to those with error severity.
func Errors(findings []VError) []VError {
	var out []VError
	for _, f := range findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

func errAt(path, code, msg string) VError {
	return VError{Path: path, Code: code, Message: msg, Severity: SeverityError}
}

func warnAt(path, code, msg string) VError {
	return VError{Path: path, Code: code, Message: msg, Severity: SeverityWarning}
}

// Validate checks all bundles together, since bindings and entity configs
// may reference workflows declared in other files.
func (v *Validator) Validate(bundles []Bundle) []VError {
	var errs []VError

	workflows := make(map[string]bool)
	templates := make(map[string]bool)
	for _, b := range bundles {
		for name := range b.Templates {
			templates[name] = true
		}
	}

	for i, b := range bundles {
		for j, w := range b.Workflows {
			prefix := fmt.Sprintf("bundles[%d].workflows[%d]", i, j)
			if w.Code != "" && workflows[w.Code] {
				errs = append(errs, errAt(prefix+".code", "DUPLICATE", fmt.Sprintf("workflow code %q is declared more than once", w.Code)))
			}
			workflows[w.Code] = true
			errs = append(errs, v.validateWorkflow(prefix, w, templates)...)
		}
	}

	configKeys := make(map[string]bool)
	activeBindings := make(map[string]bool)
	for i, b := range bundles {
		for j, c := range b.EntityConfigs {
			prefix := fmt.Sprintf("bundles[%d].entity_configs[%d]", i, j)
			if configKeys[c.Key()] {
				errs = append(errs, errAt(prefix, "DUPLICATE", fmt.Sprintf("configuration for %s/%s is declared more than once", c.Module, c.EntityType)))
			}
			configKeys[c.Key()] = true
			errs = append(errs, v.validateEntityConfig(prefix, c, workflows)...)
		}
		for j, bind := range b.Bindings {
			prefix := fmt.Sprintf("bundles[%d].bindings[%d]", i, j)
			if bind.WorkflowCode == "" || bind.EntityType == "" {
				errs = append(errs, errAt(prefix, "REQUIRED", "workflow_code and entity_type are required"))
				continue
			}
			if !workflows[bind.WorkflowCode] {
				errs = append(errs, errAt(prefix+".workflow_code", "UNKNOWN_WORKFLOW", fmt.Sprintf("workflow %q is not defined", bind.WorkflowCode)))
			}
			if bind.Disabled {
				continue
			}
			key := stepKey(bind.WorkflowCode, bind.EntityType)
			if activeBindings[key] {
				errs = append(errs, errAt(prefix, "DUPLICATE_ACTIVE", fmt.Sprintf("more than one active binding for %s/%s", bind.WorkflowCode, bind.EntityType)))
			}
			activeBindings[key] = true
		}
	}

	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition, templates map[string]bool) []VError {
	var errs []VError

	if w.Code == "" {
		errs = append(errs, errAt(prefix+".code", "REQUIRED", "code is required"))
	}
	if len(w.Steps) == 0 {
		errs = append(errs, errAt(prefix+".steps", "EMPTY", "at least one step is required"))
		return errs
	}

	codes := make(map[string]bool, len(w.Steps))
	orders := make(map[int]string, len(w.Steps))
	for i, s := range w.Steps {
		path := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.StepCode == "" {
			errs = append(errs, errAt(path+".step_code", "REQUIRED", "step_code is required"))
		} else if codes[s.StepCode] {
			errs = append(errs, errAt(path+".step_code", "DUPLICATE", fmt.Sprintf("step code %q is declared more than once", s.StepCode)))
		}
		codes[s.StepCode] = true
		if other, ok := orders[s.Order]; ok {
			errs = append(errs, warnAt(path+".order", "DUPLICATE_ORDER",
				fmt.Sprintf("order %d is shared with step %q; ties are broken by step code", s.Order, other)))
		} else {
			orders[s.Order] = s.StepCode
		}
		if s.RequiredApprovals < 0 {
			errs = append(errs, errAt(path+".required_approvals", "INVALID", "required_approvals must not be negative"))
		}
		errs = append(errs, validateConditions(path+".conditions", s.Conditions)...)
	}

	for i, s := range w.Steps {
		path := fmt.Sprintf("%s.steps[%d]", prefix, i)
		for name, action := range map[string]*model.WorkflowStepAction{"on_approval": s.OnApproval, "on_rejection": s.OnRejection} {
			if action == nil || action.NextStepCode == "" {
				continue
			}
			if !codes[action.NextStepCode] {
				errs = append(errs, errAt(path+"."+name+".next_step_code", "UNKNOWN_STEP",
					fmt.Sprintf("next step %q does not exist", action.NextStepCode)))
			}
			if action.NextStepCode == s.StepCode {
				errs = append(errs, errAt(path+"."+name+".next_step_code", "SELF_REFERENCE", "a step cannot advance to itself"))
			}
			if action.CompleteWorkflow {
				errs = append(errs, warnAt(path+"."+name, "AMBIGUOUS_ACTION", "complete_workflow takes precedence over next_step_code"))
			}
		}
	}

	errs = append(errs, validateConditions(prefix+".auto_approval.conditions", w.AutoApproval.Conditions)...)

	for event, name := range w.Notifications.Templates {
		if !templates[name] {
			errs = append(errs, warnAt(prefix+".notifications.templates."+event, "UNKNOWN_TEMPLATE",
				fmt.Sprintf("template %q is not defined", name)))
		}
	}

	return errs
}

func (v *Validator) validateEntityConfig(prefix string, c model.EntityWorkflowConfig, workflows map[string]bool) []VError {
	var errs []VError

	if c.Module == "" {
		errs = append(errs, errAt(prefix+".module", "REQUIRED", "module is required"))
	}
	if c.EntityType == "" {
		errs = append(errs, errAt(prefix+".entity_type", "REQUIRED", "entity_type is required"))
	}

	for _, op := range []model.Operation{model.OperationCreate, model.OperationUpdate, model.OperationDelete} {
		code := c.WorkflowCodeFor(op)
		if c.Enabled(op) && code == "" {
			errs = append(errs, errAt(fmt.Sprintf("%s.%s_workflow_code", prefix, lower(op)), "REQUIRED",
				fmt.Sprintf("%s is enabled but has no workflow code", op)))
		}
		if code != "" && !workflows[code] {
			errs = append(errs, errAt(fmt.Sprintf("%s.%s_workflow_code", prefix, lower(op)), "UNKNOWN_WORKFLOW",
				fmt.Sprintf("workflow %q is not defined", code)))
		}
		errs = append(errs, validateConditions(fmt.Sprintf("%s.%s_trigger_conditions", prefix, lower(op)), c.TriggerConditionsFor(op))...)
	}

	return errs
}

func validateConditions(prefix string, conds []model.WorkflowCondition) []VError {
	var errs []VError
	for i, c := range conds {
		path := fmt.Sprintf("%s[%d]", prefix, i)
		if c.Field == "" {
			errs = append(errs, errAt(path+".field", "REQUIRED", "field is required"))
		}
		if !c.Operator.Valid() {
			errs = append(errs, errAt(path+".operator", "UNKNOWN_OPERATOR", fmt.Sprintf("operator %q is not supported", c.Operator)))
		}
		if c.Logic == model.LogicOr {
			errs = append(errs, warnAt(path+".logic", "UNSUPPORTED_LOGIC", "OR is evaluated as AND"))
		}
	}
	return errs
}

func lower(op model.Operation) string {
	switch op {
	case model.OperationCreate:
		return "create"
	case model.OperationUpdate:
		return "update"
	}
	return "delete"
}
