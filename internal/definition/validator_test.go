package definition

import (
	"strings"
	"testing"

	"github.com/pitabwire/approvals/model"
)

func validBundle() Bundle {
	return Bundle{
		Module: "Finance",
		Workflows: []model.WorkflowDefinition{{
			Code: "WF-INVOICE",
			Steps: []model.WorkflowStep{
				{StepCode: "HR", Order: 1, OnApproval: &model.WorkflowStepAction{NextStepCode: "IT"}},
				{StepCode: "IT", Order: 2, OnApproval: &model.WorkflowStepAction{CompleteWorkflow: true}},
			},
			Notifications: model.NotificationSettings{Templates: map[string]string{"start": "tpl"}},
		}},
		Bindings: []Binding{{WorkflowCode: "WF-INVOICE", EntityType: "Invoice"}},
		EntityConfigs: []model.EntityWorkflowConfig{{
			Module: "Finance", EntityType: "Invoice",
			EnableOnCreate: true, CreateWorkflowCode: "WF-INVOICE",
			CreateTriggerConditions: []model.WorkflowCondition{{Field: "amount", Operator: model.OpGreaterThan, Value: 1000}},
		}},
		Templates: map[string]string{"tpl": "{{EntityId}}"},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	errs := NewValidator().Validate([]Bundle{validBundle()})
	if len(errs) != 0 {
		t.Errorf("Validate() = %v, want no findings", errs)
	}
}

func TestValidator_findings(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(b *Bundle)
		code     string
		severity string
	}{
		{
			name:     "empty steps",
			mutate:   func(b *Bundle) { b.Workflows[0].Steps = nil },
			code:     "EMPTY",
			severity: SeverityError,
		},
		{
			name: "duplicate step code",
			mutate: func(b *Bundle) {
				b.Workflows[0].Steps = append(b.Workflows[0].Steps, model.WorkflowStep{StepCode: "HR", Order: 3})
			},
			code:     "DUPLICATE",
			severity: SeverityError,
		},
		{
			name:     "dangling next step",
			mutate:   func(b *Bundle) { b.Workflows[0].Steps[0].OnApproval.NextStepCode = "LEGAL" },
			code:     "UNKNOWN_STEP",
			severity: SeverityError,
		},
		{
			name:     "self reference",
			mutate:   func(b *Bundle) { b.Workflows[0].Steps[0].OnApproval.NextStepCode = "HR" },
			code:     "SELF_REFERENCE",
			severity: SeverityError,
		},
		{
			name:     "order tie",
			mutate:   func(b *Bundle) { b.Workflows[0].Steps[1].Order = 1 },
			code:     "DUPLICATE_ORDER",
			severity: SeverityWarning,
		},
		{
			name: "unknown operator",
			mutate: func(b *Bundle) {
				b.EntityConfigs[0].CreateTriggerConditions[0].Operator = "Between"
			},
			code:     "UNKNOWN_OPERATOR",
			severity: SeverityError,
		},
		{
			name:     "enabled without code",
			mutate:   func(b *Bundle) { b.EntityConfigs[0].EnableOnUpdate = true },
			code:     "REQUIRED",
			severity: SeverityError,
		},
		{
			name:     "unknown workflow in config",
			mutate:   func(b *Bundle) { b.EntityConfigs[0].CreateWorkflowCode = "WF-NONE" },
			code:     "UNKNOWN_WORKFLOW",
			severity: SeverityError,
		},
		{
			name: "duplicate active binding",
			mutate: func(b *Bundle) {
				b.Bindings = append(b.Bindings, Binding{WorkflowCode: "WF-INVOICE", EntityType: "invoice"})
			},
			code:     "DUPLICATE_ACTIVE",
			severity: SeverityError,
		},
		{
			name:     "unknown template",
			mutate:   func(b *Bundle) { b.Templates = nil },
			code:     "UNKNOWN_TEMPLATE",
			severity: SeverityWarning,
		},
		{
			name: "or logic",
			mutate: func(b *Bundle) {
				b.EntityConfigs[0].CreateTriggerConditions[0].Logic = model.LogicOr
			},
			code:     "UNSUPPORTED_LOGIC",
			severity: SeverityWarning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBundle()
			tt.mutate(&b)
			errs := NewValidator().Validate([]Bundle{b})
			var found *VError
			for i := range errs {
				if errs[i].Code == tt.code {
					found = &errs[i]
					break
				}
			}
			if found == nil {
				t.Fatalf("Validate() = %v, want code %s", errs, tt.code)
			}
			if found.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", found.Severity, tt.severity)
			}
		})
	}
}

func TestValidator_duplicateWorkflowAcrossBundles(t *testing.T) {
	a := validBundle()
	b := validBundle()
	b.Bindings = nil
	b.EntityConfigs = nil
	errs := NewValidator().Validate([]Bundle{a, b})
	if !hasCode(errs, "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE", errs)
	}
}

func TestErrors_filtersWarnings(t *testing.T) {
	findings := []VError{
		{Code: "A", Severity: SeverityWarning},
		{Code: "B", Severity: SeverityError},
	}
	errs := Errors(findings)
	if len(errs) != 1 || errs[0].Code != "B" {
		t.Errorf("Errors() = %v, want [B]", errs)
	}
	if !strings.Contains(errs[0].Error(), ":") {
		t.Errorf("Error() = %q", errs[0].Error())
	}
}
