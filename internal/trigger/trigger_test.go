package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/model"
)

type invoice struct {
	model.WorkflowState
	model.Fields
	id      string
	changed []string
}

func (i *invoice) EntityType() string      { return "Invoice" }
func (i *invoice) EntityID() string        { return i.id }
func (i *invoice) ChangedFields() []string { return i.changed }

type staticSource struct {
	cfg *model.EntityWorkflowConfig
	err error
}

func (s staticSource) EntityConfig(context.Context, string, string) (*model.EntityWorkflowConfig, error) {
	return s.cfg, s.err
}

func invoiceConfig() *model.EntityWorkflowConfig {
	return &model.EntityWorkflowConfig{
		Module:             "Finance",
		EntityType:         "Invoice",
		EnableOnCreate:     true,
		EnableOnUpdate:     true,
		CreateWorkflowCode: "WF-INVOICE",
		UpdateWorkflowCode: "WF-INVOICE-CHANGE",
		CreateTriggerConditions: []model.WorkflowCondition{
			{Field: "amount", Operator: model.OpGreaterThan, Value: 1000},
		},
		ExcludeUsers:               []string{"auditor-1"},
		ExcludeRoles:               []string{"SuperAdmin"},
		SignificantFieldsForUpdate: []string{"amount", "supplier"},
	}
}

func withUser(id string, roles ...string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: id, TenantID: "t1", Roles: roles})
}

func TestShouldTrigger(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		cfg    *model.EntityWorkflowConfig
		entity *invoice
		op     model.Operation
		module string
		want   bool
	}{
		{"condition holds", withUser("u1"), invoiceConfig(), &invoice{id: "1", Fields: model.Fields{"amount": 5000}}, model.OperationCreate, "Finance", true},
		{"condition fails", withUser("u1"), invoiceConfig(), &invoice{id: "1", Fields: model.Fields{"amount": 10}}, model.OperationCreate, "Finance", false},
		{"missing field fails closed", withUser("u1"), invoiceConfig(), &invoice{id: "1", Fields: model.Fields{}}, model.OperationCreate, "Finance", false},
		{"empty module", withUser("u1"), invoiceConfig(), &invoice{id: "1", Fields: model.Fields{"amount": 5000}}, model.OperationCreate, "", false},
		{"no config", withUser("u1"), nil, &invoice{id: "1", Fields: model.Fields{"amount": 5000}}, model.OperationCreate, "Finance", false},
		{"operation disabled", withUser("u1"), invoiceConfig(), &invoice{id: "1"}, model.OperationDelete, "Finance", false},
		{"excluded user ignores case", withUser("AUDITOR-1"), invoiceConfig(), &invoice{id: "1", Fields: model.Fields{"amount": 5000}}, model.OperationCreate, "Finance", false},
		{"excluded role", withUser("u1", "superadmin"), invoiceConfig(), &invoice{id: "1", Fields: model.Fields{"amount": 5000}}, model.OperationCreate, "Finance", false},
		{"no request context", context.Background(), invoiceConfig(), &invoice{id: "1", Fields: model.Fields{"amount": 5000}}, model.OperationCreate, "Finance", true},
		{"update without conditions", withUser("u1"), invoiceConfig(), &invoice{id: "1"}, model.OperationUpdate, "Finance", true},
		{"update touching significant field", withUser("u1"), invoiceConfig(), &invoice{id: "1", changed: []string{"Amount"}}, model.OperationUpdate, "Finance", true},
		{"update touching only insignificant field", withUser("u1"), invoiceConfig(), &invoice{id: "1", changed: []string{"notes"}}, model.OperationUpdate, "Finance", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(staticSource{cfg: tt.cfg}, nil, nil)
			got, err := e.ShouldTrigger(tt.ctx, tt.entity, tt.op, tt.module)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldTrigger_sourceError(t *testing.T) {
	e := NewEvaluator(staticSource{err: errors.New("down")}, nil, nil)
	_, err := e.ShouldTrigger(context.Background(), &invoice{id: "1"}, model.OperationCreate, "Finance")
	require.Error(t, err)
}

func TestWorkflowCodeFor(t *testing.T) {
	e := NewEvaluator(staticSource{cfg: invoiceConfig()}, nil, nil)
	ctx := context.Background()

	code, err := e.WorkflowCodeFor(ctx, "Finance", "Invoice", model.OperationUpdate)
	require.NoError(t, err)
	assert.Equal(t, "WF-INVOICE-CHANGE", code)

	code, err = e.WorkflowCodeFor(ctx, "Finance", "Invoice", model.OperationDelete)
	require.NoError(t, err)
	assert.Empty(t, code)

	code, err = e.WorkflowCodeFor(ctx, "", "Invoice", model.OperationCreate)
	require.NoError(t, err)
	assert.Empty(t, code)
}
