package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/model"
)

var initiator = model.Actor{ID: "u-1", Email: "clerk@example.com", Name: "Clerk"}

func TestInitiate_startsAtInitialStep(t *testing.T) {
	po := &purchaseOrder{id: "po-1", tenant: testTenant, Fields: model.Fields{"amount": 500}}
	def := twoStepDefinition()

	got, err := NewInitiator(nil, nil, nil).Initiate(context.Background(), po, model.OperationCreate, def, initiator)
	require.NoError(t, err)

	assert.False(t, got.AutoApproved)
	assert.Equal(t, "manager", got.Step.StepCode)
	assert.NotEmpty(t, got.HistoryID)
	assert.Equal(t, model.WorkflowInProgress, po.Status)
	assert.Equal(t, "manager", po.CurrentState)
	assert.Equal(t, "WF-PO", po.WorkflowCode)
	assert.Equal(t, model.OperationCreate, po.Operation)
	assert.True(t, po.Draft)
	assert.Equal(t, "clerk@example.com", po.InitiatedByEmail)
	require.NotNil(t, po.InitiatedAt)

	require.Len(t, got.History, 1)
	assert.Equal(t, model.HistoryInitiated, got.History[0].Event)
	assert.Equal(t, testTenant, got.History[0].TenantID)
	assert.Equal(t, got.HistoryID, got.History[0].HistoryID)
}

func TestInitiate_attachesIndependentSnapshot(t *testing.T) {
	po := &purchaseOrder{id: "po-1", tenant: testTenant}
	def := twoStepDefinition()

	_, err := NewInitiator(nil, nil, nil).Initiate(context.Background(), po, model.OperationUpdate, def, initiator)
	require.NoError(t, err)

	def.Steps[0].Name = "changed"
	assert.NotEqual(t, "changed", po.Definition.Steps[0].Name)
	assert.False(t, po.Draft, "updates do not make drafts")
}

func TestInitiate_emptyDefinition(t *testing.T) {
	po := &purchaseOrder{id: "po-1"}
	_, err := NewInitiator(nil, nil, nil).Initiate(context.Background(), po, model.OperationCreate, &model.WorkflowDefinition{Code: "WF-EMPTY"}, initiator)
	assert.Equal(t, model.ErrEmptyDefinition, model.CodeOf(err))
	assert.Equal(t, model.WorkflowNotStarted, po.CurrentStatus())

	_, err = NewInitiator(nil, nil, nil).Initiate(context.Background(), po, model.OperationCreate, nil, initiator)
	assert.Equal(t, model.ErrEmptyDefinition, model.CodeOf(err))
}

func TestInitiate_refusedWhileInProgress(t *testing.T) {
	po := &purchaseOrder{id: "po-1"}
	po.Status = model.WorkflowInProgress

	_, err := NewInitiator(nil, nil, nil).Initiate(context.Background(), po, model.OperationUpdate, twoStepDefinition(), initiator)
	assert.Equal(t, model.ErrInvalidTransition, model.CodeOf(err))
}

func TestInitiate_restartsAfterRejection(t *testing.T) {
	po := &purchaseOrder{id: "po-1"}
	po.Status = model.WorkflowRejected
	po.RejectionReason = "too expensive"

	_, err := NewInitiator(nil, nil, nil).Initiate(context.Background(), po, model.OperationUpdate, twoStepDefinition(), initiator)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowInProgress, po.Status)
	assert.Empty(t, po.RejectionReason)
	assert.Nil(t, po.CompletedAt)
}

func TestInitiate_autoApproval(t *testing.T) {
	def := twoStepDefinition()
	def.AutoApproval = model.AutoApprovalSettings{
		Enabled:    true,
		Conditions: []model.WorkflowCondition{{Field: "amount", Operator: model.OpLessThan, Value: 100}},
	}

	small := &purchaseOrder{id: "po-small", tenant: testTenant, Fields: model.Fields{"amount": 50}}
	got, err := NewInitiator(nil, nil, nil).Initiate(context.Background(), small, model.OperationCreate, def, initiator)
	require.NoError(t, err)
	assert.True(t, got.AutoApproved)
	assert.Equal(t, model.WorkflowApproved, small.Status)
	assert.Equal(t, model.StateApproved, small.CurrentState)
	assert.Equal(t, model.SystemActor.ID, small.CompletedBy)
	assert.False(t, small.Draft)
	require.Len(t, got.History, 2)
	assert.Equal(t, model.HistoryAutoApproved, got.History[1].Event)

	large := &purchaseOrder{id: "po-large", tenant: testTenant, Fields: model.Fields{"amount": 5000}}
	got, err = NewInitiator(nil, nil, nil).Initiate(context.Background(), large, model.OperationCreate, def, initiator)
	require.NoError(t, err)
	assert.False(t, got.AutoApproved)
	assert.Equal(t, model.WorkflowInProgress, large.Status)
}

func TestTenantOf(t *testing.T) {
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{TenantID: "from-ctx"})

	assert.Equal(t, "own", tenantOf(ctx, &purchaseOrder{tenant: "own"}))
	assert.Equal(t, "from-ctx", tenantOf(ctx, &purchaseOrder{}))
	assert.Equal(t, "", tenantOf(context.Background(), &purchaseOrder{}))
}
