package workflow

import (
	"context"
	"sync"

	"github.com/pitabwire/approvals/internal/notification"
	"github.com/pitabwire/approvals/model"
)

const testTenant = "tenant-1"

type purchaseOrder struct {
	model.WorkflowState
	model.Fields
	id     string
	tenant string
}

func (p *purchaseOrder) EntityType() string        { return "PurchaseOrder" }
func (p *purchaseOrder) EntityID() string          { return p.id }
func (p *purchaseOrder) TenantID() string          { return p.tenant }
func (p *purchaseOrder) SetTenantID(tenant string) { p.tenant = tenant }

// twoStepDefinition is manager (order 1) then finance (order 2), with an
// optional director step between them that applies to large amounts.
func twoStepDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Code: "WF-PO",
		Name: "Purchase order approval",
		Steps: []model.WorkflowStep{
			{
				StepCode: "finance", Name: "Finance", Order: 3,
				ApproverRoles: []string{"finance"},
				OnApproval:    &model.WorkflowStepAction{CompleteWorkflow: true},
				OnRejection:   &model.WorkflowStepAction{SendEmailTo: []string{"finance@example.com"}},
			},
			{
				StepCode: "manager", Name: "Manager", Order: 1,
				ApproverRoles: []string{"manager"},
				OnApproval:    &model.WorkflowStepAction{NextStepCode: "director"},
			},
			{
				StepCode: "director", Name: "Director", Order: 2,
				IsOptional: true,
				Conditions: []model.WorkflowCondition{
					{Field: "amount", Operator: model.OpGreaterThan, Value: 10000},
				},
				OnApproval: &model.WorkflowStepAction{NextStepCode: "finance"},
			},
		},
		Notifications: model.NotificationSettings{
			SendEmailNotifications: true,
			OnCompletion:           []string{"ap@example.com"},
		},
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notification.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notification.Notice) []model.NotificationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Event)
	}
	return out
}

type recordingEvents struct {
	mu   sync.Mutex
	sent []model.Event
	err  error
}

func (r *recordingEvents) Send(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, e)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, e := range r.sent {
		out = append(out, e.EventType())
	}
	return out
}
