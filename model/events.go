package model

import "time"

// Event is anything published through the event router.
type Event interface {
	EventType() string
}

// Event type names.
const (
	EventApprovalRequired      = "workflow.approval_required"
	EventWorkflowCompleted     = "workflow.completed"
	EventWorkflowStatusChanged = "workflow.status_changed"
	EventWorkflowChanged       = "workflow.changed"
	EventNotification          = "workflow.notification"
)

// IsCritical reports whether a publication failure for the event type must
// abort the caller instead of being queued for retry.
func IsCritical(eventType string) bool {
	switch eventType {
	case EventWorkflowStatusChanged, EventApprovalRequired, EventWorkflowChanged:
		return true
	}
	return false
}

// ApprovalRequiredEvent is raised when an entity enters InProgress.
type ApprovalRequiredEvent struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenant_id"`
	EntityType    string              `json:"entity_type"`
	EntityID      string              `json:"entity_id"`
	WorkflowCode  string              `json:"workflow_code"`
	HistoryID     string              `json:"history_id"`
	StepCode      string              `json:"step_code"`
	StepName      string              `json:"step_name"`
	ApproverRoles []string            `json:"approver_roles,omitempty"`
	InitiatedBy   string              `json:"initiated_by"`
	Definition    *WorkflowDefinition `json:"-"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// EventType implements Event.
func (ApprovalRequiredEvent) EventType() string { return EventApprovalRequired }

// WorkflowCompletedEvent is raised when a workflow reaches a terminal status.
type WorkflowCompletedEvent struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	WorkflowCode string         `json:"workflow_code"`
	HistoryID    string         `json:"history_id"`
	Status       WorkflowStatus `json:"status"`
	CompletedBy  string         `json:"completed_by"`
	Reason       string         `json:"reason,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// EventType implements Event.
func (WorkflowCompletedEvent) EventType() string { return EventWorkflowCompleted }

// WorkflowStatusChangedEvent records a status transition of an entity.
type WorkflowStatusChangedEvent struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	WorkflowCode string         `json:"workflow_code"`
	From         WorkflowStatus `json:"from"`
	To           WorkflowStatus `json:"to"`
	StepCode     string         `json:"step_code,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// EventType implements Event.
func (WorkflowStatusChangedEvent) EventType() string { return EventWorkflowStatusChanged }

// WorkflowChangedEvent records a step movement inside an in-progress workflow.
type WorkflowChangedEvent struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	WorkflowCode string    `json:"workflow_code"`
	FromStep     string    `json:"from_step"`
	ToStep       string    `json:"to_step"`
	ActorID      string    `json:"actor_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventType implements Event.
func (WorkflowChangedEvent) EventType() string { return EventWorkflowChanged }

// Notification channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// NotificationMessage is a rendered notification handed to the publisher.
type NotificationMessage struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	Event      string            `json:"event"`
	TenantID   string            `json:"tenant_id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Recipients []string          `json:"recipients"`
	Template   string            `json:"template,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body,omitempty"`
	Tokens     map[string]string `json:"tokens,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// EventType implements Event.
func (NotificationMessage) EventType() string { return EventNotification }
