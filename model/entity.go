package model

import (
	"strings"
	"time"
)

// FieldAccessor exposes an entity's fields by dotted path without
// reflection. The second result is false when the path does not resolve.
type FieldAccessor interface {
	WorkflowField(path string) (any, bool)
}

// WorkflowEnabled is implemented by every entity that can be governed by an
// approval workflow. Entities usually embed WorkflowState and return it from
// Workflow.
type WorkflowEnabled interface {
	FieldAccessor
	EntityType() string
	EntityID() string
	Workflow() *WorkflowState
}

// TenantScoped entities carry a tenant that the persistence hook stamps
// from the request context when absent.
type TenantScoped interface {
	TenantID() string
	SetTenantID(tenantID string)
}

// ModuleBound entities name the module their workflow configuration is
// registered under. Entities without a module never trigger workflows.
type ModuleBound interface {
	Module() string
}

// Auditable entities receive created/modified stamps on save.
type Auditable interface {
	StampCreated(by string, at time.Time)
	StampModified(by string, at time.Time)
}

// EventSource entities queue domain events that are published after a
// successful save.
type EventSource interface {
	PendingEvents() []Event
	ClearEvents()
}

// WorkflowState is the workflow bookkeeping carried by a WorkflowEnabled
// entity.
type WorkflowState struct {
	Status       WorkflowStatus      `json:"workflow_status"`
	HistoryID    string              `json:"current_workflow_history_id,omitempty"`
	CurrentState string              `json:"current_workflow_state,omitempty"`
	WorkflowCode string              `json:"workflow_code,omitempty"`
	Definition   *WorkflowDefinition `json:"workflow_definition,omitempty"`
	Operation    Operation           `json:"workflow_operation,omitempty"`
	Comments     string              `json:"workflow_comments,omitempty"`

	InitiatedAt      *time.Time `json:"workflow_initiated_at,omitempty"`
	InitiatedBy      string     `json:"workflow_initiated_by,omitempty"`
	InitiatedByEmail string     `json:"workflow_initiated_by_email,omitempty"`
	InitiatedByName  string     `json:"workflow_initiated_by_name,omitempty"`

	CompletedAt     *time.Time `json:"workflow_completed_at,omitempty"`
	CompletedBy     string     `json:"workflow_completed_by,omitempty"`
	CompletedByName string     `json:"workflow_completed_by_name,omitempty"`

	RejectionReason string `json:"rejection_reason,omitempty"`

	// ApprovalCount counts approvals received on CurrentState.
	ApprovalCount int `json:"workflow_approval_count,omitempty"`
	// StepApprovers are the actors that approved CurrentState so far.
	StepApprovers []string `json:"workflow_step_approvers,omitempty"`

	// Draft entities are not visible as active records until approved.
	Draft bool `json:"is_draft"`
}

// Workflow lets WorkflowState satisfy the Workflow method of
// WorkflowEnabled when embedded.
func (s *WorkflowState) Workflow() *WorkflowState { return s }

// CurrentStatus returns the status, mapping the zero value to NotStarted.
func (s *WorkflowState) CurrentStatus() WorkflowStatus {
	if s.Status == "" {
		return WorkflowNotStarted
	}
	return s.Status
}

// HasApproved reports whether actorID already approved the current step.
func (s *WorkflowState) HasApproved(actorID string) bool {
	for _, id := range s.StepApprovers {
		if id == actorID {
			return true
		}
	}
	return false
}

// ResetApprovals clears the approvals collected on the current step.
func (s *WorkflowState) ResetApprovals() {
	s.ApprovalCount = 0
	s.StepApprovers = nil
}

// CanBeEdited is false while a workflow is in progress.
func (s *WorkflowState) CanBeEdited() bool {
	return s.CurrentStatus() != WorkflowInProgress
}

// CanBeDeleted is false while a workflow is in progress.
func (s *WorkflowState) CanBeDeleted() bool {
	return s.CurrentStatus() != WorkflowInProgress
}

// IsActive reports whether the record is visible as an active record.
func (s *WorkflowState) IsActive() bool { return !s.Draft }

// Fields is a map-backed FieldAccessor. Nested maps and nested accessors are
// navigated segment by segment.
type Fields map[string]any

// WorkflowField resolves a dotted path.
func (f Fields) WorkflowField(path string) (any, bool) {
	return Lookup(map[string]any(f), path)
}

// Lookup resolves a dotted path through maps and FieldAccessors.
func Lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = data
	for i, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case Fields:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case FieldAccessor:
			return node.WorkflowField(strings.Join(parts[i:], "."))
		default:
			return nil, false
		}
	}
	return current, true
}

// EventRecorder is an embeddable EventSource.
type EventRecorder struct {
	events []Event
}

// Raise queues a domain event.
func (r *EventRecorder) Raise(e Event) { r.events = append(r.events, e) }

// PendingEvents returns the queued events.
func (r *EventRecorder) PendingEvents() []Event { return r.events }

// ClearEvents drops the queued events.
func (r *EventRecorder) ClearEvents() { r.events = nil }

// ChangeTracker entities report which fields changed since they were
// loaded. Update triggers consult it for significant-field filtering.
type ChangeTracker interface {
	ChangedFields() []string
}
