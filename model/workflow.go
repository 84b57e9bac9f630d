package model

import (
	"sort"
	"time"
)

// WorkflowStatus is the lifecycle status of an approval workflow attached to
// an entity.
type WorkflowStatus string

// Workflow status constants.
const (
	WorkflowNotStarted WorkflowStatus = "NotStarted"
	WorkflowInProgress WorkflowStatus = "InProgress"
	WorkflowApproved   WorkflowStatus = "Approved"
	WorkflowRejected   WorkflowStatus = "Rejected"
)

// IsTerminal reports whether no further transitions are expected.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowApproved || s == WorkflowRejected
}

// Valid reports whether s is one of the known statuses. The zero value is
// treated as NotStarted.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case "", WorkflowNotStarted, WorkflowInProgress, WorkflowApproved, WorkflowRejected:
		return true
	}
	return false
}

// Terminal sentinels written to CurrentState once a workflow has finished.
const (
	StateApproved = "Approved"
	StateRejected = "Rejected"
)

// Operation is a persistence operation that may trigger a workflow.
type Operation string

// Operation constants.
const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

// Notification event names used for policy lists and templates.
const (
	NotifyOnStart      = "start"
	NotifyOnApproval   = "approval"
	NotifyOnRejection  = "rejection"
	NotifyOnCompletion = "completion"
	NotifyOnTimeout    = "timeout"
)

// WorkflowDefinition describes an ordered set of approval steps. Once
// attached to an entity it is treated as immutable.
type WorkflowDefinition struct {
	Code          string               `yaml:"code"           json:"code"`
	Name          string               `yaml:"name"           json:"name"`
	Version       int                  `yaml:"version"        json:"version"`
	Steps         []WorkflowStep       `yaml:"steps"          json:"steps"`
	Notifications NotificationSettings `yaml:"notifications"  json:"notifications"`
	Escalation    EscalationSettings   `yaml:"escalation"     json:"escalation"`
	AutoApproval  AutoApprovalSettings `yaml:"auto_approval"  json:"auto_approval"`
	Timeout       TimeoutSettings      `yaml:"timeout"        json:"timeout"`
}

// WorkflowStep is a single approval stage.
type WorkflowStep struct {
	StepCode          string              `yaml:"step_code"          json:"step_code"`
	Name              string              `yaml:"name"               json:"name"`
	Order             int                 `yaml:"order"              json:"order"`
	ApproverRoles     []string            `yaml:"approver_roles"     json:"approver_roles,omitempty"`
	RequiredApprovals int                 `yaml:"required_approvals" json:"required_approvals,omitempty"`
	TimeoutDays       int                 `yaml:"timeout_days"       json:"timeout_days,omitempty"`
	IsOptional        bool                `yaml:"is_optional"        json:"is_optional,omitempty"`
	Conditions        []WorkflowCondition `yaml:"conditions"         json:"conditions,omitempty"`
	OnApproval        *WorkflowStepAction `yaml:"on_approval"        json:"on_approval,omitempty"`
	OnRejection       *WorkflowStepAction `yaml:"on_rejection"       json:"on_rejection,omitempty"`
}

// WorkflowStepAction describes what happens after a step is decided.
type WorkflowStepAction struct {
	SendNotificationTo []string `yaml:"send_notification_to" json:"send_notification_to,omitempty"`
	SendEmailTo        []string `yaml:"send_email_to"        json:"send_email_to,omitempty"`
	NextStepCode       string   `yaml:"next_step_code"       json:"next_step_code,omitempty"`
	CompleteWorkflow   bool     `yaml:"complete_workflow"    json:"complete_workflow,omitempty"`
}

// NotificationSettings gates channels and lists per-event email recipients.
type NotificationSettings struct {
	SendEmailNotifications bool              `yaml:"send_email_notifications" json:"send_email_notifications"`
	SendSmsNotifications   bool              `yaml:"send_sms_notifications"   json:"send_sms_notifications"`
	OnStart                []string          `yaml:"on_start"                 json:"on_start,omitempty"`
	OnApproval             []string          `yaml:"on_approval"              json:"on_approval,omitempty"`
	OnRejection            []string          `yaml:"on_rejection"             json:"on_rejection,omitempty"`
	OnCompletion           []string          `yaml:"on_completion"            json:"on_completion,omitempty"`
	OnTimeout              []string          `yaml:"on_timeout"               json:"on_timeout,omitempty"`
	Templates              map[string]string `yaml:"templates"                json:"templates,omitempty"`
}

// PolicyFor returns the email policy list configured for the given event.
func (n NotificationSettings) PolicyFor(event string) []string {
	switch event {
	case NotifyOnStart:
		return n.OnStart
	case NotifyOnApproval:
		return n.OnApproval
	case NotifyOnRejection:
		return n.OnRejection
	case NotifyOnCompletion:
		return n.OnCompletion
	case NotifyOnTimeout:
		return n.OnTimeout
	}
	return nil
}

// EscalationSettings is carried as data; nothing schedules escalations.
type EscalationSettings struct {
	Enabled           bool     `yaml:"enabled"             json:"enabled"`
	EscalateAfterDays int      `yaml:"escalate_after_days" json:"escalate_after_days,omitempty"`
	EscalateTo        []string `yaml:"escalate_to"         json:"escalate_to,omitempty"`
}

// AutoApprovalSettings completes a workflow at initiation when all
// conditions hold on the entity.
type AutoApprovalSettings struct {
	Enabled    bool                `yaml:"enabled"    json:"enabled"`
	Conditions []WorkflowCondition `yaml:"conditions" json:"conditions,omitempty"`
}

// TimeoutSettings is carried as data; nothing schedules timeouts.
type TimeoutSettings struct {
	Enabled     bool   `yaml:"enabled"      json:"enabled"`
	TimeoutDays int    `yaml:"timeout_days" json:"timeout_days,omitempty"`
	Action      string `yaml:"action"       json:"action,omitempty"`
}

// InitialStep returns the step with the lowest Order. Steps sharing an
// order are ranked by StepCode so the choice never depends on declaration
// order.
func (d *WorkflowDefinition) InitialStep() (WorkflowStep, bool) {
	steps := d.OrderedSteps()
	if len(steps) == 0 {
		return WorkflowStep{}, false
	}
	return steps[0], true
}

// OrderedSteps returns a copy of the steps sorted by (Order, StepCode).
func (d *WorkflowDefinition) OrderedSteps() []WorkflowStep {
	steps := make([]WorkflowStep, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].StepCode < steps[j].StepCode
	})
	return steps
}

// FindStep returns the step with the given code.
func (d *WorkflowDefinition) FindStep(code string) (WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.StepCode == code {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// Clone returns a deep copy so a definition attached to an entity cannot be
// changed through the registry's copy.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.Steps = make([]WorkflowStep, len(d.Steps))
	for i, s := range d.Steps {
		s.ApproverRoles = cloneStrings(s.ApproverRoles)
		s.Conditions = cloneConditions(s.Conditions)
		s.OnApproval = s.OnApproval.clone()
		s.OnRejection = s.OnRejection.clone()
		c.Steps[i] = s
	}
	c.Notifications.OnStart = cloneStrings(d.Notifications.OnStart)
	c.Notifications.OnApproval = cloneStrings(d.Notifications.OnApproval)
	c.Notifications.OnRejection = cloneStrings(d.Notifications.OnRejection)
	c.Notifications.OnCompletion = cloneStrings(d.Notifications.OnCompletion)
	c.Notifications.OnTimeout = cloneStrings(d.Notifications.OnTimeout)
	if d.Notifications.Templates != nil {
		c.Notifications.Templates = make(map[string]string, len(d.Notifications.Templates))
		for k, v := range d.Notifications.Templates {
			c.Notifications.Templates[k] = v
		}
	}
	c.Escalation.EscalateTo = cloneStrings(d.Escalation.EscalateTo)
	c.AutoApproval.Conditions = cloneConditions(d.AutoApproval.Conditions)
	return &c
}

func (a *WorkflowStepAction) clone() *WorkflowStepAction {
	if a == nil {
		return nil
	}
	c := *a
	c.SendNotificationTo = cloneStrings(a.SendNotificationTo)
	c.SendEmailTo = cloneStrings(a.SendEmailTo)
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneConditions(in []WorkflowCondition) []WorkflowCondition {
	if in == nil {
		return nil
	}
	out := make([]WorkflowCondition, len(in))
	copy(out, in)
	return out
}

// EntityWorkflowStep binds a workflow code and entity type to the definition
// that is active for that pair. At most one active binding exists per pair.
type EntityWorkflowStep struct {
	ID           string             `yaml:"id"            json:"id"`
	WorkflowCode string             `yaml:"workflow_code" json:"workflow_code"`
	EntityType   string             `yaml:"entity_type"   json:"entity_type"`
	IsActive     bool               `yaml:"is_active"     json:"is_active"`
	Definition   WorkflowDefinition `yaml:"definition"    json:"definition"`
	CreatedAt    time.Time          `yaml:"-"             json:"created_at"`
	UpdatedAt    time.Time          `yaml:"-"             json:"updated_at"`
}

// WorkflowEvent records an entry in an entity's approval history.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	HistoryID  string         `json:"history_id"`
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	StepCode   string         `json:"step_code"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// History event names.
const (
	HistoryInitiated    = "initiated"
	HistoryStepApproved = "step_approved"
	HistoryApproved     = "approved"
	HistoryRejected     = "rejected"
	HistoryAutoApproved = "auto_approved"
)
