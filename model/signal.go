package model

import "time"

// Actor identifies who sent a signal or performed a save.
type Actor struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// SystemActor is used for decisions made without a human approver.
var SystemActor = Actor{ID: "system", Name: "System"}

// ActorFrom derives the actor from a request context. A nil context yields
// the zero Actor.
func ActorFrom(rctx *RequestContext) Actor {
	if rctx == nil {
		return Actor{}
	}
	return Actor{ID: rctx.SubjectID, Email: rctx.Email, Name: rctx.DisplayName, Roles: rctx.Roles}
}

// ApprovalSignal is an inbound approval decision for an entity's current
// step.
type ApprovalSignal struct {
	TenantID     string    `json:"tenant_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	WorkflowCode string    `json:"workflow_code,omitempty"`
	StepCode     string    `json:"step_code,omitempty"`
	Comments     string    `json:"comments,omitempty"`
	Actor        Actor     `json:"actor"`
	At           time.Time `json:"at"`
}

// RejectionSignal is an inbound rejection for an entity's workflow.
type RejectionSignal struct {
	TenantID           string    `json:"tenant_id"`
	EntityType         string    `json:"entity_type"`
	EntityID           string    `json:"entity_id"`
	WorkflowCode       string    `json:"workflow_code,omitempty"`
	StepCode           string    `json:"step_code,omitempty"`
	State              string    `json:"state,omitempty"`
	Reason             string    `json:"reason"`
	Comments           string    `json:"comments,omitempty"`
	ReturnToOriginator bool      `json:"return_to_originator"`
	Actor              Actor     `json:"actor"`
	At                 time.Time `json:"at"`
}
