package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	ErrWorkflowLocked     = "WORKFLOW_LOCKED"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrEmptyDefinition    = "EMPTY_WORKFLOW_DEFINITION"
	ErrStepUnauthorized   = "STEP_UNAUTHORIZED"
	ErrPublishFailed      = "PUBLISH_FAILED"
	ErrUnknownEntityType  = "UNKNOWN_ENTITY_TYPE"
	ErrTenantUnresolvable = "TENANT_UNRESOLVABLE"
)

// ErrorEnvelope is the error type returned across package boundaries and
// serialised on the HTTP surface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or an
// empty string.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewWorkflowLockedError is returned when an entity with an in-progress
// workflow is modified or deleted.
func NewWorkflowLockedError(entityType, entityID, op string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowLocked,
		Message: fmt.Sprintf("%s %s cannot be %s while its approval workflow is in progress", entityType, entityID, op),
	}
}

// NewEmptyDefinitionError is returned when a workflow definition has no steps.
func NewEmptyDefinitionError(code string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEmptyDefinition,
		Message: fmt.Sprintf("workflow %q has no steps", code),
	}
}

// NewInvalidTransitionError is returned when the workflow state machine
// refuses a trigger.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewPublishFailedError wraps critical publication failures.
func NewPublishFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPublishFailed, Message: msg}
}

// NewStepUnauthorizedError is returned when the actor holds none of the
// current step's approver roles.
func NewStepUnauthorizedError(stepCode string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepUnauthorized,
		Message: fmt.Sprintf("not an approver for step %q", stepCode),
	}
}
