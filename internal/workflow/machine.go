package workflow

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/approvals/model"
)

type transition string

const (
	triggerInitiate transition = "initiate"
	triggerAdvance  transition = "advance"
	triggerComplete transition = "complete"
	triggerReject   transition = "reject"
)

// newMachine builds the status machine starting at from. Terminal states
// only permit re-initiation.
func newMachine(from model.WorkflowStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(model.WorkflowNotStarted).
		Permit(triggerInitiate, model.WorkflowInProgress)

	sm.Configure(model.WorkflowInProgress).
		PermitReentry(triggerAdvance).
		Permit(triggerComplete, model.WorkflowApproved).
		Permit(triggerReject, model.WorkflowRejected)

	sm.Configure(model.WorkflowApproved).
		Permit(triggerInitiate, model.WorkflowInProgress)

	sm.Configure(model.WorkflowRejected).
		Permit(triggerInitiate, model.WorkflowInProgress)

	return sm
}

// next returns the status reached by firing t from the given status, or an
// INVALID_TRANSITION error.
func next(from model.WorkflowStatus, t transition) (model.WorkflowStatus, error) {
	if from == "" {
		from = model.WorkflowNotStarted
	}
	sm := newMachine(from)
	if err := sm.Fire(t); err != nil {
		return from, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot %s a workflow that is %s", t, from),
		)
	}
	return sm.MustState().(model.WorkflowStatus), nil
}

// apply fires t against the state's status and stores the result.
func apply(state *model.WorkflowState, t transition) error {
	to, err := next(state.CurrentStatus(), t)
	if err != nil {
		return err
	}
	state.Status = to
	return nil
}
