package approval

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/nomis52/phaseflow/workflow"
)

type trigger string

const (
	triggerSubmit       trigger = "submit"
	triggerApprove      trigger = "approve"
	triggerReject       trigger = "reject"
	triggerOwnerApprove trigger = "owner_approve"
)

// newLifecycle returns a state machine positioned at the given status.
// Rejected is a dead end: a new draft must be created instead of resubmitting.
func newLifecycle(status Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(Draft).
		Permit(triggerSubmit, PendingApproval)

	sm.Configure(PendingApproval).
		Permit(triggerApprove, Approved).
		Permit(triggerReject, Rejected).
		PermitReentry(triggerOwnerApprove)

	sm.Configure(Approved).
		PermitReentry(triggerOwnerApprove)

	sm.Configure(Rejected)

	return sm
}

// fire applies a trigger to a status and returns the resulting status.
func fire(status Status, t trigger) (Status, error) {
	sm := newLifecycle(status)
	if err := sm.Fire(t); err != nil {
		return status, fmt.Errorf("%s from %s: %w", t, status, workflow.ErrInvalidTransition)
	}
	return sm.MustState().(Status), nil
}
