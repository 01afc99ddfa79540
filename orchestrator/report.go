package orchestrator

import (
	"time"

	"github.com/nomis52/phaseflow/workflow"
)

// Status is the terminal status of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Report describes a finished run.
type Report struct {
	RunID      string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time

	// Err is nil only for succeeded runs. Instance failures are joined, so
	// errors.Is matches any of them.
	Err error

	// Instances holds every instance in creation order.
	Instances []workflow.Instance

	// Failures lists instances (or unexpanded templates) that failed terminally.
	Failures []*workflow.InstanceError

	// Warnings lists compensations that failed. They need manual remediation
	// but do not change the run status.
	Warnings []*workflow.InstanceError

	// NonTerminal lists instances that never reached a terminal state.
	NonTerminal []string

	// Compensated lists instances that were rolled back.
	Compensated []string

	// Metadata is the run metadata at the end of the run.
	Metadata map[string]any
}

// Succeeded returns true if the run succeeded.
func (r *Report) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Instance returns the instance with the given ID.
func (r *Report) Instance(id string) (workflow.Instance, bool) {
	for _, inst := range r.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return workflow.Instance{}, false
}

// ByTemplate returns the instances of a template in creation order.
func (r *Report) ByTemplate(id workflow.TemplateID) []workflow.Instance {
	var out []workflow.Instance
	for _, inst := range r.Instances {
		if inst.Template.Equal(id) {
			out = append(out, inst)
		}
	}
	return out
}

// Counts returns the number of instances per state.
func (r *Report) Counts() map[workflow.InstanceState]int {
	out := make(map[workflow.InstanceState]int)
	for _, inst := range r.Instances {
		out[inst.State]++
	}
	return out
}
