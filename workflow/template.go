package workflow

import (
	"fmt"
	"time"
)

// ExecutionMode selects how instances of a template are scheduled.
type ExecutionMode int

const (
	// Sequential templates produce a single instance that runs in the sequential lane.
	Sequential ExecutionMode = iota

	// Parallel templates are expanded into one instance per partition key, and those
	// instances run concurrently.
	Parallel
)

// String returns a human-readable representation of the ExecutionMode
func (m ExecutionMode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// ParseExecutionMode converts a mode name into an ExecutionMode.
// An empty name means Sequential.
func ParseExecutionMode(name string) (ExecutionMode, error) {
	switch name {
	case "", "sequential":
		return Sequential, nil
	case "parallel":
		return Parallel, nil
	default:
		return Sequential, fmt.Errorf("unknown execution mode %q", name)
	}
}

// Template is the immutable description of a unit of work within a phase.
type Template struct {
	ID TemplateID

	// Order is the global declaration order, used to break ties between
	// simultaneously ready sequential instances.
	Order int

	// Kind selects the handler; handlers are keyed by (ID.Phase, Kind).
	Kind string

	Mode    ExecutionMode
	Timeout time.Duration
	Retry   RetryPolicy

	// Dependencies must all be satisfied before an instance becomes eligible.
	Dependencies []TemplateID

	// CompensateOn lists templates whose terminal failure cascades compensation
	// into succeeded instances of this template.
	CompensateOn []TemplateID

	// Condition is evaluated against the run before eligibility. nil means always.
	Condition Condition

	// Required templates must reach a satisfied state for the run to succeed.
	// Optional templates whose condition never holds are skipped.
	Required bool
}

// DependsOn returns true if the template declares a dependency on id.
func (t Template) DependsOn(id TemplateID) bool {
	for _, dep := range t.Dependencies {
		if dep.Equal(id) {
			return true
		}
	}
	return false
}

// CompensatesOn returns true if a terminal failure of failed should compensate
// succeeded instances of this template. A parallel template always cascades to
// its own siblings.
func (t Template) CompensatesOn(failed TemplateID) bool {
	if t.Mode == Parallel && t.ID.Equal(failed) {
		return true
	}
	for _, id := range t.CompensateOn {
		if id.Equal(failed) {
			return true
		}
	}
	return false
}

// DeclaresCompensation returns true if instances of this template are compensated
// when the run is cancelled.
func (t Template) DeclaresCompensation() bool {
	return t.Mode == Parallel || len(t.CompensateOn) > 0
}
