package workflow

// InstanceState represents the execution state of an activity instance.
type InstanceState int

const (
	// Pending indicates the instance exists but is not yet eligible to run.
	Pending InstanceState = iota

	// Ready indicates dependencies, condition and handler pre-check are satisfied
	// and the instance is about to be dispatched.
	Ready

	// Running indicates the handler's Execute is in progress.
	Running

	// AwaitingManual indicates the handler asked for external completion.
	// Only the manual completion monitor moves an instance out of this state.
	AwaitingManual

	// Succeeded indicates the instance completed successfully.
	Succeeded

	// Failed indicates the last attempt failed. The instance is terminal once
	// its retry policy is exhausted.
	Failed

	// Retrying indicates a failed attempt is waiting for its backoff to elapse.
	Retrying

	// Compensating indicates the handler's Compensate is in progress.
	Compensating

	// Compensated indicates a previously succeeded instance was rolled back.
	Compensated

	// CompensationFailed indicates Compensate returned an error.
	// The instance requires manual remediation.
	CompensationFailed

	// Cancelled indicates the run was cancelled before the instance finished.
	Cancelled

	// Skipped indicates an optional instance whose condition never held.
	Skipped
)

// String returns a human-readable representation of the InstanceState
func (s InstanceState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case AwaitingManual:
		return "awaiting_manual"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Retrying:
		return "retrying"
	case Compensating:
		return "compensating"
	case Compensated:
		return "compensated"
	case CompensationFailed:
		return "compensation_failed"
	case Cancelled:
		return "cancelled"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s InstanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *InstanceState) UnmarshalText(text []byte) error {
	for candidate := Pending; candidate <= Skipped; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return ErrInvalidState
}

// transitions lists the legal successor states of every state.
var transitions = map[InstanceState][]InstanceState{
	Pending:        {Ready, Failed, Cancelled, Skipped},
	Ready:          {Running, Pending, Cancelled},
	Running:        {Succeeded, Failed, AwaitingManual, Cancelled},
	AwaitingManual: {Succeeded, Failed, Cancelled},
	Failed:         {Retrying, Compensating},
	Retrying:       {Running, Pending, Cancelled},
	Succeeded:      {Compensating},
	Compensating:   {Compensated, CompensationFailed},
}

// CanTransition reports whether from -> to is a legal instance transition.
func CanTransition(from, to InstanceState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive returns true for states in which the run still has work outstanding
// for the instance.
func (s InstanceState) IsActive() bool {
	switch s {
	case Ready, Running, AwaitingManual, Retrying, Compensating:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transition is expected without an
// external event. Succeeded is terminal even though a later cascade may
// compensate it.
func (s InstanceState) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Compensated, CompensationFailed, Cancelled, Skipped:
		return true
	default:
		return false
	}
}

// IsSatisfied returns true if the state satisfies a dependent's dependency.
func (s InstanceState) IsSatisfied() bool {
	return s == Succeeded || s == Skipped
}
