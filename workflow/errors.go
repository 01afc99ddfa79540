package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency is returned when the template graph contains a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrHandlerNotFound is returned when no handler is registered for a template.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrDuplicateRegistration is returned when a handler key is registered twice.
	ErrDuplicateRegistration = errors.New("duplicate handler registration")

	// ErrRegistrySealed is returned when registering after the registry was sealed.
	ErrRegistrySealed = errors.New("handler registry sealed")

	// ErrDependencyMismatch is returned when handler-declared and template-declared
	// dependencies disagree.
	ErrDependencyMismatch = errors.New("dependency mismatch")

	// ErrUnknownDependency is returned when a dependency names a template that is not
	// part of the catalog.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrExecutionFailure wraps any failed attempt.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrManualTimeout is returned when a manual step is not completed in time.
	ErrManualTimeout = errors.New("manual timeout")

	// ErrCompensationFailure is returned when Compensate fails.
	ErrCompensationFailure = errors.New("compensation failure")

	// ErrConcurrencyConflict is returned when a version transition loses a race twice.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrRunTimeout is returned when the run deadline elapses.
	ErrRunTimeout = errors.New("run timeout")

	// ErrRunCancelled is returned when the run context is cancelled.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidTransition is returned for a transition that the state table forbids.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPersist is returned when the state sink rejects a write.
	ErrPersist = errors.New("persist failed")
)

// Failure reasons recorded on attempts.
const (
	ReasonError               = "error"
	ReasonTimeout             = "timeout"
	ReasonManualTimeout       = "manual_timeout"
	ReasonPreconditionTimeout = "precondition_timeout"
	ReasonHandlerNotFound     = "handler_not_found"
	ReasonPanic               = "panic"
)

// InstanceError describes a failed instance with its full attempt history.
type InstanceError struct {
	InstanceID   string
	Template     TemplateID
	PartitionKey string
	Attempts     []Attempt
	Err          error
}

func (e *InstanceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance %s (%s", e.InstanceID, e.Template)
	if e.PartitionKey != "" {
		fmt.Fprintf(&b, "[%s]", e.PartitionKey)
	}
	fmt.Fprintf(&b, ") failed after %d attempt(s): %v", len(e.Attempts), e.Err)
	return b.String()
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}
