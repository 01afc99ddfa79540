// Package handler defines the capability interface that every activity handler
// implements, and the registry that maps (phase, kind) keys to handlers.
//
// Handlers are registered at process start. The registry is sealed when an
// orchestrator is built from it; after that, lookups are pure and registration
// fails with workflow.ErrRegistrySealed.
//
//	reg := handler.NewRegistry()
//	_ = reg.Register("scoping", "collect", &handler.Func{
//	    ExecuteFn: func(ctx context.Context, ec handler.ExecContext) (handler.Result, error) {
//	        return handler.Complete(map[string]any{"owners": 3}), nil
//	    },
//	})
package handler

import (
	"context"
	"log/slog"

	"github.com/nomis52/phaseflow/progress"
	"github.com/nomis52/phaseflow/workflow"
)

// ExecContext is the read-only input a handler receives.
// Handlers never mutate shared run state; they return a Result instead.
type ExecContext struct {
	RunID    string
	Instance workflow.Instance
	Template workflow.Template
	View     workflow.View
	Logger   *slog.Logger

	// Status records free-text progress for this instance. May be nil.
	Status *progress.StatusLine
}

// Result is the outcome of a successful Execute call.
type Result struct {
	// Output is merged into the run metadata when the instance succeeds.
	Output map[string]any

	// AwaitManual asks the orchestrator to park the instance until an external
	// actor signals completion.
	AwaitManual bool
}

// Complete returns a Result carrying the given output.
func Complete(output map[string]any) Result {
	return Result{Output: output}
}

// AwaitManual returns a Result that parks the instance for external completion.
func AwaitManual() Result {
	return Result{AwaitManual: true}
}

// Handler is the capability set every activity implementation exposes.
//
// IMPLEMENTATION CONTRACT:
//   - CanExecute is a fine-grained pre-check beyond template dependencies; returning
//     false leaves the instance pending until the next loop iteration
//   - Execute performs the work; return an error for failure. Handlers must not
//     retry internally, the orchestrator owns retries
//   - Compensate is a best-effort rollback invoked only on cascade or cancellation
//   - Dependencies returns handler-declared dependencies, merged with the
//     template's at load time
type Handler interface {
	CanExecute(ctx context.Context, ec ExecContext) bool
	Execute(ctx context.Context, ec ExecContext) (Result, error)
	Compensate(ctx context.Context, ec ExecContext, result Result) error
	Dependencies() []workflow.TemplateID
}
