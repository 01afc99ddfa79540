package handler

import (
	"context"
	"fmt"

	"github.com/nomis52/phaseflow/workflow"
)

// Func adapts plain functions to the Handler interface.
// ExecuteFn is required; the other functions are optional.
type Func struct {
	CanExecuteFn func(ctx context.Context, ec ExecContext) bool
	ExecuteFn    func(ctx context.Context, ec ExecContext) (Result, error)
	CompensateFn func(ctx context.Context, ec ExecContext, result Result) error
	Deps         []workflow.TemplateID
}

var _ Handler = (*Func)(nil)

func (f *Func) CanExecute(ctx context.Context, ec ExecContext) bool {
	if f.CanExecuteFn == nil {
		return true
	}
	return f.CanExecuteFn(ctx, ec)
}

func (f *Func) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	if f.ExecuteFn == nil {
		return Result{}, fmt.Errorf("%s: no execute function", ec.Template.ID)
	}
	return f.ExecuteFn(ctx, ec)
}

func (f *Func) Compensate(ctx context.Context, ec ExecContext, result Result) error {
	if f.CompensateFn == nil {
		return nil
	}
	return f.CompensateFn(ctx, ec, result)
}

func (f *Func) Dependencies() []workflow.TemplateID {
	return f.Deps
}

// Manual is a handler for steps completed by a human outside the engine.
// Execute always parks the instance; the manual completion monitor finishes it.
type Manual struct {
	// Notify is called each time the step is parked, e.g. to assign a task.
	Notify func(ctx context.Context, ec ExecContext) error

	// CompensateFn optionally undoes the step.
	CompensateFn func(ctx context.Context, ec ExecContext, result Result) error

	Deps []workflow.TemplateID
}

var _ Handler = (*Manual)(nil)

func (m *Manual) CanExecute(ctx context.Context, ec ExecContext) bool {
	return true
}

func (m *Manual) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	if m.Notify != nil {
		if err := m.Notify(ctx, ec); err != nil {
			return Result{}, fmt.Errorf("notify: %w", err)
		}
	}
	return AwaitManual(), nil
}

func (m *Manual) Compensate(ctx context.Context, ec ExecContext, result Result) error {
	if m.CompensateFn == nil {
		return nil
	}
	return m.CompensateFn(ctx, ec, result)
}

func (m *Manual) Dependencies() []workflow.TemplateID {
	return m.Deps
}

// FinalVersionGate wraps a handler so that it only executes once the given phase
// has a final approved version.
type FinalVersionGate struct {
	Phase string
	Next  Handler
}

var _ Handler = (*FinalVersionGate)(nil)

func (g *FinalVersionGate) CanExecute(ctx context.Context, ec ExecContext) bool {
	if ec.View == nil {
		return false
	}
	if _, ok := ec.View.FinalVersion(g.Phase); !ok {
		return false
	}
	return g.Next.CanExecute(ctx, ec)
}

func (g *FinalVersionGate) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	return g.Next.Execute(ctx, ec)
}

func (g *FinalVersionGate) Compensate(ctx context.Context, ec ExecContext, result Result) error {
	return g.Next.Compensate(ctx, ec, result)
}

func (g *FinalVersionGate) Dependencies() []workflow.TemplateID {
	return g.Next.Dependencies()
}
