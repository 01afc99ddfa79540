package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phaseflow"

// Engine holds the instruments recorded by the orchestrator, the approval
// machine and the runner. A nil *Engine is valid and records nothing.
type Engine struct {
	transitions      CounterVec
	retries          Counter
	compensations    CounterVec
	runs             CounterVec
	runsInProgress   Gauge
	versionsFinal    CounterVec
	versionConflicts Counter
}

// NewEngine registers the engine instruments with reg.
func NewEngine(reg Registry) (*Engine, error) {
	e := &Engine{}
	var err error

	if e.transitions, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instance_transitions_total",
		Help:      "Activity instance state transitions by target state",
	}, []string{"phase", "template", "state"}); err != nil {
		return nil, fmt.Errorf("creating transitions counter: %w", err)
	}

	if e.retries, err = reg.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Failed attempts that were scheduled for retry",
	}); err != nil {
		return nil, fmt.Errorf("creating retries counter: %w", err)
	}

	if e.compensations, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensations_total",
		Help:      "Compensations by outcome (compensated, failed)",
	}, []string{"outcome"}); err != nil {
		return nil, fmt.Errorf("creating compensations counter: %w", err)
	}

	if e.runs, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Completed runs by terminal status",
	}, []string{"status"}); err != nil {
		return nil, fmt.Errorf("creating runs counter: %w", err)
	}

	if e.runsInProgress, err = reg.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runs_in_progress",
		Help:      "Runs currently executing",
	}); err != nil {
		return nil, fmt.Errorf("creating runs gauge: %w", err)
	}

	if e.versionsFinal, err = reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "versions_finalized_total",
		Help:      "Phase versions that became final",
	}, []string{"phase"}); err != nil {
		return nil, fmt.Errorf("creating versions counter: %w", err)
	}

	if e.versionConflicts, err = reg.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_conflicts_total",
		Help:      "Version book commits rejected by a concurrent writer",
	}); err != nil {
		return nil, fmt.Errorf("creating conflicts counter: %w", err)
	}

	return e, nil
}

func (e *Engine) Transition(phase, template, state string) {
	if e == nil {
		return
	}
	e.transitions.With(prometheus.Labels{"phase": phase, "template": template, "state": state}).Inc()
}

func (e *Engine) Retry() {
	if e == nil {
		return
	}
	e.retries.Inc()
}

func (e *Engine) Compensation(outcome string) {
	if e == nil {
		return
	}
	e.compensations.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RunStarted increments the in-progress gauge.
func (e *Engine) RunStarted() {
	if e == nil {
		return
	}
	e.runsInProgress.Add(1)
}

// RunFinished decrements the in-progress gauge and counts the terminal status.
func (e *Engine) RunFinished(status string) {
	if e == nil {
		return
	}
	e.runsInProgress.Add(-1)
	e.runs.With(prometheus.Labels{"status": status}).Inc()
}

func (e *Engine) VersionFinalized(phase string) {
	if e == nil {
		return
	}
	e.versionsFinal.With(prometheus.Labels{"phase": phase}).Inc()
}

func (e *Engine) VersionConflict() {
	if e == nil {
		return
	}
	e.versionConflicts.Inc()
}
