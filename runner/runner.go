// Package runner manages run execution for one workflow.
//
// The runner handles:
//   - Preventing concurrent runs of the same workflow
//   - Tracking current run status and progress
//   - Recording finished runs with per-instance attempts, status and logs
//   - Triggering runs on a cron schedule
//
// # Example
//
//	collector := logging.NewLogCollector(0)
//	o, _ := orchestrator.New(cat, reg,
//		orchestrator.WithLoggerHook(logging.NewCapturingHook(collector)),
//	)
//	r := runner.New(logger, o, runner.WithLogCollector(collector))
//
//	report, err := r.Run(ctx, orchestrator.RunRequest{})
//	if errors.Is(err, runner.ErrRunInProgress) {
//	    // another run of this workflow is executing
//	}
//
//	history := r.History() // Most recent first
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/phaseflow/logging"
	"github.com/nomis52/phaseflow/orchestrator"
	"github.com/nomis52/phaseflow/progress"
)

// DefaultWorkflow names the workflow of a runner built without WithName.
const DefaultWorkflow = "default"

// ErrRunInProgress is returned when attempting to start a run while one is already running.
var ErrRunInProgress = errors.New("run already in progress")

// Executor executes a single run. *orchestrator.Orchestrator implements it.
type Executor interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.Report, error)
}

// Runner serializes runs of one workflow and keeps their history.
type Runner struct {
	name      string
	logger    *slog.Logger
	executor  Executor
	store     StateStore
	collector *logging.LogCollector
	board     *progress.StatusBoard
	progress  *progress.Collection
	now       func() time.Time

	mu        sync.Mutex
	runStatus RunStatus
	wg        sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithName sets the workflow name recorded in history.
func WithName(name string) Option {
	return func(r *Runner) {
		r.name = name
	}
}

// WithStateStore configures the runner to use the provided store for persistence.
func WithStateStore(store StateStore) Option {
	return func(r *Runner) {
		r.store = store
	}
}

// WithLogCollector attaches captured instance logs to history records. The
// collector is cleared after each run, so it must not be shared between runners.
func WithLogCollector(c *logging.LogCollector) Option {
	return func(r *Runner) {
		r.collector = c
	}
}

// WithStatusBoard attaches the last status line of each instance to history records.
func WithStatusBoard(b *progress.StatusBoard) Option {
	return func(r *Runner) {
		r.board = b
	}
}

// WithProgress exposes the progress of the current run through Status.
func WithProgress(c *progress.Collection) Option {
	return func(r *Runner) {
		r.progress = c
	}
}

// WithClock overrides the clock used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New creates a new Runner.
func New(logger *slog.Logger, executor Executor, opts ...Option) *Runner {
	r := &Runner{
		name:      DefaultWorkflow,
		executor:  executor,
		store:     NewMemoryStore(0),
		now:       time.Now,
		runStatus: RunStatus{State: RunStateIdle},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.With("component", "runner", "workflow", r.name)
	return r
}

// Name returns the workflow name.
func (r *Runner) Name() string {
	return r.name
}

// Run executes a run and blocks until it finishes.
// Returns ErrRunInProgress if a run is already in progress.
func (r *Runner) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.Report, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !r.tryStart(req.ID) {
		return nil, ErrRunInProgress
	}

	r.logger.Info("starting run", "run_id", req.ID)
	report, err := r.executor.Run(ctx, req)
	r.finish(req.ID, report, err)
	return report, err
}

// Trigger starts a run in the background and returns its ID.
// Returns ErrRunInProgress if a run is already in progress.
func (r *Runner) Trigger(ctx context.Context, req orchestrator.RunRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !r.tryStart(req.ID) {
		return "", ErrRunInProgress
	}

	r.logger.Info("starting run in background", "run_id", req.ID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		report, err := r.executor.Run(ctx, req)
		r.finish(req.ID, report, err)
	}()
	return req.ID, nil
}

// Wait blocks until background runs have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Status returns the current run status. While a run is in progress it
// includes the latest progress update.
func (r *Runner) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.runStatus
	if status.State == RunStateRunning && r.progress != nil {
		if u, ok := r.progress.Get(status.RunID); ok {
			status.Percent = u.Percent
			status.Step = u.Step
		}
	}
	return status
}

// IsRunning returns true if a run is in progress.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runStatus.State == RunStateRunning
}

// History returns the history of finished runs, most recent first.
func (r *Runner) History() []RunSummary {
	return r.store.History()
}

// Instances returns the instance records of a finished run.
func (r *Runner) Instances(runID string) []InstanceRecord {
	return r.store.Instances(runID)
}

// tryStart attempts to transition from idle to running.
// Returns true if successful, false if already running.
func (r *Runner) tryStart(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runStatus.State == RunStateRunning {
		return false
	}

	now := r.now()
	r.runStatus = RunStatus{
		State:     RunStateRunning,
		RunID:     runID,
		StartedAt: &now,
	}
	return true
}

// finish transitions from running to idle and records the result.
func (r *Runner) finish(runID string, report *orchestrator.Report, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endTime := r.now()
	duration := endTime.Sub(*r.runStatus.StartedAt)
	if report == nil && err == nil {
		err = errors.New("executor returned no report")
	}

	r.runStatus.State = RunStateIdle
	r.runStatus.EndedAt = &endTime
	r.runStatus.Error = ""
	if err != nil {
		r.runStatus.Error = err.Error()
	}

	if report == nil {
		r.runStatus.Result = orchestrator.StatusFailed
		r.logger.Error("run failed without a report", "run_id", runID, "error", err, "duration", duration)
		report = &orchestrator.Report{
			RunID:      runID,
			Status:     orchestrator.StatusFailed,
			StartedAt:  *r.runStatus.StartedAt,
			FinishedAt: endTime,
			Err:        err,
		}
	} else {
		r.runStatus.Result = report.Status
		r.logger.Info("run completed", "run_id", runID, "status", report.Status, "duration", duration)
	}

	summary, instances := newRecord(r.name, report, r.collector, r.board)
	if err := r.store.Save(summary, instances); err != nil {
		r.logger.Error("failed to save run to store", "run_id", runID, "error", err)
	}
	if r.collector != nil {
		r.collector.Clear()
	}
}
