package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/phaseflow/handler"
	"github.com/nomis52/phaseflow/progress"
	"github.com/nomis52/phaseflow/workflow"
)

// entry is the loop's private record of one instance.
type entry struct {
	inst    workflow.Instance
	tmpl    workflow.Template
	handler handler.Handler
	logger  *slog.Logger
	status  *progress.StatusLine

	// result is the last successful Execute result, handed to Compensate.
	result handler.Result

	cancel     context.CancelFunc
	deadline   time.Time
	gatedSince time.Time
	retryAt    time.Time
	toPending  bool
	exhausted  bool
}

type attemptResult struct {
	id      string
	attempt int
	result  handler.Result
	err     error
	reason  string
}

// run is the state of one execution. Only the loop goroutine touches it;
// handler goroutines receive snapshots and report back on results.
type run struct {
	o      *Orchestrator
	id     string
	logger *slog.Logger

	parent     context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	persistCtx context.Context

	progress *progress.Async

	metadata   map[string]any
	entries    []*entry
	byID       map[string]*entry
	byTemplate map[workflow.TemplateID][]*entry
	expanded   map[workflow.TemplateID]bool
	skipped    map[workflow.TemplateID]bool
	failed     map[workflow.TemplateID]bool

	// ledger holds succeeded instances in completion order.
	ledger   []*entry
	failures []*workflow.InstanceError
	warnings []*workflow.InstanceError

	results chan attemptResult
	inbox   []attemptResult
	done    chan struct{}

	fatal     error
	changed   bool
	startedAt time.Time
	report    *Report
}

var _ Snapshot = (*run)(nil)

func (o *Orchestrator) newRun(ctx context.Context, req RunRequest) *run {
	now := o.now()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if o.runTimeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, o.runTimeout, workflow.ErrRunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	r := &run{
		o:          o,
		id:         req.ID,
		logger:     o.logger.With("run_id", req.ID),
		parent:     ctx,
		ctx:        runCtx,
		cancel:     cancel,
		persistCtx: context.WithoutCancel(ctx),
		metadata:   make(map[string]any, len(req.Metadata)),
		byID:       make(map[string]*entry),
		byTemplate: make(map[workflow.TemplateID][]*entry),
		expanded:   make(map[workflow.TemplateID]bool),
		skipped:    make(map[workflow.TemplateID]bool),
		failed:     make(map[workflow.TemplateID]bool),
		results:    make(chan attemptResult, 16),
		done:       make(chan struct{}),
		startedAt:  now,
	}
	maps.Copy(r.metadata, req.Metadata)
	if o.reporter != nil {
		r.progress = progress.NewAsync(o.reporter, 0, o.logger)
	}

	for _, t := range o.resolver.templates {
		if t.Mode == workflow.Sequential {
			r.add(t, newInstance(t, r.id, now))
		}
	}
	return r
}

func (r *run) add(t workflow.Template, inst workflow.Instance) {
	logger := r.o.hook.LoggerForInstance(r.o.logger, inst)
	e := &entry{
		inst:    inst,
		tmpl:    t,
		handler: r.o.handlers[t.ID],
		logger:  logger,
		status:  progress.NewStatusLine(inst.ID, logger, r.o.board),
	}
	r.entries = append(r.entries, e)
	r.byID[inst.ID] = e
	r.byTemplate[t.ID] = append(r.byTemplate[t.ID], e)
	r.changed = true
	r.persist(e)
}

func (r *run) close() {
	r.cancel()
	close(r.done)
	for _, e := range r.entries {
		if e.cancel != nil {
			e.cancel()
		}
		if e.inst.State == workflow.AwaitingManual {
			r.o.monitor.Forget(e.inst.ID)
		}
	}
	if r.progress != nil {
		r.progress.Close()
	}
}

// loop drives step until the run finishes, sleeping until a handler reports,
// a manual signal arrives, the poll interval elapses or the run is cancelled.
func (r *run) loop() *Report {
	ticker := time.NewTicker(r.o.pollInterval)
	defer ticker.Stop()

	for {
		wake := r.o.monitor.Wake()
		if r.step(r.o.now()) {
			return r.report
		}
		if r.changed {
			continue
		}
		select {
		case res := <-r.results:
			r.inbox = append(r.inbox, res)
		case <-wake:
		case <-ticker.C:
		case <-r.ctx.Done():
		}
	}
}

// step runs one iteration of the control loop and returns true once the run
// has finished. Without new events, repeated steps change nothing.
func (r *run) step(now time.Time) bool {
	r.changed = false
	if r.report != nil {
		return true
	}

	if r.ctx.Err() != nil {
		r.drainSuccesses(now)
		r.cancelAll(now)
		return r.finish(now)
	}

	r.drain(now)
	r.pollManual(now)
	r.expireRunning(now)
	if r.fatal != nil {
		r.abort()
		return r.finish(now)
	}

	r.compensate(now)
	r.dueRetries(now)
	if len(r.failed) == 0 {
		r.schedule(now)
	}

	if r.fatal != nil {
		r.abort()
		return r.finish(now)
	}
	if r.changed || !r.quiescent() {
		return false
	}
	if len(r.failed) == 0 && r.settle(now) {
		return false
	}
	return r.finish(now)
}

func (r *run) drain(now time.Time) {
	r.collect()
	for _, res := range r.inbox {
		r.apply(res, now)
	}
	r.inbox = r.inbox[:0]
}

func (r *run) collect() {
	for drained := false; !drained; {
		select {
		case res := <-r.results:
			r.inbox = append(r.inbox, res)
		default:
			drained = true
		}
	}
}

// drainSuccesses applies completed attempts that raced with cancellation.
// Failures caused by the cancellation itself are dropped.
func (r *run) drainSuccesses(now time.Time) {
	r.collect()
	for _, res := range r.inbox {
		if res.err == nil && !res.result.AwaitManual {
			r.apply(res, now)
		}
	}
	r.inbox = r.inbox[:0]
}

func (r *run) apply(res attemptResult, now time.Time) {
	e, ok := r.byID[res.id]
	if !ok || e.inst.State != workflow.Running || e.inst.AttemptCount() != res.attempt {
		r.logger.Debug("discarding stale result", "instance_id", res.id, "attempt", res.attempt)
		return
	}
	e.cancel()

	if res.err != nil {
		r.fail(e, now, res.reason, fmt.Errorf("%w: %w", workflow.ErrExecutionFailure, res.err))
		return
	}

	e.result = res.result
	if res.result.AwaitManual {
		var deadline time.Time
		if timeout := r.o.timeout(e.tmpl); timeout > 0 {
			deadline = now.Add(timeout)
		}
		r.o.monitor.Await(e.inst.ID, deadline)
		r.transition(e, workflow.AwaitingManual, now)
		e.logger.Info("awaiting manual completion", "deadline", deadline)
		return
	}
	r.succeed(e, now, workflow.CompletedBySystem)
}

func (r *run) pollManual(now time.Time) {
	for _, e := range r.entries {
		if e.inst.State != workflow.AwaitingManual {
			continue
		}
		out, ok := r.o.monitor.Poll(r.ctx, e.inst.ID, now)
		if !ok {
			continue
		}
		if out.Completed() {
			r.succeed(e, out.At, out.Actor)
			continue
		}
		r.fail(e, now, workflow.ReasonManualTimeout,
			fmt.Errorf("%w: no completion within %s", workflow.ErrManualTimeout, r.o.timeout(e.tmpl)))
	}
}

func (r *run) expireRunning(now time.Time) {
	for _, e := range r.entries {
		if e.inst.State != workflow.Running || e.deadline.IsZero() || now.Before(e.deadline) {
			continue
		}
		e.cancel()
		r.fail(e, now, workflow.ReasonTimeout,
			fmt.Errorf("%w: attempt exceeded %s", workflow.ErrExecutionFailure, r.o.timeout(e.tmpl)))
	}
}

// dueRetries restarts instances whose backoff has elapsed. Precondition
// timeouts go back through the canExecute gate.
func (r *run) dueRetries(now time.Time) {
	for _, e := range r.ordered(workflow.Retrying) {
		if now.Before(e.retryAt) {
			continue
		}
		if e.toPending {
			r.transition(e, workflow.Pending, now)
			continue
		}
		if r.canStart(e) {
			r.start(e, now)
		}
	}
}

// schedule expands eligible parallel templates and dispatches ready instances.
func (r *run) schedule(now time.Time) {
	ev := r.o.resolver.Resolve(r)
	r.failConditions(ev.ConditionErrors, now)
	if len(ev.Expandable) > 0 {
		for _, t := range ev.Expandable {
			r.expand(t, now)
		}
		ev = r.o.resolver.Resolve(r)
	}

	for _, id := range ev.Ready {
		if r.fatal != nil {
			return
		}
		e := r.byID[id]
		if e.inst.State != workflow.Pending || !r.canStart(e) {
			continue
		}

		if !r.gate(e) {
			r.gated(e, now)
			continue
		}
		e.gatedSince = time.Time{}
		r.transition(e, workflow.Ready, now)
		r.start(e, now)
	}
}

func (r *run) gated(e *entry, now time.Time) {
	if e.gatedSince.IsZero() {
		e.gatedSince = now
		e.logger.Debug("precondition not met")
		return
	}
	timeout := r.o.timeout(e.tmpl)
	if timeout <= 0 || now.Sub(e.gatedSince) < timeout {
		return
	}

	e.inst.Attempts = append(e.inst.Attempts, workflow.Attempt{
		Number:    e.inst.AttemptCount() + 1,
		StartedAt: e.gatedSince,
	})
	e.gatedSince = time.Time{}
	r.fail(e, now, workflow.ReasonPreconditionTimeout,
		fmt.Errorf("%w: precondition not met within %s", workflow.ErrExecutionFailure, timeout))
}

func (r *run) gate(e *entry) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("precondition check panicked", "panic", p)
			ok = false
		}
	}()
	return e.handler.CanExecute(r.ctx, r.execContext(e))
}

func (r *run) canStart(e *entry) bool {
	sequential, parallel := r.running()
	if e.tmpl.Mode == workflow.Sequential {
		return sequential == 0
	}
	return r.o.maxParallel <= 0 || parallel < r.o.maxParallel
}

func (r *run) running() (sequential, parallel int) {
	for _, e := range r.entries {
		if e.inst.State != workflow.Running {
			continue
		}
		if e.tmpl.Mode == workflow.Sequential {
			sequential++
		} else {
			parallel++
		}
	}
	return sequential, parallel
}

// start begins a new attempt and hands it to a handler goroutine.
func (r *run) start(e *entry, now time.Time) {
	attempt := e.inst.AttemptCount() + 1
	e.inst.Attempts = append(e.inst.Attempts, workflow.Attempt{Number: attempt, StartedAt: now})
	if e.inst.StartedAt.IsZero() {
		e.inst.StartedAt = now
	}

	ctx, cancel := context.WithCancel(r.ctx)
	e.deadline = time.Time{}
	if timeout := r.o.timeout(e.tmpl); timeout > 0 {
		ctx, cancel = context.WithTimeout(r.ctx, timeout)
		e.deadline = now.Add(timeout)
	}
	e.cancel = cancel

	r.transition(e, workflow.Running, now)
	if r.fatal != nil {
		cancel()
		return
	}
	e.logger.Info("starting attempt", "attempt", attempt)
	go r.execute(ctx, e.handler, r.execContext(e), attempt)
}

func (r *run) execute(ctx context.Context, h handler.Handler, ec handler.ExecContext, attempt int) {
	res := attemptResult{id: ec.Instance.ID, attempt: attempt}
	func() {
		defer func() {
			if p := recover(); p != nil {
				res.err = fmt.Errorf("panic: %v", p)
				res.reason = workflow.ReasonPanic
			}
		}()
		res.result, res.err = h.Execute(ctx, ec)
		switch {
		case res.err == nil:
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.reason = workflow.ReasonTimeout
		default:
			res.reason = workflow.ReasonError
		}
	}()

	select {
	case r.results <- res:
	case <-r.done:
	}
}

func (r *run) succeed(e *entry, now time.Time, actor string) {
	if att := e.inst.CurrentAttempt(); att != nil && att.EndedAt.IsZero() {
		att.EndedAt = now
	}
	e.inst.Output = maps.Clone(e.result.Output)
	e.inst.CompletedAt = now
	e.inst.CompletedBy = actor
	r.mergeOutput(e)
	r.ledger = append(r.ledger, e)
	r.transition(e, workflow.Succeeded, now)
	e.logger.Info("instance succeeded", "completed_by", actor, "attempts", e.inst.AttemptCount())
}

// mergeOutput publishes instance output into run metadata. Partitioned output
// is namespaced by the instance label.
func (r *run) mergeOutput(e *entry) {
	for k, v := range e.result.Output {
		if e.inst.PartitionKey != "" {
			k = e.inst.Label() + "." + k
		}
		r.metadata[k] = v
	}
}

// fail ends the current attempt and either schedules a retry or marks the
// instance as terminally failed.
func (r *run) fail(e *entry, now time.Time, reason string, err error) {
	if att := e.inst.CurrentAttempt(); att != nil && att.EndedAt.IsZero() {
		att.EndedAt = now
		att.Reason = reason
		att.Error = err.Error()
	}
	e.inst.LastError = err.Error()
	r.transition(e, workflow.Failed, now)

	attempts := e.inst.AttemptCount()
	if e.tmpl.Retry.CanRetry(attempts) {
		e.retryAt = now.Add(e.tmpl.Retry.Backoff(attempts))
		e.toPending = reason == workflow.ReasonPreconditionTimeout
		r.o.metrics.Retry()
		e.logger.Warn("attempt failed, retrying", "attempt", attempts, "reason", reason, "retry_at", e.retryAt, "error", err)
		r.transition(e, workflow.Retrying, now)
		return
	}
	r.exhaust(e, err)
}

func (r *run) exhaust(e *entry, err error) {
	e.exhausted = true
	r.failed[e.tmpl.ID] = true
	r.failures = append(r.failures, &workflow.InstanceError{
		InstanceID:   e.inst.ID,
		Template:     e.tmpl.ID,
		PartitionKey: e.inst.PartitionKey,
		Attempts:     append([]workflow.Attempt(nil), e.inst.Attempts...),
		Err:          err,
	})
	e.logger.Error("instance failed", "attempts", e.inst.AttemptCount(), "error", err)
	r.reportProgress(e)
}

// failTemplate fails a template that can never run. Pending instances fail
// without retry; an unexpanded parallel template is recorded on its own.
func (r *run) failTemplate(id workflow.TemplateID, now time.Time, err error) {
	pending := 0
	for _, e := range r.byTemplate[id] {
		if e.inst.State != workflow.Pending {
			continue
		}
		pending++
		e.inst.LastError = err.Error()
		r.transition(e, workflow.Failed, now)
		r.exhaust(e, err)
	}
	if pending > 0 {
		return
	}

	r.failed[id] = true
	r.changed = true
	r.failures = append(r.failures, &workflow.InstanceError{Template: id, Err: err})
	r.logger.Error("template failed", "template", id.String(), "error", err)
}

func (r *run) failConditions(errs map[workflow.TemplateID]error, now time.Time) {
	if len(errs) == 0 {
		return
	}
	ids := make([]workflow.TemplateID, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, _ := r.o.resolver.Template(ids[i])
		tj, _ := r.o.resolver.Template(ids[j])
		return ti.Order < tj.Order
	})
	for _, id := range ids {
		r.failTemplate(id, now, fmt.Errorf("%w: %w", workflow.ErrExecutionFailure, errs[id]))
	}
}

func (r *run) expand(t workflow.Template, now time.Time) {
	keys, err := r.o.partitions.PartitionKeys(r.ctx, t, r.view())
	var instances []workflow.Instance
	if err == nil {
		instances, err = Expand(t, keys, r.id, uuid.NewString(), now)
	}
	if err != nil {
		r.failTemplate(t.ID, now, fmt.Errorf("%w: expanding partitions: %w", workflow.ErrExecutionFailure, err))
		return
	}

	r.expanded[t.ID] = true
	r.changed = true
	for _, inst := range instances {
		r.add(t, inst)
	}
	r.logger.Info("expanded parallel template", "template", t.ID.String(), "partitions", len(instances))
}

// compensate rolls back succeeded instances whose template cascades from a
// terminally failed template, latest completion first.
func (r *run) compensate(now time.Time) {
	if len(r.failed) == 0 {
		return
	}
	for i := len(r.ledger) - 1; i >= 0; i-- {
		e := r.ledger[i]
		if e.inst.State != workflow.Succeeded {
			continue
		}
		for id := range r.failed {
			if e.tmpl.CompensatesOn(id) {
				r.runCompensation(e, now)
				break
			}
		}
	}
}

func (r *run) runCompensation(e *entry, now time.Time) {
	r.transition(e, workflow.Compensating, now)
	e.logger.Info("compensating instance")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.parent), r.o.compensationTimeout)
	err := r.callCompensate(ctx, e)
	cancel()

	end := r.o.now()
	if err != nil {
		err = fmt.Errorf("%w: %w", workflow.ErrCompensationFailure, err)
		e.inst.LastError = err.Error()
		r.warnings = append(r.warnings, &workflow.InstanceError{
			InstanceID:   e.inst.ID,
			Template:     e.tmpl.ID,
			PartitionKey: e.inst.PartitionKey,
			Attempts:     append([]workflow.Attempt(nil), e.inst.Attempts...),
			Err:          err,
		})
		r.o.metrics.Compensation("failed")
		e.logger.Error("compensation failed, manual remediation required", "error", err)
		r.transition(e, workflow.CompensationFailed, end)
		return
	}
	r.o.metrics.Compensation("compensated")
	r.transition(e, workflow.Compensated, end)
}

func (r *run) callCompensate(ctx context.Context, e *entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return e.handler.Compensate(ctx, r.execContext(e), e.result)
}

// cancelAll stops every unfinished instance and compensates succeeded
// instances of templates that declare compensation.
func (r *run) cancelAll(now time.Time) {
	r.logger.Warn("run cancelled", "cause", context.Cause(r.ctx))
	for _, e := range r.entries {
		switch e.inst.State {
		case workflow.Running:
			e.cancel()
			if att := e.inst.CurrentAttempt(); att != nil && att.EndedAt.IsZero() {
				att.EndedAt = now
				att.Reason = "cancelled"
			}
		case workflow.AwaitingManual:
			r.o.monitor.Forget(e.inst.ID)
		case workflow.Pending, workflow.Ready, workflow.Retrying:
		default:
			continue
		}
		r.transition(e, workflow.Cancelled, now)
	}

	for i := len(r.ledger) - 1; i >= 0; i-- {
		e := r.ledger[i]
		if e.inst.State == workflow.Succeeded && e.tmpl.DeclaresCompensation() {
			r.runCompensation(e, now)
		}
	}
}

// abort stops in-flight work after a fatal error without further transitions.
func (r *run) abort() {
	r.logger.Error("aborting run", "error", r.fatal)
	for _, e := range r.entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
}

// quiescent reports whether nothing is in flight and nothing can start.
func (r *run) quiescent() bool {
	for _, e := range r.entries {
		if e.inst.State.IsActive() {
			return false
		}
		if e.inst.State == workflow.Pending && !e.gatedSince.IsZero() && len(r.failed) == 0 {
			return false
		}
	}
	if len(r.failed) > 0 {
		return true
	}
	ev := r.o.resolver.Resolve(r)
	return len(ev.Ready) == 0 && len(ev.Expandable) == 0 && len(ev.ConditionErrors) == 0
}

// settle resolves templates whose condition never held once the run is
// quiescent: optional ones are skipped, required ones fail.
func (r *run) settle(now time.Time) bool {
	ev := r.o.resolver.Resolve(r)
	for _, id := range ev.Blocked {
		t, _ := r.o.resolver.Template(id)
		if t.Required {
			r.failTemplate(id, now, fmt.Errorf("%w: condition %s never held", workflow.ErrExecutionFailure, t.Condition))
			continue
		}

		if t.Mode == workflow.Parallel && !r.expanded[id] {
			r.skipped[id] = true
			r.changed = true
			r.logger.Info("skipping optional template", "template", id.String())
			continue
		}
		for _, e := range r.byTemplate[id] {
			if e.inst.State == workflow.Pending {
				r.transition(e, workflow.Skipped, now)
				e.logger.Info("skipping optional instance", "condition", t.Condition)
			}
		}
	}
	return r.changed
}

func (r *run) transition(e *entry, to workflow.InstanceState, now time.Time) {
	from := e.inst.State
	if !workflow.CanTransition(from, to) {
		r.setFatal(fmt.Errorf("instance %s: %s -> %s: %w", e.inst.ID, from, to, workflow.ErrInvalidTransition))
		return
	}

	e.inst.State = to
	e.inst.UpdatedAt = now
	r.changed = true
	e.logger.Debug("instance transition", "from", from, "to", to)
	r.o.metrics.Transition(e.tmpl.ID.Phase, e.tmpl.ID.Name, to.String())
	r.persist(e)

	switch to {
	case workflow.Succeeded, workflow.Skipped, workflow.Cancelled, workflow.Compensated, workflow.CompensationFailed:
		r.reportProgress(e)
	}
}

func (r *run) persist(e *entry) {
	if r.o.sink == nil || r.fatal != nil {
		return
	}
	if err := r.o.sink.PersistInstance(r.persistCtx, e.inst.Clone()); err != nil {
		r.setFatal(fmt.Errorf("%w: instance %s: %w", workflow.ErrPersist, e.inst.ID, err))
	}
}

func (r *run) setFatal(err error) {
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) reportProgress(e *entry) {
	if r.progress == nil {
		return
	}
	settled := 0
	for _, other := range r.entries {
		switch other.inst.State {
		case workflow.Succeeded, workflow.Skipped, workflow.Cancelled, workflow.Compensated, workflow.CompensationFailed:
			settled++
		case workflow.Failed:
			if other.exhausted {
				settled++
			}
		}
	}
	r.progress.ReportProgress(r.id, settled*100/len(r.entries), e.inst.Label()+" "+e.inst.State.String())
}

// finish computes the terminal status and builds the report.
func (r *run) finish(now time.Time) bool {
	report := &Report{
		RunID:      r.id,
		StartedAt:  r.startedAt,
		FinishedAt: now,
		Failures:   r.failures,
		Warnings:   r.warnings,
		Metadata:   maps.Clone(r.metadata),
	}
	for _, e := range r.entries {
		report.Instances = append(report.Instances, e.inst.Clone())
		if !e.inst.State.IsTerminal() {
			report.NonTerminal = append(report.NonTerminal, e.inst.ID)
		}
		if e.inst.State == workflow.Compensated {
			report.Compensated = append(report.Compensated, e.inst.ID)
		}
	}

	cause := context.Cause(r.ctx)
	switch {
	case r.fatal != nil:
		report.Status, report.Err = StatusFailed, r.fatal
	case r.ctx.Err() != nil && (errors.Is(cause, workflow.ErrRunTimeout) || errors.Is(cause, context.DeadlineExceeded)):
		report.Status, report.Err = StatusFailed, fmt.Errorf("run %s: %w", r.id, workflow.ErrRunTimeout)
	case r.ctx.Err() != nil:
		report.Status, report.Err = StatusCancelled, fmt.Errorf("run %s: %w: %w", r.id, workflow.ErrRunCancelled, cause)
	case len(r.failures) > 0:
		errs := make([]error, len(r.failures))
		for i, f := range r.failures {
			errs[i] = f
		}
		report.Status, report.Err = StatusFailed, errors.Join(errs...)
	default:
		report.Status = StatusSucceeded
		for _, t := range r.o.resolver.templates {
			if t.Required && !r.o.resolver.Satisfied(r, t.ID) {
				report.Status = StatusFailed
				report.Err = fmt.Errorf("%w: template %s never completed", workflow.ErrExecutionFailure, t.ID)
				break
			}
		}
	}

	if r.progress != nil {
		r.progress.ReportProgress(r.id, 100, "run "+string(report.Status))
	}
	r.report = report
	return true
}

// ordered returns the entries in a state, in declaration order.
func (r *run) ordered(state workflow.InstanceState) []*entry {
	var out []*entry
	for _, e := range r.entries {
		if e.inst.State == state {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].tmpl.Order < out[j].tmpl.Order
	})
	return out
}

func (r *run) execContext(e *entry) handler.ExecContext {
	return handler.ExecContext{
		RunID:    r.id,
		Instance: e.inst.Clone(),
		Template: e.tmpl,
		View:     r.view(),
		Logger:   e.logger,
		Status:   e.status,
	}
}

func (r *run) view() workflow.View {
	return snapshotView{metadata: maps.Clone(r.metadata), versions: r.o.versions}
}

// Snapshot

func (r *run) Metadata(key string) (any, bool) {
	v, ok := r.metadata[key]
	return v, ok
}

func (r *run) FinalVersion(phase string) (int, bool) {
	if r.o.versions == nil {
		return 0, false
	}
	return r.o.versions.FinalVersion(phase)
}

func (r *run) Instances(id workflow.TemplateID) []workflow.Instance {
	entries := r.byTemplate[id]
	out := make([]workflow.Instance, len(entries))
	for i, e := range entries {
		out[i] = e.inst
	}
	return out
}

func (r *run) Expanded(id workflow.TemplateID) bool {
	return r.expanded[id]
}

func (r *run) Skipped(id workflow.TemplateID) bool {
	return r.skipped[id]
}

// snapshotView is a copy of run metadata handed to handler goroutines.
type snapshotView struct {
	metadata map[string]any
	versions workflow.VersionReader
}

func (v snapshotView) Metadata(key string) (any, bool) {
	val, ok := v.metadata[key]
	return val, ok
}

func (v snapshotView) FinalVersion(phase string) (int, bool) {
	if v.versions == nil {
		return 0, false
	}
	return v.versions.FinalVersion(phase)
}
