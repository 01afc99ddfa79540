package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/phaseflow/catalog"
	"github.com/nomis52/phaseflow/handler"
	"github.com/nomis52/phaseflow/logging"
	"github.com/nomis52/phaseflow/manual"
	"github.com/nomis52/phaseflow/metrics"
	"github.com/nomis52/phaseflow/progress"
	"github.com/nomis52/phaseflow/workflow"
)

const (
	// DefaultPollInterval bounds how long the loop sleeps without an event.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultCompensationTimeout bounds each Compensate call.
	DefaultCompensationTimeout = 5 * time.Minute
)

// StateSink receives a snapshot of an instance after every transition.
type StateSink interface {
	PersistInstance(ctx context.Context, inst workflow.Instance) error
}

// RunRequest starts a run.
type RunRequest struct {
	// ID identifies the run. A random ID is generated when empty.
	ID string

	// Metadata seeds the run metadata that conditions and handlers read.
	Metadata map[string]any
}

// Orchestrator executes runs over an immutable catalog and a sealed handler
// registry. One Orchestrator may execute several runs concurrently; each run
// has its own control loop.
type Orchestrator struct {
	logger     *slog.Logger
	resolver   *Resolver
	handlers   map[workflow.TemplateID]handler.Handler
	hook       logging.LoggerHook
	sink       StateSink
	reporter   progress.Reporter
	board      *progress.StatusBoard
	monitor    *manual.Monitor
	versions   workflow.VersionReader
	partitions PartitionSource
	metrics    *metrics.Engine
	now        func() time.Time

	pollInterval        time.Duration
	runTimeout          time.Duration
	defaultTimeout      time.Duration
	compensationTimeout time.Duration
	maxParallel         int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger for the orchestrator
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "orchestrator")
	}
}

// WithLoggerHook sets how per-instance handler loggers are built.
func WithLoggerHook(hook logging.LoggerHook) Option {
	return func(o *Orchestrator) {
		o.hook = hook
	}
}

// WithSink persists every instance transition. A sink error aborts the run.
func WithSink(sink StateSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithProgress delivers run progress to r without blocking the loop.
func WithProgress(r progress.Reporter) Option {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

// WithStatusBoard records the free-text status handlers publish.
func WithStatusBoard(b *progress.StatusBoard) Option {
	return func(o *Orchestrator) {
		o.board = b
	}
}

// WithMonitor shares a manual completion monitor, e.g. with an API server.
func WithMonitor(m *manual.Monitor) Option {
	return func(o *Orchestrator) {
		o.monitor = m
	}
}

// WithVersions lets conditions and handlers read final phase versions.
func WithVersions(v workflow.VersionReader) Option {
	return func(o *Orchestrator) {
		o.versions = v
	}
}

// WithPartitionSource sets how parallel templates are expanded.
// Defaults to MetadataPartitions.
func WithPartitionSource(p PartitionSource) Option {
	return func(o *Orchestrator) {
		o.partitions = p
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *metrics.Engine) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithPollInterval sets the idle wake-up interval of the control loop.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRunTimeout bounds the duration of a run. Zero means no limit.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.runTimeout = d
	}
}

// WithDefaultTimeout applies to templates that declare no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.defaultTimeout = d
	}
}

// WithMaxParallel bounds concurrently running parallel instances. Zero means unbounded.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		o.maxParallel = n
	}
}

// WithCompensationTimeout bounds each Compensate call.
func WithCompensationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.compensationTimeout = d
		}
	}
}

// WithClock overrides the loop clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New binds every catalog template to its handler, merges handler-declared
// dependencies, validates the graph and seals the registry.
func New(cat *catalog.Catalog, reg *handler.Registry, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:              slog.Default().With("component", "orchestrator"),
		handlers:            make(map[workflow.TemplateID]handler.Handler),
		hook:                logging.TaggingHook{},
		partitions:          MetadataPartitions,
		now:                 time.Now,
		pollInterval:        DefaultPollInterval,
		compensationTimeout: DefaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.monitor == nil {
		o.monitor = manual.NewMonitor(manual.WithClock(o.now))
	}

	templates := cat.Templates()
	var errs []error
	for i, t := range templates {
		h, err := reg.Lookup(t.ID.Phase, t.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", t.ID, err))
			continue
		}
		deps, err := mergeDependencies(t, h.Dependencies())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		templates[i].Dependencies = deps
		o.handlers[t.ID] = h
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	resolver, err := NewResolver(templates)
	if err != nil {
		return nil, err
	}
	o.resolver = resolver
	reg.Seal()

	o.logger.Debug("orchestrator ready", "templates", len(templates), "phases", cat.Phases())
	return o, nil
}

// mergeDependencies combines template and handler dependencies. When both
// declare a non-empty set the sets must match.
func mergeDependencies(t workflow.Template, fromHandler []workflow.TemplateID) ([]workflow.TemplateID, error) {
	if len(fromHandler) == 0 {
		return t.Dependencies, nil
	}
	if len(t.Dependencies) == 0 {
		return append([]workflow.TemplateID(nil), fromHandler...), nil
	}

	want := make(map[workflow.TemplateID]bool, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		want[dep] = true
	}
	got := make(map[workflow.TemplateID]bool, len(fromHandler))
	for _, dep := range fromHandler {
		got[dep] = true
	}
	if len(want) != len(got) {
		return nil, fmt.Errorf("template %s declares %v, handler declares %v: %w", t.ID, t.Dependencies, fromHandler, workflow.ErrDependencyMismatch)
	}
	for dep := range got {
		if !want[dep] {
			return nil, fmt.Errorf("template %s declares %v, handler declares %v: %w", t.ID, t.Dependencies, fromHandler, workflow.ErrDependencyMismatch)
		}
	}
	return t.Dependencies, nil
}

// Templates returns the templates in declaration order with merged dependencies.
func (o *Orchestrator) Templates() []workflow.Template {
	return o.resolver.Templates()
}

// Monitor returns the manual completion monitor used by runs.
func (o *Orchestrator) Monitor() *manual.Monitor {
	return o.monitor
}

// SignalManualCompletion completes an instance that is awaiting manual completion.
// The owning run picks the signal up on its next iteration.
func (o *Orchestrator) SignalManualCompletion(instanceID, actor string) error {
	return o.monitor.Signal(instanceID, actor)
}

// Run executes one run to completion and returns its report. The error is the
// report's Err: nil only when the run succeeded.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Report, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	o.metrics.RunStarted()
	r := o.newRun(ctx, req)
	defer r.close()

	r.logger.Info("run started", "templates", len(o.resolver.templates))
	report := r.loop()
	o.metrics.RunFinished(string(report.Status))

	if report.Err != nil {
		r.logger.Error("run finished", "status", report.Status, "duration", report.Duration(), "error", report.Err)
	} else {
		r.logger.Info("run finished", "status", report.Status, "duration", report.Duration())
	}
	return report, report.Err
}

func (o *Orchestrator) timeout(t workflow.Template) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return o.defaultTimeout
}
