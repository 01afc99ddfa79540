// Package manual tracks activity instances whose completion is driven by a human
// action outside the engine.
//
// The orchestrator parks an instance with Await and polls it on every loop
// iteration. External callers complete it with Signal. The Monitor never touches
// instance state itself: Poll reports an Outcome and the orchestrator applies the
// transition, keeping the control loop the single writer.
//
//	m := manual.NewMonitor()
//	m.Await(instanceID, time.Now().Add(time.Hour))
//	_ = m.Signal(instanceID, "alice")          // from an API handler
//	if out, ok := m.Poll(ctx, instanceID, time.Now()); ok {
//	    // out.Completed() or out.TimedOut()
//	}
package manual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/phaseflow/workflow"
)

// OutcomeKind describes how a parked instance left the awaiting state.
type OutcomeKind int

const (
	// Completed means an external actor signalled completion.
	Completed OutcomeKind = iota

	// TimedOut means the instance's deadline elapsed without a signal.
	TimedOut
)

// Outcome is the result of polling a parked instance.
type Outcome struct {
	Kind  OutcomeKind
	Actor string
	At    time.Time
}

// Completed returns true if an actor completed the step.
func (o Outcome) Completed() bool {
	return o.Kind == Completed
}

// TimedOut returns true if the step timed out.
func (o Outcome) TimedOut() bool {
	return o.Kind == TimedOut
}

// Poller checks an external system for completion of a parked instance.
// It returns the completing actor and true once the step is done.
type Poller interface {
	CheckCompletion(ctx context.Context, instanceID string) (actor string, done bool, err error)
}

type wait struct {
	deadline time.Time
	signal   *Outcome
}

// Monitor holds the set of parked instances and their pending signals.
type Monitor struct {
	logger *slog.Logger
	poller Poller
	now    func() time.Time

	mu    sync.Mutex
	waits map[string]*wait
	wake  chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger for the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger.With("component", "manual_monitor")
	}
}

// WithPoller sets an external completion source consulted on every poll.
func WithPoller(p Poller) Option {
	return func(m *Monitor) {
		m.poller = p
	}
}

// WithClock overrides the wall clock used to timestamp signals.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a Monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		logger: slog.Default().With("component", "manual_monitor"),
		now:    time.Now,
		waits:  make(map[string]*wait),
		wake:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Await parks an instance until deadline. A zero deadline never times out.
// Re-parking an instance (e.g. on retry) resets its deadline and discards any
// stale signal.
func (m *Monitor) Await(instanceID string, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waits[instanceID] = &wait{deadline: deadline}
	m.logger.Debug("instance awaiting manual completion", "instance_id", instanceID, "deadline", deadline)
}

// Signal records that actor completed the parked instance.
// Returns ErrInvalidState if the instance is not awaiting manual completion or
// has already been signalled.
func (m *Monitor) Signal(instanceID, actor string) error {
	if actor == "" {
		return fmt.Errorf("signal %s: actor is required", instanceID)
	}

	m.mu.Lock()
	w, ok := m.waits[instanceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("signal %s: not awaiting manual completion: %w", instanceID, workflow.ErrInvalidState)
	}
	if w.signal != nil {
		m.mu.Unlock()
		return fmt.Errorf("signal %s: already completed by %s: %w", instanceID, w.signal.Actor, workflow.ErrInvalidState)
	}
	w.signal = &Outcome{Kind: Completed, Actor: actor, At: m.now()}
	m.mu.Unlock()

	m.logger.Info("manual completion signalled", "instance_id", instanceID, "actor", actor)
	m.notify()
	return nil
}

// Poll reports whether a parked instance has left the awaiting state. Once an
// outcome is returned the instance is no longer tracked.
func (m *Monitor) Poll(ctx context.Context, instanceID string, now time.Time) (Outcome, bool) {
	m.mu.Lock()
	w, ok := m.waits[instanceID]
	if !ok {
		m.mu.Unlock()
		return Outcome{}, false
	}
	if w.signal != nil {
		out := *w.signal
		delete(m.waits, instanceID)
		m.mu.Unlock()
		return out, true
	}
	deadline := w.deadline
	m.mu.Unlock()

	if m.poller != nil {
		actor, done, err := m.poller.CheckCompletion(ctx, instanceID)
		if err != nil {
			m.logger.Warn("manual completion poll failed", "instance_id", instanceID, "error", err)
		} else if done {
			m.mu.Lock()
			delete(m.waits, instanceID)
			m.mu.Unlock()
			return Outcome{Kind: Completed, Actor: actor, At: m.now()}, true
		}
	}

	if !deadline.IsZero() && !now.Before(deadline) {
		m.mu.Lock()
		delete(m.waits, instanceID)
		m.mu.Unlock()
		m.logger.Warn("manual step timed out", "instance_id", instanceID, "deadline", deadline)
		return Outcome{Kind: TimedOut, At: now}, true
	}

	return Outcome{}, false
}

// Forget stops tracking an instance without an outcome, e.g. on cancellation.
func (m *Monitor) Forget(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waits, instanceID)
}

// Awaiting returns true if the instance is parked.
func (m *Monitor) Awaiting(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waits[instanceID]
	return ok
}

// Wake returns a channel that is closed by the next accepted signal. Every
// caller holding it is woken, so one monitor can serve several runs. Fetch it
// before polling to avoid missing a signal in between.
func (m *Monitor) Wake() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wake
}

func (m *Monitor) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.wake)
	m.wake = make(chan struct{})
}
