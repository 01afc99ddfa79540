package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/phaseflow/metrics"
	"github.com/nomis52/phaseflow/workflow"
)

// Machine enforces the version lifecycle and the single-final-version invariant.
//
// Every mutation loads the phase's book, applies the change to a copy and
// commits it with a compare-and-swap on the book token. Writers in the same
// process are serialized per phase; writers in other processes sharing the
// store are caught by the token check. A stale commit is retried once against a
// fresh book and then surfaced as workflow.ErrConcurrencyConflict.
type Machine struct {
	store   Store
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Engine
	now     func() time.Time

	mu     sync.Mutex
	phases map[string]*sync.Mutex
}

var _ workflow.VersionReader = (*Machine)(nil)

// Option configures a Machine.
type Option func(*Machine)

// WithStore sets the book store. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(m *Machine) {
		m.store = s
	}
}

// WithSink sets the sink that receives every changed version.
func WithSink(s Sink) Option {
	return func(m *Machine) {
		m.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithMetrics sets the engine metrics.
func WithMetrics(e *metrics.Engine) Option {
	return func(m *Machine) {
		m.metrics = e
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates a Machine.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		store:  NewMemoryStore(),
		logger: slog.Default(),
		now:    time.Now,
		phases: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "approval")
	return m
}

// CreateDraft starts a new draft version of a phase. Decision fields are never
// inherited from earlier versions.
func (m *Machine) CreateDraft(ctx context.Context, phase string) (PhaseVersion, error) {
	if phase == "" {
		return PhaseVersion{}, errors.New("phase is required")
	}
	return m.mutate(ctx, phase, func(b *Book, now time.Time) (int, error) {
		v := PhaseVersion{
			Phase:     phase,
			Number:    b.nextNumber(),
			Status:    Draft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		b.Versions = append(b.Versions, v)
		return len(b.Versions) - 1, nil
	})
}

// Submit moves a draft to pending_approval and clears both approval flags.
func (m *Machine) Submit(ctx context.Context, phase string, number int) (PhaseVersion, error) {
	return m.transition(ctx, phase, number, func(v *PhaseVersion) error {
		status, err := fire(v.Status, triggerSubmit)
		if err != nil {
			return err
		}
		v.Status = status
		v.ApprovedByOwner = false
		v.ApprovedByReviewer = false
		return nil
	})
}

// ApproveOwner records the producing owner's approval. It is accepted while the
// version is pending_approval or already approved by a reviewer.
func (m *Machine) ApproveOwner(ctx context.Context, phase string, number int) (PhaseVersion, error) {
	return m.transition(ctx, phase, number, func(v *PhaseVersion) error {
		if _, err := fire(v.Status, triggerOwnerApprove); err != nil {
			return err
		}
		v.ApprovedByOwner = true
		return nil
	})
}

// Approve records the reviewer decision and moves the version to approved.
func (m *Machine) Approve(ctx context.Context, phase string, number int, reviewer string) (PhaseVersion, error) {
	if reviewer == "" {
		return PhaseVersion{}, errors.New("reviewer is required")
	}
	return m.transition(ctx, phase, number, func(v *PhaseVersion) error {
		status, err := fire(v.Status, triggerApprove)
		if err != nil {
			return err
		}
		v.Status = status
		v.ApprovedByReviewer = true
		v.Reviewer = reviewer
		return nil
	})
}

// Reject records a reviewer rejection. A rejected version is never resubmitted.
func (m *Machine) Reject(ctx context.Context, phase string, number int, reviewer string) (PhaseVersion, error) {
	if reviewer == "" {
		return PhaseVersion{}, errors.New("reviewer is required")
	}
	return m.transition(ctx, phase, number, func(v *PhaseVersion) error {
		status, err := fire(v.Status, triggerReject)
		if err != nil {
			return err
		}
		v.Status = status
		v.Reviewer = reviewer
		return nil
	})
}

// Versions returns every version of a phase in creation order.
func (m *Machine) Versions(ctx context.Context, phase string) ([]PhaseVersion, error) {
	b, err := m.store.Load(ctx, phase)
	if err != nil {
		return nil, fmt.Errorf("loading versions of %q: %w", phase, err)
	}
	return b.Versions, nil
}

// Final returns the final version of a phase, if one exists.
func (m *Machine) Final(ctx context.Context, phase string) (PhaseVersion, bool, error) {
	b, err := m.store.Load(ctx, phase)
	if err != nil {
		return PhaseVersion{}, false, fmt.Errorf("loading versions of %q: %w", phase, err)
	}
	v, ok := b.final()
	return v, ok, nil
}

// FinalVersion returns the number of the final version of a phase. Store
// errors are logged and reported as no final version.
func (m *Machine) FinalVersion(phase string) (int, bool) {
	v, ok, err := m.Final(context.Background(), phase)
	if err != nil {
		m.logger.Warn("reading final version failed", "phase", phase, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return v.Number, true
}

// transition applies fn to one version and finalizes it if fn made it fully
// approved. Repeating an approval on a version that already had both never
// moves the final flag.
func (m *Machine) transition(ctx context.Context, phase string, number int, fn func(*PhaseVersion) error) (PhaseVersion, error) {
	return m.mutate(ctx, phase, func(b *Book, now time.Time) (int, error) {
		i := b.find(number)
		if i < 0 {
			return -1, fmt.Errorf("version %s/%d: %w", phase, number, ErrVersionNotFound)
		}
		wasApproved := b.Versions[i].fullyApproved()
		if err := fn(&b.Versions[i]); err != nil {
			return -1, fmt.Errorf("version %s/%d: %w", phase, number, err)
		}
		b.Versions[i].UpdatedAt = now

		if !wasApproved && b.Versions[i].fullyApproved() {
			for j := range b.Versions {
				if b.Versions[j].IsFinal {
					b.Versions[j].IsFinal = false
					b.Versions[j].UpdatedAt = now
				}
			}
			b.Versions[i].IsFinal = true
		}
		return i, nil
	})
}

// mutate runs one read-modify-write cycle against the phase book. fn returns the
// index of the version to hand back to the caller.
func (m *Machine) mutate(ctx context.Context, phase string, fn func(*Book, time.Time) (int, error)) (PhaseVersion, error) {
	lock := m.phaseLock(phase)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 1; ; attempt++ {
		current, err := m.store.Load(ctx, phase)
		if err != nil {
			return PhaseVersion{}, fmt.Errorf("loading versions of %q: %w", phase, err)
		}

		next := current.Clone()
		next.Phase = phase
		idx, err := fn(&next, m.now())
		if err != nil {
			return PhaseVersion{}, err
		}
		next.Token = current.Token + 1

		err = m.store.CompareAndSwap(ctx, next, current.Token)
		if errors.Is(err, ErrStale) {
			m.metrics.VersionConflict()
			if attempt < 2 {
				m.logger.Debug("version book changed concurrently, retrying", "phase", phase)
				continue
			}
			return PhaseVersion{}, fmt.Errorf("committing versions of %q: %w", phase, workflow.ErrConcurrencyConflict)
		}
		if err != nil {
			return PhaseVersion{}, fmt.Errorf("committing versions of %q: %w", phase, err)
		}

		if err := m.persistChanges(ctx, current, next); err != nil {
			return PhaseVersion{}, err
		}

		v := next.Versions[idx]
		if v.IsFinal && !wasFinal(current, v.Number) {
			m.metrics.VersionFinalized(phase)
			m.logger.Info("version finalized", "phase", phase, "version", v.Number, "reviewer", v.Reviewer)
		}
		return v, nil
	}
}

// persistChanges hands every version that differs between the two books to the sink.
func (m *Machine) persistChanges(ctx context.Context, before, after Book) error {
	if m.sink == nil {
		return nil
	}
	var errs []error
	for _, v := range after.Versions {
		i := before.find(v.Number)
		if i >= 0 && before.Versions[i] == v {
			continue
		}
		if err := m.sink.PersistVersion(ctx, v); err != nil {
			errs = append(errs, fmt.Errorf("version %s/%d: %w", v.Phase, v.Number, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", workflow.ErrPersist, errors.Join(errs...))
	}
	return nil
}

func (m *Machine) phaseLock(phase string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.phases[phase]
	if !ok {
		l = &sync.Mutex{}
		m.phases[phase] = l
	}
	return l
}

func wasFinal(b Book, number int) bool {
	i := b.find(number)
	return i >= 0 && b.Versions[i].IsFinal
}
