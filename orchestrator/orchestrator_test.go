package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/phaseflow/approval"
	"github.com/nomis52/phaseflow/catalog"
	"github.com/nomis52/phaseflow/handler"
	"github.com/nomis52/phaseflow/logging"
	"github.com/nomis52/phaseflow/metrics"
	"github.com/nomis52/phaseflow/progress"
	"github.com/nomis52/phaseflow/statestore"
	"github.com/nomis52/phaseflow/workflow"
)

// Test helpers
// ---------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T, templates ...workflow.Template) *catalog.Catalog {
	t.Helper()
	var phases []string
	seen := make(map[string]bool)
	for _, tmpl := range templates {
		if !seen[tmpl.ID.Phase] {
			seen[tmpl.ID.Phase] = true
			phases = append(phases, tmpl.ID.Phase)
		}
	}
	cat, err := catalog.New(phases, templates)
	require.NoError(t, err)
	return cat
}

// newTestOrchestrator registers handlers by template kind. Templates without a
// handler get one that succeeds immediately.
func newTestOrchestrator(t *testing.T, templates []workflow.Template, handlers map[string]handler.Handler, opts ...Option) *Orchestrator {
	t.Helper()
	reg := handler.NewRegistry()
	for _, tmpl := range templates {
		h, ok := handlers[tmpl.Kind]
		if !ok {
			h = &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
				return handler.Complete(nil), nil
			}}
		}
		require.NoError(t, reg.Register(tmpl.ID.Phase, tmpl.Kind, h))
	}

	opts = append([]Option{WithLogger(discardLogger()), WithPollInterval(2 * time.Millisecond)}, opts...)
	o, err := New(testCatalog(t, templates...), reg, opts...)
	require.NoError(t, err)
	return o
}

func runOnce(t *testing.T, o *Orchestrator) (*Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.Run(ctx, RunRequest{})
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// handler returns a handler that records the instance label and succeeds with output.
func (r *recorder) handler(output map[string]any) *handler.Func {
	return &handler.Func{
		ExecuteFn: func(_ context.Context, ec handler.ExecContext) (handler.Result, error) {
			r.add(ec.Instance.Label())
			return handler.Complete(output), nil
		},
		CompensateFn: func(_ context.Context, ec handler.ExecContext, _ handler.Result) error {
			r.add("undo " + ec.Instance.Label())
			return nil
		},
	}
}

func partitions(keys ...string) PartitionSource {
	return PartitionFunc(func(context.Context, workflow.Template, workflow.View) ([]string, error) {
		return keys, nil
	})
}

func failing(err error) *handler.Func {
	return &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
		return handler.Result{}, err
	}}
}

func byPartition(instances []workflow.Instance) map[string]workflow.Instance {
	out := make(map[string]workflow.Instance, len(instances))
	for _, inst := range instances {
		out[inst.PartitionKey] = inst
	}
	return out
}

type recordingSink struct {
	mu        sync.Mutex
	states    map[string][]workflow.InstanceState
	writes    int
	failAfter int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{states: make(map[string][]workflow.InstanceState), failAfter: -1}
}

func (s *recordingSink) PersistInstance(_ context.Context, inst workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failAfter >= 0 && s.writes > s.failAfter {
		return errors.New("disk full")
	}
	s.states[inst.ID] = append(s.states[inst.ID], inst.State)
	return nil
}

func (s *recordingSink) history(id string) []workflow.InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.InstanceState(nil), s.states[id]...)
}

// Construction
// ---------------------------------------------------------------------

func TestNew_HandlerNotFound(t *testing.T) {
	cat := testCatalog(t, seqTemplate("a"), seqTemplate("b"))
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register("p", "a", &handler.Func{}))

	_, err := New(cat, reg, WithLogger(discardLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrHandlerNotFound)
	assert.Contains(t, err.Error(), "p/b")
	assert.False(t, reg.Sealed(), "a failed build leaves the registry open")
}

func TestNew_CyclicDependency(t *testing.T) {
	a := seqTemplate("a", tid("p", "b"))
	b := seqTemplate("b", tid("p", "a"))
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register("p", "a", &handler.Func{}))
	require.NoError(t, reg.Register("p", "b", &handler.Func{}))

	_, err := New(testCatalog(t, a, b), reg, WithLogger(discardLogger()))
	assert.ErrorIs(t, err, workflow.ErrCyclicDependency)
}

func TestNew_DependencyMerge(t *testing.T) {
	t.Run("handler only", func(t *testing.T) {
		rec := &recorder{}
		b := seqTemplate("b")
		a := seqTemplate("a")
		hb := rec.handler(nil)
		hb.Deps = []workflow.TemplateID{a.ID}

		o := newTestOrchestrator(t, []workflow.Template{b, a}, map[string]handler.Handler{"a": rec.handler(nil), "b": hb})
		_, err := runOnce(t, o)
		require.NoError(t, err)
		assert.Equal(t, []string{"p/a", "p/b"}, rec.list())
	})

	t.Run("matching sets", func(t *testing.T) {
		a := seqTemplate("a")
		c := seqTemplate("c")
		b := seqTemplate("b", a.ID, c.ID)
		hb := &handler.Func{Deps: []workflow.TemplateID{c.ID, a.ID}}
		newTestOrchestrator(t, []workflow.Template{a, c, b}, map[string]handler.Handler{"b": hb})
	})

	t.Run("mismatch", func(t *testing.T) {
		a, c := seqTemplate("a"), seqTemplate("c")
		b := seqTemplate("b", a.ID)
		reg := handler.NewRegistry()
		require.NoError(t, reg.Register("p", "a", &handler.Func{}))
		require.NoError(t, reg.Register("p", "c", &handler.Func{}))
		require.NoError(t, reg.Register("p", "b", &handler.Func{Deps: []workflow.TemplateID{c.ID}}))

		_, err := New(testCatalog(t, a, c, b), reg, WithLogger(discardLogger()))
		assert.ErrorIs(t, err, workflow.ErrDependencyMismatch)
	})
}

func TestNew_SealsRegistry(t *testing.T) {
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register("p", "a", &handler.Func{}))
	_, err := New(testCatalog(t, seqTemplate("a")), reg, WithLogger(discardLogger()))
	require.NoError(t, err)

	err = reg.Register("p", "late", &handler.Func{})
	assert.ErrorIs(t, err, workflow.ErrRegistrySealed)
}

// Scheduling
// ---------------------------------------------------------------------

func TestRun_SequentialInDependencyOrder(t *testing.T) {
	rec := &recorder{}
	c := seqTemplate("c", tid("p", "b"))
	b := seqTemplate("b", tid("p", "a"))
	a := seqTemplate("a")

	o := newTestOrchestrator(t, []workflow.Template{c, b, a}, map[string]handler.Handler{
		"a": rec.handler(map[string]any{"owners": 3}),
		"b": rec.handler(nil),
		"c": rec.handler(nil),
	})

	report, err := runOnce(t, o)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Equal(t, []string{"p/a", "p/b", "p/c"}, rec.list())
	assert.Equal(t, 3, report.Metadata["owners"])
	assert.Empty(t, report.NonTerminal)

	for _, inst := range report.Instances {
		assert.Equal(t, workflow.Succeeded, inst.State)
		assert.Equal(t, workflow.CompletedBySystem, inst.CompletedBy)
		assert.Len(t, inst.Attempts, 1)
		assert.Equal(t, report.RunID, inst.RunID)
	}
}

func TestRun_WaitsForAllDependencies(t *testing.T) {
	var mu sync.Mutex
	done := make(map[string]bool)
	var sawBoth atomic.Bool

	mark := func(name string) *handler.Func {
		return &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			done[name] = true
			mu.Unlock()
			return handler.Complete(nil), nil
		}}
	}

	a, b := parTemplate("a"), parTemplate("b")
	x := seqTemplate("x", a.ID, b.ID)
	o := newTestOrchestrator(t, []workflow.Template{a, b, x}, map[string]handler.Handler{
		"a": mark("a"),
		"b": mark("b"),
		"x": &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
			mu.Lock()
			sawBoth.Store(done["a"] && done["b"])
			mu.Unlock()
			return handler.Complete(nil), nil
		}},
	}, WithPartitionSource(partitions("only")))

	_, err := runOnce(t, o)
	require.NoError(t, err)
	assert.True(t, sawBoth.Load(), "x started before both dependencies succeeded")
}

func TestRun_SequentialLane(t *testing.T) {
	var running, peak atomic.Int32
	busy := &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return handler.Complete(nil), nil
	}}

	templates := []workflow.Template{seqTemplate("x"), seqTemplate("y"), seqTemplate("z")}
	o := newTestOrchestrator(t, templates, map[string]handler.Handler{"x": busy, "y": busy, "z": busy})

	_, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_ParallelRunsConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(3)
	barrier := &handler.Func{ExecuteFn: func(ctx context.Context, _ handler.ExecContext) (handler.Result, error) {
		arrived.Done()
		waited := make(chan struct{})
		go func() {
			arrived.Wait()
			close(waited)
		}()
		select {
		case <-waited:
			return handler.Complete(nil), nil
		case <-time.After(2 * time.Second):
			return handler.Result{}, errors.New("partitions did not run concurrently")
		}
	}}

	fan := parTemplate("fan")
	o := newTestOrchestrator(t, []workflow.Template{fan}, map[string]handler.Handler{"fan": barrier},
		WithPartitionSource(partitions("p1", "p2", "p3")))

	report, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Len(t, report.ByTemplate(fan.ID), 3)
}

func TestRun_MaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	busy := &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return handler.Complete(nil), nil
	}}

	fan := parTemplate("fan")
	o := newTestOrchestrator(t, []workflow.Template{fan}, map[string]handler.Handler{"fan": busy},
		WithPartitionSource(partitions("a", "b", "c", "d", "e", "f")),
		WithMaxParallel(2))

	_, err := runOnce(t, o)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_ParallelOutputsAreNamespaced(t *testing.T) {
	fan := parTemplate("fan")
	o := newTestOrchestrator(t, []workflow.Template{fan}, map[string]handler.Handler{
		"fan": &handler.Func{ExecuteFn: func(_ context.Context, ec handler.ExecContext) (handler.Result, error) {
			return handler.Complete(map[string]any{"rows": ec.Instance.PartitionKey}), nil
		}},
	}, WithPartitionSource(partitions("east", "west")))

	report, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Equal(t, "east", report.Metadata["p/fan[east].rows"])
	assert.Equal(t, "west", report.Metadata["p/fan[west].rows"])
}

func TestRun_ZeroPartitions(t *testing.T) {
	rec := &recorder{}
	fan := parTemplate("fan")
	after := seqTemplate("after", fan.ID)
	o := newTestOrchestrator(t, []workflow.Template{fan, after}, map[string]handler.Handler{"after": rec.handler(nil)},
		WithPartitionSource(partitions()))

	report, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Empty(t, report.ByTemplate(fan.ID))
	assert.Equal(t, []string{"p/after"}, rec.list())
}

func TestRun_PartitionsFromMetadata(t *testing.T) {
	rec := &recorder{}
	plan := seqTemplate("plan")
	fan := parTemplate("fan", plan.ID)
	o := newTestOrchestrator(t, []workflow.Template{plan, fan}, map[string]handler.Handler{
		"plan": rec.handler(map[string]any{PartitionsKey(fan.ID): []string{"q1", "q2"}}),
		"fan":  rec.handler(nil),
	})

	report, err := runOnce(t, o)
	require.NoError(t, err)
	parts := report.ByTemplate(fan.ID)
	require.Len(t, parts, 2)
	assert.Equal(t, parts[0].ParentID, parts[1].ParentID)
	assert.NotEmpty(t, parts[0].ParentID)
	assert.ElementsMatch(t, []string{"p/plan", "p/fan[q1]", "p/fan[q2]"}, rec.list())
}

func TestRun_ExpansionError(t *testing.T) {
	fan := parTemplate("fan")
	o := newTestOrchestrator(t, []workflow.Template{fan}, nil,
		WithPartitionSource(PartitionFunc(func(context.Context, workflow.Template, workflow.View) ([]string, error) {
			return nil, errors.New("inventory unavailable")
		})))

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecutionFailure)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, fan.ID, report.Failures[0].Template)
	assert.Empty(t, report.Failures[0].InstanceID)
}

// Conditions
// ---------------------------------------------------------------------

func TestRun_Conditions(t *testing.T) {
	rec := &recorder{}
	scope := seqTemplate("scope")
	full := seqTemplate("full", scope.ID)
	full.Condition = workflow.MetadataEquals{Key: "scope", Value: "full"}
	partial := seqTemplate("partial", scope.ID)
	partial.Condition = workflow.MetadataEquals{Key: "scope", Value: "partial"}
	partial.Required = false
	report := seqTemplate("report", partial.ID)

	o := newTestOrchestrator(t, []workflow.Template{scope, full, partial, report}, map[string]handler.Handler{
		"scope":   rec.handler(map[string]any{"scope": "full"}),
		"full":    rec.handler(nil),
		"partial": rec.handler(nil),
		"report":  rec.handler(nil),
	})

	got, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Equal(t, []string{"p/scope", "p/full", "p/report"}, rec.list())
	assert.Equal(t, workflow.Skipped, got.ByTemplate(partial.ID)[0].State)
	assert.Equal(t, workflow.Succeeded, got.ByTemplate(report.ID)[0].State, "skipped satisfies dependents")
}

func TestRun_RequestMetadataSeedsConditions(t *testing.T) {
	rec := &recorder{}
	audit := seqTemplate("audit")
	audit.Condition = workflow.MetadataPresent{Key: "audit"}

	o := newTestOrchestrator(t, []workflow.Template{audit}, map[string]handler.Handler{"audit": rec.handler(nil)})
	report, err := o.Run(context.Background(), RunRequest{ID: "run-7", Metadata: map[string]any{"audit": true}})
	require.NoError(t, err)
	assert.Equal(t, "run-7", report.RunID)
	assert.Equal(t, []string{"p/audit"}, rec.list())
}

func TestRun_RequiredConditionNeverHolds(t *testing.T) {
	gated := seqTemplate("gated")
	gated.Condition = workflow.MetadataPresent{Key: "never"}

	o := newTestOrchestrator(t, []workflow.Template{gated}, nil)
	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecutionFailure)
	assert.Equal(t, workflow.Failed, report.ByTemplate(gated.ID)[0].State)
}

func TestRun_OptionalParallelSkipped(t *testing.T) {
	rec := &recorder{}
	fan := parTemplate("fan")
	fan.Required = false
	fan.Condition = workflow.MetadataPresent{Key: "never"}
	after := seqTemplate("after", fan.ID)

	o := newTestOrchestrator(t, []workflow.Template{fan, after}, map[string]handler.Handler{
		"fan":   rec.handler(nil),
		"after": rec.handler(nil),
	}, WithPartitionSource(partitions("a")))

	report, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Empty(t, report.ByTemplate(fan.ID))
	assert.Equal(t, []string{"p/after"}, rec.list())
}

func TestRun_ConditionError(t *testing.T) {
	broken := seqTemplate("broken")
	broken.Condition = workflow.Not{}

	o := newTestOrchestrator(t, []workflow.Template{broken}, nil)
	report, err := runOnce(t, o)
	require.Error(t, err)
	inst := report.ByTemplate(broken.ID)[0]
	assert.Equal(t, workflow.Failed, inst.State)
	assert.Empty(t, inst.Attempts, "condition errors consume no attempt")
}

func TestRun_FinalVersionGate(t *testing.T) {
	ctx := context.Background()
	versions := approval.NewMachine(approval.WithLogger(discardLogger()))

	build := func(rec *recorder) *Orchestrator {
		publish := seqTemplate("publish")
		publish.Required = false
		publish.Condition = workflow.FinalVersionExists{Phase: "scoping"}
		return newTestOrchestrator(t, []workflow.Template{publish}, map[string]handler.Handler{
			"publish": &handler.FinalVersionGate{Phase: "scoping", Next: rec.handler(nil)},
		}, WithVersions(versions))
	}

	t.Run("no final version", func(t *testing.T) {
		rec := &recorder{}
		report, err := runOnce(t, build(rec))
		require.NoError(t, err)
		assert.Empty(t, rec.list())
		assert.Equal(t, workflow.Skipped, report.Instances[0].State)
	})

	t.Run("final version", func(t *testing.T) {
		v, err := versions.CreateDraft(ctx, "scoping")
		require.NoError(t, err)
		_, err = versions.Submit(ctx, "scoping", v.Number)
		require.NoError(t, err)
		_, err = versions.ApproveOwner(ctx, "scoping", v.Number)
		require.NoError(t, err)
		_, err = versions.Approve(ctx, "scoping", v.Number, "reviewer")
		require.NoError(t, err)

		rec := &recorder{}
		_, err = runOnce(t, build(rec))
		require.NoError(t, err)
		assert.Equal(t, []string{"p/publish"}, rec.list())
	})
}

// Failures, retries and compensation
// ---------------------------------------------------------------------

func TestRun_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	flaky := seqTemplate("flaky")
	flaky.Retry = workflow.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	o := newTestOrchestrator(t, []workflow.Template{flaky}, map[string]handler.Handler{
		"flaky": &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
			if calls.Add(1) < 3 {
				return handler.Result{}, errors.New("transient")
			}
			return handler.Complete(nil), nil
		}},
	})

	report, err := runOnce(t, o)
	require.NoError(t, err)
	inst := report.Instances[0]
	assert.Equal(t, workflow.Succeeded, inst.State)
	require.Len(t, inst.Attempts, 3)
	assert.Equal(t, workflow.ReasonError, inst.Attempts[0].Reason)
	assert.Equal(t, workflow.ReasonError, inst.Attempts[1].Reason)
	assert.Empty(t, inst.Attempts[2].Reason)
	for i, a := range inst.Attempts {
		assert.Equal(t, i+1, a.Number)
	}
}

func TestRun_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	broken := seqTemplate("broken")
	broken.Retry = workflow.RetryPolicy{MaxAttempts: 3}
	after := seqTemplate("after", broken.ID)

	o := newTestOrchestrator(t, []workflow.Template{broken, after}, map[string]handler.Handler{
		"broken": &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
			calls.Add(1)
			return handler.Result{}, boom
		}},
	})

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, workflow.ErrExecutionFailure)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, int32(3), calls.Load(), "attempts never exceed the policy")

	require.Len(t, report.Failures, 1)
	assert.Len(t, report.Failures[0].Attempts, 3)
	afterInst := report.ByTemplate(after.ID)[0]
	assert.Equal(t, workflow.Pending, afterInst.State)
	assert.Equal(t, []string{afterInst.ID}, report.NonTerminal)
}

func TestRun_AttemptTimeout(t *testing.T) {
	slow := seqTemplate("slow")
	slow.Timeout = 20 * time.Millisecond

	o := newTestOrchestrator(t, []workflow.Template{slow}, map[string]handler.Handler{
		"slow": &handler.Func{ExecuteFn: func(ctx context.Context, _ handler.ExecContext) (handler.Result, error) {
			<-ctx.Done()
			return handler.Result{}, ctx.Err()
		}},
	})

	report, err := runOnce(t, o)
	require.Error(t, err)
	inst := report.Instances[0]
	assert.Equal(t, workflow.Failed, inst.State)
	require.Len(t, inst.Attempts, 1)
	assert.Equal(t, workflow.ReasonTimeout, inst.Attempts[0].Reason)
}

func TestRun_HandlerPanic(t *testing.T) {
	o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a")}, map[string]handler.Handler{
		"a": &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
			panic("nil map")
		}},
	})

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.Equal(t, workflow.ReasonPanic, report.Instances[0].Attempts[0].Reason)
}

func TestRun_PreconditionTimeout(t *testing.T) {
	var executed atomic.Bool
	gated := seqTemplate("gated")
	gated.Timeout = 20 * time.Millisecond
	gated.Retry = workflow.RetryPolicy{MaxAttempts: 2}

	o := newTestOrchestrator(t, []workflow.Template{gated}, map[string]handler.Handler{
		"gated": &handler.Func{
			CanExecuteFn: func(context.Context, handler.ExecContext) bool { return false },
			ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
				executed.Store(true)
				return handler.Complete(nil), nil
			},
		},
	})

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.False(t, executed.Load())
	inst := report.Instances[0]
	assert.Equal(t, workflow.Failed, inst.State)
	require.Len(t, inst.Attempts, 2)
	for _, a := range inst.Attempts {
		assert.Equal(t, workflow.ReasonPreconditionTimeout, a.Reason)
	}
}

func TestRun_GateOpensLater(t *testing.T) {
	var open atomic.Bool
	time.AfterFunc(20*time.Millisecond, func() { open.Store(true) })

	o := newTestOrchestrator(t, []workflow.Template{seqTemplate("gated")}, map[string]handler.Handler{
		"gated": &handler.Func{
			CanExecuteFn: func(context.Context, handler.ExecContext) bool { return open.Load() },
			ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
				return handler.Complete(nil), nil
			},
		},
	})

	report, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Len(t, report.Instances[0].Attempts, 1)
}

func TestRun_ParallelFailureCompensatesSiblings(t *testing.T) {
	rec := &recorder{}
	fan := parTemplate("fan")
	fan.Retry = workflow.RetryPolicy{MaxAttempts: 2}
	down := seqTemplate("down", fan.ID)

	fanHandler := rec.handler(nil)
	fanHandler.ExecuteFn = func(_ context.Context, ec handler.ExecContext) (handler.Result, error) {
		if ec.Instance.PartitionKey == "p2" {
			return handler.Result{}, errors.New("partition corrupt")
		}
		return handler.Complete(nil), nil
	}

	o := newTestOrchestrator(t, []workflow.Template{fan, down}, map[string]handler.Handler{
		"fan":  fanHandler,
		"down": rec.handler(nil),
	}, WithPartitionSource(partitions("p1", "p2", "p3")))

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecutionFailure)
	assert.Equal(t, StatusFailed, report.Status)

	parts := byPartition(report.ByTemplate(fan.ID))
	require.Len(t, parts, 3)
	assert.Equal(t, workflow.Compensated, parts["p1"].State)
	assert.Equal(t, workflow.Failed, parts["p2"].State)
	assert.Len(t, parts["p2"].Attempts, 2)
	assert.Equal(t, workflow.Compensated, parts["p3"].State)
	assert.ElementsMatch(t, []string{parts["p1"].ID, parts["p3"].ID}, report.Compensated)

	downInst := report.ByTemplate(down.ID)[0]
	assert.Equal(t, workflow.Pending, downInst.State, "downstream never becomes ready")
	assert.Contains(t, report.NonTerminal, downInst.ID)
	assert.NotContains(t, rec.list(), "p/down")
	assert.ElementsMatch(t, []string{"undo p/fan[p1]", "undo p/fan[p3]"}, filterPrefix(rec.list(), "undo "))
}

func TestRun_CompensationInReverseCompletionOrder(t *testing.T) {
	rec := &recorder{}
	a := seqTemplate("a")
	b := seqTemplate("b", a.ID)
	c := seqTemplate("c", b.ID)
	a.CompensateOn = []workflow.TemplateID{c.ID}
	b.CompensateOn = []workflow.TemplateID{c.ID}

	o := newTestOrchestrator(t, []workflow.Template{a, b, c}, map[string]handler.Handler{
		"a": rec.handler(nil),
		"b": rec.handler(nil),
		"c": failing(errors.New("upload rejected")),
	})

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.Equal(t, []string{"p/a", "p/b", "undo p/b", "undo p/a"}, rec.list())
	assert.Len(t, report.Compensated, 2)
}

func TestRun_CompensationFailureIsWarning(t *testing.T) {
	fan := parTemplate("fan")
	o := newTestOrchestrator(t, []workflow.Template{fan}, map[string]handler.Handler{
		"fan": &handler.Func{
			ExecuteFn: func(_ context.Context, ec handler.ExecContext) (handler.Result, error) {
				if ec.Instance.PartitionKey == "bad" {
					time.Sleep(5 * time.Millisecond)
					return handler.Result{}, errors.New("bad partition")
				}
				return handler.Complete(map[string]any{"id": 1}), nil
			},
			CompensateFn: func(_ context.Context, _ handler.ExecContext, res handler.Result) error {
				assert.Equal(t, 1, res.Output["id"], "compensation receives the execute result")
				return errors.New("already archived")
			},
		},
	}, WithPartitionSource(partitions("good", "bad")))

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, report.Status)

	parts := byPartition(report.ByTemplate(fan.ID))
	assert.Equal(t, workflow.CompensationFailed, parts["good"].State)
	require.Len(t, report.Warnings, 1)
	assert.ErrorIs(t, report.Warnings[0], workflow.ErrCompensationFailure)
	assert.Equal(t, parts["good"].ID, report.Warnings[0].InstanceID)
}

func filterPrefix(events []string, prefix string) []string {
	var out []string
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Manual completion
// ---------------------------------------------------------------------

func TestRun_ManualCompletion(t *testing.T) {
	rec := &recorder{}
	notified := make(chan string, 1)
	review := seqTemplate("review")
	publish := seqTemplate("publish", review.ID)

	o := newTestOrchestrator(t, []workflow.Template{review, publish}, map[string]handler.Handler{
		"review": &handler.Manual{Notify: func(_ context.Context, ec handler.ExecContext) error {
			notified <- ec.Instance.ID
			return nil
		}},
		"publish": rec.handler(nil),
	})

	signalled := make(chan error, 1)
	go func() {
		id := <-notified
		deadline := time.After(2 * time.Second)
		for !o.Monitor().Awaiting(id) {
			select {
			case <-deadline:
				signalled <- errors.New("instance never parked")
				return
			case <-time.After(time.Millisecond):
			}
		}
		signalled <- o.SignalManualCompletion(id, "alice")
	}()

	report, err := runOnce(t, o)
	require.NoError(t, err)
	require.NoError(t, <-signalled)

	inst := report.ByTemplate(review.ID)[0]
	assert.Equal(t, workflow.Succeeded, inst.State)
	assert.Equal(t, "alice", inst.CompletedBy)
	assert.Equal(t, []string{"p/publish"}, rec.list())

	err = o.SignalManualCompletion(inst.ID, "bob")
	assert.ErrorIs(t, err, workflow.ErrInvalidState, "completed instances reject further signals")
}

func TestRun_ManualTimeout(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
	}{
		{name: "single attempt", attempts: 1},
		{name: "retried", attempts: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var notified atomic.Int32
			review := seqTemplate("review")
			review.Timeout = 20 * time.Millisecond
			review.Retry = workflow.RetryPolicy{MaxAttempts: tt.attempts}

			o := newTestOrchestrator(t, []workflow.Template{review}, map[string]handler.Handler{
				"review": &handler.Manual{Notify: func(context.Context, handler.ExecContext) error {
					notified.Add(1)
					return nil
				}},
			})

			report, err := runOnce(t, o)
			require.Error(t, err)
			assert.ErrorIs(t, err, workflow.ErrManualTimeout)

			inst := report.Instances[0]
			assert.Equal(t, workflow.Failed, inst.State)
			require.Len(t, inst.Attempts, tt.attempts)
			for _, a := range inst.Attempts {
				assert.Equal(t, workflow.ReasonManualTimeout, a.Reason)
			}
			assert.Equal(t, int32(tt.attempts), notified.Load())
		})
	}
}

func TestRun_AwaitingManualFreesLane(t *testing.T) {
	rec := &recorder{}
	review := seqTemplate("review")
	review.Timeout = 50 * time.Millisecond
	review.Required = false
	other := seqTemplate("other")

	o := newTestOrchestrator(t, []workflow.Template{review, other}, map[string]handler.Handler{
		"review": &handler.Manual{},
		"other":  rec.handler(nil),
	})

	report, _ := runOnce(t, o)
	assert.Equal(t, []string{"p/other"}, rec.list())
	assert.Equal(t, workflow.Succeeded, report.ByTemplate(other.ID)[0].State)
}

// Cancellation and fatal errors
// ---------------------------------------------------------------------

func TestRun_Cancelled(t *testing.T) {
	rec := &recorder{}
	a := seqTemplate("a")
	b := seqTemplate("b", a.ID)
	c := seqTemplate("c", b.ID)
	a.CompensateOn = []workflow.TemplateID{b.ID}
	started := make(chan struct{})

	o := newTestOrchestrator(t, []workflow.Template{a, b, c}, map[string]handler.Handler{
		"a": rec.handler(nil),
		"b": &handler.Func{ExecuteFn: func(ctx context.Context, _ handler.ExecContext) (handler.Result, error) {
			close(started)
			<-ctx.Done()
			return handler.Result{}, ctx.Err()
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := o.Run(ctx, RunRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrRunCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, report.Status)

	assert.Equal(t, workflow.Compensated, report.ByTemplate(a.ID)[0].State)
	assert.Equal(t, workflow.Cancelled, report.ByTemplate(b.ID)[0].State)
	assert.Equal(t, workflow.Cancelled, report.ByTemplate(c.ID)[0].State)
	assert.Equal(t, []string{"p/a", "undo p/a"}, rec.list())
	assert.Empty(t, report.NonTerminal)
}

func TestRun_CancelledWhileAwaitingManual(t *testing.T) {
	review := seqTemplate("review")
	parked := make(chan string, 1)
	o := newTestOrchestrator(t, []workflow.Template{review}, map[string]handler.Handler{
		"review": &handler.Manual{Notify: func(_ context.Context, ec handler.ExecContext) error {
			parked <- ec.Instance.ID
			return nil
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		id := <-parked
		for !o.Monitor().Awaiting(id) {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	report, err := o.Run(ctx, RunRequest{})
	assert.ErrorIs(t, err, workflow.ErrRunCancelled)
	inst := report.Instances[0]
	assert.Equal(t, workflow.Cancelled, inst.State)
	assert.False(t, o.Monitor().Awaiting(inst.ID))
}

func TestRun_RunTimeout(t *testing.T) {
	o := newTestOrchestrator(t, []workflow.Template{seqTemplate("stuck")}, map[string]handler.Handler{
		"stuck": &handler.Func{ExecuteFn: func(ctx context.Context, _ handler.ExecContext) (handler.Result, error) {
			<-ctx.Done()
			return handler.Result{}, ctx.Err()
		}},
	}, WithRunTimeout(30*time.Millisecond))

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrRunTimeout)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, workflow.Cancelled, report.Instances[0].State)
}

func TestNewRun_RunContext(t *testing.T) {
	t.Run("without run timeout", func(t *testing.T) {
		o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a")}, nil)
		r := o.newRun(context.Background(), RunRequest{ID: "plain"})
		_, ok := r.ctx.Deadline()
		assert.False(t, ok)

		r.close()
		assert.ErrorIs(t, r.ctx.Err(), context.Canceled)
	})

	t.Run("with run timeout", func(t *testing.T) {
		o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a")}, nil, WithRunTimeout(10*time.Millisecond))
		r := o.newRun(context.Background(), RunRequest{ID: "bounded"})
		defer r.close()
		_, ok := r.ctx.Deadline()
		require.True(t, ok)

		<-r.ctx.Done()
		assert.ErrorIs(t, context.Cause(r.ctx), workflow.ErrRunTimeout)
	})

	t.Run("close releases the timeout context", func(t *testing.T) {
		o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a")}, nil, WithRunTimeout(time.Hour))
		r := o.newRun(context.Background(), RunRequest{ID: "released"})
		r.close()
		assert.ErrorIs(t, r.ctx.Err(), context.Canceled)
	})
}

func TestRun_PersistsEveryTransition(t *testing.T) {
	sink := newRecordingSink()
	o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a")}, nil, WithSink(sink))

	report, err := runOnce(t, o)
	require.NoError(t, err)
	assert.Equal(t, []workflow.InstanceState{
		workflow.Pending, workflow.Ready, workflow.Running, workflow.Succeeded,
	}, sink.history(report.Instances[0].ID))
}

func TestRun_PersistFailureAbortsRun(t *testing.T) {
	sink := newRecordingSink()
	sink.failAfter = 2
	var executed atomic.Int32
	count := &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
		executed.Add(1)
		return handler.Complete(nil), nil
	}}

	a := seqTemplate("a")
	b := seqTemplate("b", a.ID)
	o := newTestOrchestrator(t, []workflow.Template{a, b}, map[string]handler.Handler{"a": count, "b": count}, WithSink(sink))

	report, err := runOnce(t, o)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrPersist)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Zero(t, executed.Load(), "no handler runs once a write is lost")
}

func TestRun_StateStoreSink(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemory()
	o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a"), seqTemplate("b")}, nil, WithSink(store))

	report, err := o.Run(ctx, RunRequest{ID: "run-1"})
	require.NoError(t, err)

	stored, err := store.Instances(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, inst := range stored {
		assert.Equal(t, workflow.Succeeded, inst.State)
		got, ok := report.Instance(inst.ID)
		require.True(t, ok)
		assert.Equal(t, got.Template, inst.Template)
	}
}

// Observability
// ---------------------------------------------------------------------

func TestRun_ProgressStatusAndLogs(t *testing.T) {
	collection := progress.NewCollection()
	board := progress.NewStatusBoard()
	collector := logging.NewLogCollector(0)

	o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a")}, map[string]handler.Handler{
		"a": &handler.Func{ExecuteFn: func(_ context.Context, ec handler.ExecContext) (handler.Result, error) {
			ec.Status.Set("copying rows")
			ec.Logger.Info("hello from handler")
			return handler.Complete(nil), nil
		}},
	},
		WithProgress(collection),
		WithStatusBoard(board),
		WithLoggerHook(logging.NewCapturingHook(collector)),
	)

	report, err := runOnce(t, o)
	require.NoError(t, err)

	update, ok := collection.Get(report.RunID)
	require.True(t, ok)
	assert.Equal(t, 100, update.Percent)
	assert.Equal(t, "run succeeded", update.Step)

	id := report.Instances[0].ID
	assert.Equal(t, "copying rows", board.Get(id))

	var messages []string
	for _, entry := range collector.Entries(id) {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "hello from handler")
}

func TestRun_Metrics(t *testing.T) {
	registry, err := metrics.NewScrapeRegistry()
	require.NoError(t, err)
	engine, err := metrics.NewEngine(registry)
	require.NoError(t, err)

	flaky := seqTemplate("flaky")
	flaky.Retry = workflow.RetryPolicy{MaxAttempts: 2}
	var calls atomic.Int32
	o := newTestOrchestrator(t, []workflow.Template{flaky}, map[string]handler.Handler{
		"flaky": &handler.Func{ExecuteFn: func(context.Context, handler.ExecContext) (handler.Result, error) {
			if calls.Add(1) == 1 {
				return handler.Result{}, errors.New("transient")
			}
			return handler.Complete(nil), nil
		}},
	}, WithMetrics(engine))

	_, err = runOnce(t, o)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	registry.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `phaseflow_runs_total{status="succeeded"} 1`)
	assert.Contains(t, body, "phaseflow_retries_total 1")
	assert.Contains(t, body, `phaseflow_instance_transitions_total{phase="p",state="running",template="flaky"} 2`)
	assert.Contains(t, body, "phaseflow_runs_in_progress 0")
}

// Loop internals
// ---------------------------------------------------------------------

func TestStep_FixedPointWithoutEvents(t *testing.T) {
	review := seqTemplate("review")
	after := seqTemplate("after", review.ID)
	o := newTestOrchestrator(t, []workflow.Template{review, after}, map[string]handler.Handler{
		"review": &handler.Manual{},
	})

	r := o.newRun(context.Background(), RunRequest{ID: "fixed"})
	defer r.close()

	deadline := time.Now().Add(2 * time.Second)
	for r.byTemplate[review.ID][0].inst.State != workflow.AwaitingManual {
		require.True(t, time.Now().Before(deadline), "review never parked")
		require.False(t, r.step(time.Now()))
		time.Sleep(time.Millisecond)
	}

	snapshot := func() []workflow.Instance {
		var out []workflow.Instance
		for _, e := range r.entries {
			out = append(out, e.inst.Clone())
		}
		return out
	}
	before := snapshot()
	now := time.Now()
	for i := 0; i < 5; i++ {
		assert.False(t, r.step(now))
		assert.False(t, r.changed, "step %d changed state without an event", i)
	}
	assert.Equal(t, before, snapshot())
}

func TestApply_DiscardsStaleResults(t *testing.T) {
	o := newTestOrchestrator(t, []workflow.Template{seqTemplate("a")}, nil)
	r := o.newRun(context.Background(), RunRequest{ID: "stale"})
	defer r.close()

	e := r.entries[0]
	r.apply(attemptResult{id: e.inst.ID, attempt: 3, err: errors.New("late")}, time.Now())
	assert.Equal(t, workflow.Pending, e.inst.State)
	assert.Empty(t, r.failures)

	r.apply(attemptResult{id: "unknown", attempt: 1}, time.Now())
	assert.Empty(t, r.failures)
}
