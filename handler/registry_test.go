package handler

import (
	"context"
	"testing"

	"github.com/nomis52/phaseflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	h := &Func{}

	require.NoError(t, reg.Register("scoping", "collect", h))

	got, err := reg.Lookup("scoping", "collect")
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("scoping", "collect", &Func{}))

	err := reg.Register("scoping", "collect", &Func{})
	assert.ErrorIs(t, err, workflow.ErrDuplicateRegistration)
}

func TestRegistry_LookupMissing(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("scoping", "collect", &Func{}))

	_, err := reg.Lookup("sampling", "collect")
	assert.ErrorIs(t, err, workflow.ErrHandlerNotFound)
}

func TestRegistry_Seal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("scoping", "collect", &Func{}))
	reg.Seal()

	assert.True(t, reg.Sealed())
	assert.ErrorIs(t, reg.Register("scoping", "review", &Func{}), workflow.ErrRegistrySealed)

	_, err := reg.Lookup("scoping", "collect")
	assert.NoError(t, err, "lookups still work after sealing")
}

func TestRegistry_InvalidRegistration(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("scoping", "collect", nil))
	assert.Error(t, reg.Register("", "collect", &Func{}))
	assert.Error(t, reg.Register("scoping", "", &Func{}))
}

func TestRegistry_Keys(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("sampling", "draw", &Func{}))
	require.NoError(t, reg.Register("scoping", "collect", &Func{}))

	assert.Equal(t, []Key{{Phase: "sampling", Kind: "draw"}, {Phase: "scoping", Kind: "collect"}}, reg.Keys())
}

func TestVariants(t *testing.T) {
	ctx := context.Background()

	t.Run("func defaults", func(t *testing.T) {
		f := &Func{}
		assert.True(t, f.CanExecute(ctx, ExecContext{}))
		assert.NoError(t, f.Compensate(ctx, ExecContext{}, Result{}))
		_, err := f.Execute(ctx, ExecContext{})
		assert.Error(t, err)
	})

	t.Run("manual parks", func(t *testing.T) {
		notified := 0
		m := &Manual{Notify: func(ctx context.Context, ec ExecContext) error {
			notified++
			return nil
		}}
		res, err := m.Execute(ctx, ExecContext{})
		require.NoError(t, err)
		assert.True(t, res.AwaitManual)
		assert.Equal(t, 1, notified)
	})

	t.Run("final version gate", func(t *testing.T) {
		g := &FinalVersionGate{Phase: "scoping", Next: &Func{}}
		assert.False(t, g.CanExecute(ctx, ExecContext{}))
		assert.False(t, g.CanExecute(ctx, ExecContext{View: staticView{}}))
		assert.True(t, g.CanExecute(ctx, ExecContext{View: staticView{finals: map[string]int{"scoping": 1}}}))
	})
}

type staticView struct {
	finals map[string]int
}

func (v staticView) Metadata(key string) (any, bool) { return nil, false }

func (v staticView) FinalVersion(phase string) (int, bool) {
	n, ok := v.finals[phase]
	return n, ok
}
