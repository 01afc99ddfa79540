package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nomis52/phaseflow/catalog"
	"github.com/nomis52/phaseflow/handler"
	"github.com/nomis52/phaseflow/orchestrator"
	"github.com/nomis52/phaseflow/workflow"
)

// Kinds with a built-in handler. Catalog templates of any other kind need a
// handler registered by an embedding program.
const (
	kindNoop   = "noop"
	kindManual = "manual"
	kindEcho   = "echo"
)

// builtins returns the built-in handler for kind, or nil.
func builtins(kind string, logger *slog.Logger) handler.Handler {
	switch kind {
	case kindNoop:
		return &handler.Func{
			ExecuteFn: func(ctx context.Context, ec handler.ExecContext) (handler.Result, error) {
				return handler.Complete(nil), nil
			},
		}
	case kindManual:
		return &handler.Manual{
			Notify: func(ctx context.Context, ec handler.ExecContext) error {
				logger.Info("waiting for manual completion",
					"instance_id", ec.Instance.ID,
					"template", ec.Template.ID.String(),
				)
				ec.Status.Set("waiting for manual completion")
				return nil
			},
		}
	case kindEcho:
		return &handler.Func{
			ExecuteFn: func(ctx context.Context, ec handler.ExecContext) (handler.Result, error) {
				out := map[string]any{"instance": ec.Instance.ID}
				if ec.Instance.PartitionKey != "" {
					out["partition"] = ec.Instance.PartitionKey
				}
				ec.Logger.Info("echo", "output", out)
				return handler.Complete(out), nil
			},
		}
	default:
		return nil
	}
}

// registerBuiltins registers built-in handlers for every (phase, kind) pair of
// the catalog that uses one.
func registerBuiltins(reg *handler.Registry, cat *catalog.Catalog, logger *slog.Logger) error {
	for _, t := range cat.Templates() {
		h := builtins(t.Kind, logger)
		if h == nil {
			continue
		}
		err := reg.Register(t.ID.Phase, t.Kind, h)
		if err != nil && !errors.Is(err, workflow.ErrDuplicateRegistration) {
			return fmt.Errorf("registering %s handler for %s: %w", t.Kind, t.ID, err)
		}
	}
	return nil
}

// metadataFlag collects repeated key=value flags. Values of keys ending in the
// partitions suffix are split on commas.
type metadataFlag struct {
	values map[string]any
}

func (m *metadataFlag) String() string {
	if m == nil || len(m.values) == 0 {
		return ""
	}
	return fmt.Sprint(m.values)
}

func (m *metadataFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if strings.HasSuffix(key, orchestrator.PartitionsSuffix) {
		var keys []string
		for _, k := range strings.Split(value, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		m.values[key] = keys
		return nil
	}
	m.values[key] = value
	return nil
}
