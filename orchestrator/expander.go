package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/phaseflow/workflow"
)

// PartitionSource resolves the partition keys of a parallel template. It is
// called once per run, when the template first becomes eligible.
type PartitionSource interface {
	PartitionKeys(ctx context.Context, t workflow.Template, view workflow.View) ([]string, error)
}

// PartitionFunc adapts a function to PartitionSource.
type PartitionFunc func(ctx context.Context, t workflow.Template, view workflow.View) ([]string, error)

func (f PartitionFunc) PartitionKeys(ctx context.Context, t workflow.Template, view workflow.View) ([]string, error) {
	return f(ctx, t, view)
}

// MetadataPartitions reads partition keys from run metadata stored under
// "<phase>/<name>.partitions". The value may be a []string or a []any of strings.
// A missing key yields no partitions.
var MetadataPartitions = PartitionFunc(func(_ context.Context, t workflow.Template, view workflow.View) ([]string, error) {
	raw, ok := view.Metadata(PartitionsKey(t.ID))
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		keys := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("partition key %v is %T, want string", item, item)
			}
			keys = append(keys, s)
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("partitions of %s are %T, want a list of strings", t.ID, raw)
	}
})

// PartitionsSuffix ends every metadata key MetadataPartitions reads.
const PartitionsSuffix = ".partitions"

// PartitionsKey returns the metadata key MetadataPartitions reads for a template.
func PartitionsKey(id workflow.TemplateID) string {
	return id.String() + PartitionsSuffix
}

// Expand creates one pending instance per partition key. All instances share
// parentID as their slot. Keys must be non-empty and unique.
func Expand(t workflow.Template, keys []string, runID, parentID string, now time.Time) ([]workflow.Instance, error) {
	if t.Mode != workflow.Parallel {
		return nil, fmt.Errorf("expand %s: template is %s", t.ID, t.Mode)
	}

	seen := make(map[string]bool, len(keys))
	out := make([]workflow.Instance, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("expand %s: empty partition key", t.ID)
		}
		if seen[key] {
			return nil, fmt.Errorf("expand %s: duplicate partition key %q", t.ID, key)
		}
		seen[key] = true

		inst := newInstance(t, runID, now)
		inst.PartitionKey = key
		inst.ParentID = parentID
		out = append(out, inst)
	}
	return out, nil
}

func newInstance(t workflow.Template, runID string, now time.Time) workflow.Instance {
	return workflow.Instance{
		ID:        uuid.NewString(),
		RunID:     runID,
		Template:  t.ID,
		State:     workflow.Pending,
		UpdatedAt: now,
	}
}
