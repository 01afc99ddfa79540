package statestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/nomis52/phaseflow/approval"
	"github.com/nomis52/phaseflow/workflow"
)

// Memory is an in-process Store.
type Memory struct {
	mu        sync.RWMutex
	instances map[string]workflow.Instance
	versions  map[string]map[int]approval.PhaseVersion
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]workflow.Instance),
		versions:  make(map[string]map[int]approval.PhaseVersion),
	}
}

func (m *Memory) PersistInstance(ctx context.Context, inst workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *Memory) PersistVersion(ctx context.Context, v approval.PhaseVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.versions[v.Phase]
	if !ok {
		byNumber = make(map[int]approval.PhaseVersion)
		m.versions[v.Phase] = byNumber
	}
	byNumber[v.Number] = v
	return nil
}

func (m *Memory) Instance(ctx context.Context, id string) (workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return workflow.Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst.Clone(), nil
}

func (m *Memory) Instances(ctx context.Context, runID string) ([]workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []workflow.Instance
	for _, inst := range m.instances {
		if inst.RunID == runID {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func (m *Memory) Versions(ctx context.Context, phase string) ([]approval.PhaseVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]approval.PhaseVersion, 0, len(m.versions[phase]))
	for _, v := range m.versions[phase] {
		out = append(out, v)
	}
	sortVersions(out)
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
