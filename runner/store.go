package runner

import (
	"errors"
	"sync"
)

// ErrNoStartTime is returned when saving a run that never started.
var ErrNoStartTime = errors.New("cannot save run without start time")

// StateStore manages persistence of run history.
type StateStore interface {
	// History returns finished runs, most recent first.
	History() []RunSummary
	// Instances returns the instance records of a run.
	Instances(runID string) []InstanceRecord
	// Save persists a finished run.
	Save(summary RunSummary, instances []InstanceRecord) error
}

// MemoryStore keeps run history in memory.
type MemoryStore struct {
	maxCount  int
	mu        sync.Mutex
	summaries []RunSummary
	instances map[string][]InstanceRecord
}

var _ StateStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store keeping up to maxCount runs. maxCount <= 0
// keeps everything.
func NewMemoryStore(maxCount int) *MemoryStore {
	return &MemoryStore{
		maxCount:  maxCount,
		instances: make(map[string][]InstanceRecord),
	}
}

func (s *MemoryStore) History() []RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]RunSummary, len(s.summaries))
	copy(result, s.summaries)
	return result
}

func (s *MemoryStore) Instances(runID string) []InstanceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.instances[runID]
	if !ok {
		return nil
	}
	result := make([]InstanceRecord, len(records))
	copy(result, records)
	return result
}

func (s *MemoryStore) Save(summary RunSummary, instances []InstanceRecord) error {
	if summary.StartedAt.IsZero() {
		return ErrNoStartTime
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries = append([]RunSummary{summary}, s.summaries...)
	s.instances[summary.ID] = instances

	if s.maxCount > 0 && len(s.summaries) > s.maxCount {
		for _, old := range s.summaries[s.maxCount:] {
			delete(s.instances, old.ID)
		}
		s.summaries = s.summaries[:s.maxCount]
	}
	return nil
}
