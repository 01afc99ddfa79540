package runner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const fileTimeFormat = "2006-01-02T15-04-05"

// DiskStore persists run history to disk as one JSON file per run.
type DiskStore struct {
	dir       string
	logger    *slog.Logger
	maxCount  int
	mu        sync.Mutex
	summaries []RunSummary                // protected by mu
	instances map[string][]InstanceRecord // protected by mu
	files     map[string]string           // run ID to file name, protected by mu
}

var _ StateStore = (*DiskStore)(nil)

// NewDiskStore creates a new disk-backed store.
// The directory is created if it doesn't exist, and existing runs are loaded.
func NewDiskStore(dir string, maxCount int, logger *slog.Logger) (*DiskStore, error) {
	s := &DiskStore{
		dir:       dir,
		logger:    logger.With("component", "history"),
		maxCount:  maxCount,
		instances: make(map[string][]InstanceRecord),
		files:     make(map[string]string),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := s.Reload(); err != nil {
		s.logger.Warn("failed to load existing runs", "error", err)
	}
	return s, nil
}

func (s *DiskStore) History() []RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]RunSummary, len(s.summaries))
	copy(result, s.summaries)
	return result
}

func (s *DiskStore) Instances(runID string) []InstanceRecord {
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

// Save writes the run to disk and updates the in-memory view. Files of runs
// beyond maxCount are removed.
func (s *DiskStore) Save(summary RunSummary, instances []InstanceRecord) error {
	if summary.StartedAt.IsZero() {
		return ErrNoStartTime
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := fileName(summary)
	data, err := json.MarshalIndent(runRecord{RunSummary: summary, Instances: instances}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}

	s.summaries = append([]RunSummary{summary}, s.summaries...)
	s.instances[summary.ID] = instances
	s.files[summary.ID] = name

	if s.maxCount > 0 && len(s.summaries) > s.maxCount {
		for _, old := range s.summaries[s.maxCount:] {
			s.evict(old.ID)
		}
		s.summaries = s.summaries[:s.maxCount]
	}

	s.logger.Debug("saved run to disk", "path", path)
	return nil
}

// Reload re-loads all runs from disk.
func (s *DiskStore) Reload() error {
	records, files, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries = make([]RunSummary, len(records))
	s.instances = make(map[string][]InstanceRecord, len(records))
	s.files = files
	for i, rec := range records {
		s.summaries[i] = rec.RunSummary
		s.instances[rec.ID] = rec.Instances
	}
	return nil
}

// evict drops a run from memory and disk. Callers hold mu.
func (s *DiskStore) evict(id string) {
	delete(s.instances, id)
	name, ok := s.files[id]
	if !ok {
		return
	}
	delete(s.files, id)
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove old run file", "file", name, "error", err)
	}
}

// load reads every run file, most recent first, limited to maxCount.
func (s *DiskStore) load() ([]runRecord, map[string]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var records []runRecord
	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read run file", "file", path, "error", err)
			continue
		}

		var rec runRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("failed to parse run file", "file", path, "error", err)
			continue
		}
		if rec.ID == "" || rec.StartedAt.IsZero() {
			s.logger.Warn("skipping incomplete run file", "file", path)
			continue
		}
		records = append(records, rec)
		files[rec.ID] = entry.Name()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	if s.maxCount > 0 && len(records) > s.maxCount {
		for _, rec := range records[s.maxCount:] {
			delete(files, rec.ID)
		}
		records = records[:s.maxCount]
	}

	s.logger.Info("loaded run history from disk", "count", len(records))
	return records, files, nil
}

func fileName(summary RunSummary) string {
	return summary.StartedAt.UTC().Format(fileTimeFormat) + "_" + summary.ID + ".json"
}
