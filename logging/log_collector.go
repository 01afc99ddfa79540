package logging

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the entries kept per instance when no limit is given.
const DefaultMaxEntries = 500

// LogEntry represents a single log record with structured data.
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// LogCollector is the audit sink for instance logs. It keeps the most recent
// entries of every instance; older entries are dropped once the limit is hit.
type LogCollector struct {
	mu         sync.RWMutex
	logs       map[string][]LogEntry
	maxEntries int
	dropped    map[string]int
}

// NewLogCollector creates a collector keeping up to maxEntries per instance.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewLogCollector(maxEntries int) *LogCollector {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &LogCollector{
		logs:       make(map[string][]LogEntry),
		maxEntries: maxEntries,
		dropped:    make(map[string]int),
	}
}

// Add appends an entry for an instance.
func (c *LogCollector) Add(instanceID string, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logs := append(c.logs[instanceID], entry)
	if over := len(logs) - c.maxEntries; over > 0 {
		logs = append([]LogEntry(nil), logs[over:]...)
		c.dropped[instanceID] += over
	}
	c.logs[instanceID] = logs
}

// Entries returns a copy of the entries of one instance.
func (c *LogCollector) Entries(instanceID string) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	logs, ok := c.logs[instanceID]
	if !ok {
		return nil
	}
	return append([]LogEntry(nil), logs...)
}

// Dropped returns how many entries of an instance were discarded.
func (c *LogCollector) Dropped(instanceID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped[instanceID]
}

// All returns a copy of every instance's entries.
func (c *LogCollector) All() map[string][]LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string][]LogEntry, len(c.logs))
	for id, logs := range c.logs {
		result[id] = append([]LogEntry(nil), logs...)
	}
	return result
}

// Clear removes every stored entry.
func (c *LogCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = make(map[string][]LogEntry)
	c.dropped = make(map[string]int)
}
