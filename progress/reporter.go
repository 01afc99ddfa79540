package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Reporter receives run progress. Implementations must be safe for concurrent use.
type Reporter interface {
	ReportProgress(runID string, percent int, step string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(runID string, percent int, step string)

func (f ReporterFunc) ReportProgress(runID string, percent int, step string) {
	f(runID, percent, step)
}

// Update is one progress report.
type Update struct {
	RunID   string    `json:"run_id"`
	Percent int       `json:"percent"`
	Step    string    `json:"step"`
	At      time.Time `json:"at"`
}

// Collection keeps the latest update of every run for status viewers.
type Collection struct {
	mu      sync.RWMutex
	updates map[string]Update
	now     func() time.Time
}

var _ Reporter = (*Collection)(nil)

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{
		updates: make(map[string]Update),
		now:     time.Now,
	}
}

func (c *Collection) ReportProgress(runID string, percent int, step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates[runID] = Update{RunID: runID, Percent: percent, Step: step, At: c.now()}
}

// Get returns the latest update of a run.
func (c *Collection) Get(runID string) (Update, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.updates[runID]
	return u, ok
}

// All returns a copy of the latest update of every run.
func (c *Collection) All() map[string]Update {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Update, len(c.updates))
	for k, v := range c.updates {
		out[k] = v
	}
	return out
}

// LogReporter writes progress to a logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a reporter logging at info level.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With("component", "progress")}
}

func (l *LogReporter) ReportProgress(runID string, percent int, step string) {
	l.logger.Info("run progress", "run_id", runID, "percent", percent, "step", step)
}

// Multi fans every report out to all reporters.
func Multi(reporters ...Reporter) Reporter {
	return ReporterFunc(func(runID string, percent int, step string) {
		for _, r := range reporters {
			r.ReportProgress(runID, percent, step)
		}
	})
}
