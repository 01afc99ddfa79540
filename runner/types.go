package runner

import (
	"time"

	"github.com/nomis52/phaseflow/logging"
	"github.com/nomis52/phaseflow/orchestrator"
	"github.com/nomis52/phaseflow/progress"
	"github.com/nomis52/phaseflow/workflow"
)

// RunState represents whether a runner is executing a run.
type RunState int

const (
	// RunStateIdle indicates no run is in progress.
	RunStateIdle RunState = iota
	// RunStateRunning indicates a run is in progress.
	RunStateRunning
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	switch s {
	case RunStateIdle:
		return "idle"
	case RunStateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// RunStatus contains information about the current or last run.
type RunStatus struct {
	// State is the current state of the runner.
	State RunState `json:"state"`
	// RunID identifies the current or last run. Empty if no run has occurred.
	RunID string `json:"run_id,omitempty"`
	// StartedAt is when the run started. Nil if no run has occurred.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// EndedAt is when the run ended. Nil if a run is in progress or no run has occurred.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// Result is the terminal status of the last run.
	Result orchestrator.Status `json:"result,omitempty"`
	// Error contains the error message if the run failed. Empty on success.
	Error string `json:"error,omitempty"`
	// Percent and Step are the latest progress of a run in progress.
	Percent int    `json:"percent,omitempty"`
	Step    string `json:"step,omitempty"`
}

// RunSummary is the history record of a finished run.
type RunSummary struct {
	ID          string         `json:"id"`
	Workflow    string         `json:"workflow"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     time.Time      `json:"ended_at"`
	Error       string         `json:"error,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	NonTerminal []string       `json:"non_terminal,omitempty"`
	Compensated []string       `json:"compensated,omitempty"`
}

// Duration returns how long the run took.
func (s RunSummary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// InstanceRecord is the audit trail of one instance: its attempts, the last
// status it published and the logs it wrote.
type InstanceRecord struct {
	ID          string             `json:"id"`
	Template    string             `json:"template"`
	Partition   string             `json:"partition,omitempty"`
	State       string             `json:"state"`
	Attempts    []workflow.Attempt `json:"attempts,omitempty"`
	Error       string             `json:"error,omitempty"`
	CompletedBy string             `json:"completed_by,omitempty"`
	Status      string             `json:"status,omitempty"`
	Logs        []logging.LogEntry `json:"logs,omitempty"`
}

// runRecord is the on-disk layout of a run.
type runRecord struct {
	RunSummary
	Instances []InstanceRecord `json:"instances,omitempty"`
}

// newRecord converts a report into history records. collector and board may be nil.
func newRecord(name string, report *orchestrator.Report, collector *logging.LogCollector, board *progress.StatusBoard) (RunSummary, []InstanceRecord) {
	summary := RunSummary{
		ID:        report.RunID,
		Workflow:  name,
		Status:    string(report.Status),
		StartedAt: report.StartedAt,
		EndedAt:   report.FinishedAt,
	}
	if report.Err != nil {
		summary.Error = report.Err.Error()
	}
	if counts := report.Counts(); len(counts) > 0 {
		summary.Counts = make(map[string]int, len(counts))
		for state, n := range counts {
			summary.Counts[state.String()] = n
		}
	}
	for _, w := range report.Warnings {
		summary.Warnings = append(summary.Warnings, w.Error())
	}
	summary.NonTerminal = append(summary.NonTerminal, report.NonTerminal...)
	summary.Compensated = append(summary.Compensated, report.Compensated...)

	records := make([]InstanceRecord, 0, len(report.Instances))
	for _, inst := range report.Instances {
		rec := InstanceRecord{
			ID:          inst.ID,
			Template:    inst.Template.String(),
			Partition:   inst.PartitionKey,
			State:       inst.State.String(),
			Attempts:    inst.Attempts,
			Error:       inst.LastError,
			CompletedBy: inst.CompletedBy,
		}
		if board != nil {
			rec.Status = board.Get(inst.ID)
		}
		if collector != nil {
			rec.Logs = collector.Entries(inst.ID)
		}
		records = append(records, rec)
	}
	return summary, records
}
