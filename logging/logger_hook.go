package logging

import (
	"log/slog"

	"github.com/nomis52/phaseflow/workflow"
)

// LoggerHook builds the logger handed to a handler for one instance.
type LoggerHook interface {
	LoggerForInstance(base *slog.Logger, inst workflow.Instance) *slog.Logger
}

// InstanceLogger tags base with the attributes every instance log carries.
func InstanceLogger(base *slog.Logger, inst workflow.Instance) *slog.Logger {
	l := base.With(
		"run_id", inst.RunID,
		"instance_id", inst.ID,
		"template", inst.Template.String(),
	)
	if inst.PartitionKey != "" {
		l = l.With("partition", inst.PartitionKey)
	}
	return l
}

// TaggingHook only adds instance attributes.
type TaggingHook struct{}

func (TaggingHook) LoggerForInstance(base *slog.Logger, inst workflow.Instance) *slog.Logger {
	return InstanceLogger(base, inst)
}

// CapturingHook tags loggers and captures their records into a collector.
type CapturingHook struct {
	collector *LogCollector
}

// NewCapturingHook creates a hook capturing into collector.
func NewCapturingHook(collector *LogCollector) *CapturingHook {
	return &CapturingHook{collector: collector}
}

func (h *CapturingHook) LoggerForInstance(base *slog.Logger, inst workflow.Instance) *slog.Logger {
	captured := slog.New(NewCapturingHandler(base.Handler(), h.collector, inst.ID))
	return InstanceLogger(captured, inst)
}

// Collector returns the collector the hook writes to.
func (h *CapturingHook) Collector() *LogCollector {
	return h.collector
}
