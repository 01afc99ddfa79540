package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nomis52/phaseflow/orchestrator"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// CronTrigger executes a callback according to a cron schedule.
// It is started once and runs until its context is cancelled.
type CronTrigger struct {
	spec     string
	schedule cron.Schedule
	callback func(context.Context) error
	logger   *slog.Logger
	now      func() time.Time
}

// NewCronTrigger creates a new CronTrigger with the given cron specification.
// The spec follows standard cron format (5 fields: minute, hour, day, month, weekday).
// Returns ErrInvalidCronSpec if the specification cannot be parsed.
func NewCronTrigger(spec string, callback func(context.Context) error, logger *slog.Logger) (*CronTrigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}

	return &CronTrigger{
		spec:     spec,
		schedule: schedule,
		callback: callback,
		logger:   logger.With("component", "cron", "spec", spec),
		now:      time.Now,
	}, nil
}

// Schedule returns a trigger that runs r on spec. Scheduled runs that find a
// run already in progress are skipped.
func Schedule(r *Runner, spec string, logger *slog.Logger) (*CronTrigger, error) {
	return NewCronTrigger(spec, func(ctx context.Context) error {
		_, err := r.Run(ctx, orchestrator.RunRequest{})
		return err
	}, logger)
}

// Start launches a goroutine that triggers runs according to the cron schedule.
// Returns immediately. The goroutine exits when ctx is cancelled.
func (ct *CronTrigger) Start(ctx context.Context) {
	go ct.loop(ctx)
}

// NextRun returns the next scheduled run time from now.
func (ct *CronTrigger) NextRun() time.Time {
	return ct.schedule.Next(ct.now())
}

func (ct *CronTrigger) loop(ctx context.Context) {
	for {
		nextRun := ct.NextRun()
		wait := nextRun.Sub(ct.now())

		ct.logger.Debug("waiting for next scheduled run", "next_run", nextRun, "wait_duration", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			ct.logger.Info("cron trigger shutting down")
			return
		case <-timer.C:
			ct.execute(ctx)
		}
	}
}

func (ct *CronTrigger) execute(ctx context.Context) {
	ct.logger.Info("starting scheduled run")

	err := ct.callback(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		ct.logger.Warn("skipping scheduled run, previous run still in progress")
	case err != nil:
		ct.logger.Warn("scheduled run completed with error", "error", err)
	default:
		ct.logger.Info("scheduled run completed successfully")
	}
}
