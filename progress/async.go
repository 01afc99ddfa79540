package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the queue length used by NewAsync when size <= 0.
const DefaultBuffer = 64

// Async delivers reports to a wrapped Reporter from a background goroutine.
// ReportProgress never blocks: when the queue is full the update is dropped and
// counted. A panicking reporter is logged and does not stop delivery.
type Async struct {
	next    Reporter
	logger  *slog.Logger
	queue   chan Update
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

var _ Reporter = (*Async)(nil)

// NewAsync starts delivery to next. Close must be called to stop it.
func NewAsync(next Reporter, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger.With("component", "progress"),
		queue:  make(chan Update, size),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) ReportProgress(runID string, percent int, step string) {
	select {
	case a.queue <- Update{RunID: runID, Percent: percent, Step: step}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of updates discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting reports and waits until the queued ones are delivered.
// Reporting after Close panics, as with any closed channel.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		close(a.queue)
	})
	<-a.done
}

func (a *Async) loop() {
	defer close(a.done)
	for u := range a.queue {
		a.deliver(u)
	}
}

func (a *Async) deliver(u Update) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("progress reporter panicked", "run_id", u.RunID, "error", fmt.Sprint(r))
		}
	}()
	a.next.ReportProgress(u.RunID, u.Percent, u.Step)
}
