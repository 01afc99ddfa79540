// Package progress carries run progress and per-instance status text to external
// viewers.
//
// Two channels exist, mirroring the slog handler/writer split:
//
//   - Reporter receives run-level progress (percent of required instances
//     settled, plus the step that caused the update). The orchestrator wraps
//     every Reporter in Async so a slow or failing viewer never blocks or aborts
//     a run.
//   - StatusLine is handed to each handler invocation and records a free-text
//     status for that instance on a StatusBoard, while also logging it.
//
// A handler reports its current state like this:
//
//	func (h *Collect) Execute(ctx context.Context, ec handler.ExecContext) (handler.Result, error) {
//	    ec.Status.Set("listing data owners")
//	    ...
//	}
package progress
