// Package orchestrator executes runs of activity templates drawn from a catalog.
//
// # Core Concepts
//
// A run starts with one pending instance per sequential template. Parallel
// templates are expanded lazily: once their dependencies are satisfied and
// their condition holds, a PartitionSource is asked for partition keys and one
// instance is created per key.
//
// A single control loop owns all run state. Each iteration it:
//   - applies results reported by handler goroutines
//   - polls the manual completion monitor for parked instances
//   - fails attempts that exceeded their timeout
//   - compensates succeeded instances affected by a terminal failure
//   - restarts instances whose retry backoff has elapsed
//   - expands eligible parallel templates and dispatches ready instances
//
// The loop sleeps until a handler reports, a manual signal arrives, the poll
// interval elapses or the run is cancelled.
//
// # Scheduling
//
// Sequential instances share a single lane: at most one of them runs at a
// time, picked in declaration order. Parallel instances run concurrently,
// optionally bounded by WithMaxParallel. An instance parked for manual
// completion does not hold the lane.
//
// Before dispatch the handler's CanExecute is consulted. A gated instance stays
// pending; if it stays gated longer than its timeout the attempt fails with
// reason precondition_timeout.
//
// # Failure Handling
//
// Failed attempts are retried according to the template's RetryPolicy. Once
// an instance exhausts its attempts the run stops dispatching new work, lets
// in-flight work finish, and compensates succeeded instances of templates that
// cascade from the failed one, most recent completion first. A failing
// Compensate marks the instance compensation_failed and is reported as a
// warning.
//
// # Example
//
//	cat, _ := catalog.Load(src, "scoping", "sampling")
//	reg := handler.NewRegistry()
//	_ = reg.Register("scoping", "collect", collectHandler)
//
//	o, err := orchestrator.New(cat, reg,
//		orchestrator.WithLogger(logger),
//		orchestrator.WithSink(store),
//	)
//	if err != nil {
//		return err
//	}
//
//	report, err := o.Run(ctx, orchestrator.RunRequest{})
//	if err != nil {
//		for _, f := range report.Failures {
//			logger.Error("instance failed", "error", f)
//		}
//	}
package orchestrator
