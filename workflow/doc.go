// Package workflow holds the shared data model of the phaseflow engine.
//
// # Templates and Instances
//
// A Template is the declarative description of a unit of work within a phase.
// Templates are identified by a TemplateID, which combines the phase name with the
// template name so that identically named activities in different phases stay distinct:
//
//	TemplateID{Phase: "scoping", Name: "collect_owners"}
//	TemplateID{Phase: "sampling", Name: "collect_owners"}
//
// An Instance is one concrete, stateful execution of a Template. Sequential templates
// produce exactly one instance per run; parallel templates are expanded into one
// instance per partition key, all sharing the template identity and a common parent
// slot ID.
//
// # State Progression
//
// Instances progress through states in a defined order:
//
//	Pending -> Ready -> Running -> (Succeeded | Failed | AwaitingManual)
//	AwaitingManual -> (Succeeded | Failed | Cancelled)
//	Failed -> Retrying -> Running
//	Succeeded -> Compensating -> (Compensated | CompensationFailed)
//
// Every transition is validated against a fixed table; see CanTransition.
//
// # Conditions
//
// A Template may carry a Condition that is evaluated against a read-only View of the
// run before the template becomes eligible. Conditions can read metadata produced by
// completed activities and the final approved version of another phase.
//
// # Errors
//
// The error taxonomy is expressed as sentinel errors (ErrCyclicDependency,
// ErrHandlerNotFound, ...). Callers should match them with errors.Is.
package workflow
