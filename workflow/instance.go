package workflow

import (
	"time"
)

// CompletedBySystem marks instances completed by handler execution rather than by
// an external actor.
const CompletedBySystem = "system"

// Attempt records a single execution of an instance.
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Instance is one concrete execution unit of a Template.
//
// LIFECYCLE:
// - Created Pending by the orchestrator or the parallel expander
// - Mutated only by the orchestrator's control loop
// - Never deleted; terminal instances are retained for audit
type Instance struct {
	ID       string     `json:"id"`
	RunID    string     `json:"run_id"`
	Template TemplateID `json:"template"`

	// PartitionKey is set for expanded parallel instances.
	PartitionKey string `json:"partition_key,omitempty"`

	// ParentID is the logical slot shared by all instances of a parallel template.
	ParentID string `json:"parent_id,omitempty"`

	State     InstanceState `json:"state"`
	Attempts  []Attempt     `json:"attempts,omitempty"`
	LastError string        `json:"last_error,omitempty"`

	// Output is the payload returned by the last successful execution.
	Output map[string]any `json:"output,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	CompletedBy string    `json:"completed_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AttemptCount returns the number of executions so far.
func (i *Instance) AttemptCount() int {
	return len(i.Attempts)
}

// CurrentAttempt returns the latest attempt, or nil if the instance never ran.
func (i *Instance) CurrentAttempt() *Attempt {
	if len(i.Attempts) == 0 {
		return nil
	}
	return &i.Attempts[len(i.Attempts)-1]
}

// Clone returns a deep copy safe to hand to other goroutines.
func (i *Instance) Clone() Instance {
	c := *i
	c.Attempts = append([]Attempt(nil), i.Attempts...)
	if i.Output != nil {
		c.Output = make(map[string]any, len(i.Output))
		for k, v := range i.Output {
			c.Output[k] = v
		}
	}
	return c
}

// Label returns "phase/name" or "phase/name[partition]" for logs and progress text.
func (i *Instance) Label() string {
	if i.PartitionKey == "" {
		return i.Template.String()
	}
	return i.Template.String() + "[" + i.PartitionKey + "]"
}
