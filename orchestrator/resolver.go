package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nomis52/phaseflow/workflow"
)

// Snapshot is the read-only view of a run that the resolver evaluates.
type Snapshot interface {
	workflow.View

	// Instances returns the instances of a template in creation order.
	Instances(id workflow.TemplateID) []workflow.Instance

	// Expanded reports whether a parallel template has resolved its partitions.
	Expanded(id workflow.TemplateID) bool

	// Skipped reports whether a never-expanded parallel template was skipped.
	Skipped(id workflow.TemplateID) bool
}

// Evaluation is the result of one resolver pass.
type Evaluation struct {
	// Ready lists pending instance IDs whose dependencies are satisfied and whose
	// condition holds, in declaration order.
	Ready []string

	// Expandable lists parallel templates that may be expanded now.
	Expandable []workflow.Template

	// Blocked lists templates whose dependencies are met but whose condition is false.
	Blocked []workflow.TemplateID

	// ConditionErrors holds templates whose condition could not be evaluated.
	ConditionErrors map[workflow.TemplateID]error
}

// Resolver holds a validated, acyclic template graph.
type Resolver struct {
	templates []workflow.Template
	byID      map[workflow.TemplateID]int
}

// NewResolver validates the template graph and returns a Resolver.
// Templates are kept in the order given, which is the declaration order used
// to break ties.
func NewResolver(templates []workflow.Template) (*Resolver, error) {
	r := &Resolver{
		templates: append([]workflow.Template(nil), templates...),
		byID:      make(map[workflow.TemplateID]int, len(templates)),
	}
	for i, t := range r.templates {
		if _, exists := r.byID[t.ID]; exists {
			return nil, fmt.Errorf("template %s declared twice", t.ID)
		}
		r.byID[t.ID] = i
	}
	for _, t := range r.templates {
		for _, dep := range t.Dependencies {
			if _, ok := r.byID[dep]; !ok {
				return nil, fmt.Errorf("template %s depends on %s: %w", t.ID, dep, workflow.ErrUnknownDependency)
			}
		}
	}
	if err := r.validateNoCycles(); err != nil {
		return nil, err
	}
	return r, nil
}

// validateNoCycles runs Kahn's algorithm over the dependency edges.
func (r *Resolver) validateNoCycles() error {
	inDegree := make(map[workflow.TemplateID]int, len(r.templates))
	dependents := make(map[workflow.TemplateID][]workflow.TemplateID)
	for _, t := range r.templates {
		inDegree[t.ID] = len(t.Dependencies)
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []workflow.TemplateID
	for _, t := range r.templates {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(r.templates) {
		return nil
	}

	var stuck []string
	for _, t := range r.templates {
		if inDegree[t.ID] > 0 {
			stuck = append(stuck, t.ID.String())
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("templates %s: %w", strings.Join(stuck, ", "), workflow.ErrCyclicDependency)
}

// Templates returns the templates in declaration order.
func (r *Resolver) Templates() []workflow.Template {
	return append([]workflow.Template(nil), r.templates...)
}

// Template returns the template with the given ID.
func (r *Resolver) Template(id workflow.TemplateID) (workflow.Template, bool) {
	i, ok := r.byID[id]
	if !ok {
		return workflow.Template{}, false
	}
	return r.templates[i], true
}

// Satisfied reports whether a template satisfies its dependents: every instance
// succeeded or was skipped. An expanded parallel template with no partitions is
// satisfied vacuously.
func (r *Resolver) Satisfied(s Snapshot, id workflow.TemplateID) bool {
	t, ok := r.Template(id)
	if !ok {
		return false
	}
	if t.Mode == workflow.Parallel {
		if s.Skipped(id) {
			return true
		}
		if !s.Expanded(id) {
			return false
		}
	}

	instances := s.Instances(id)
	if t.Mode == workflow.Sequential && len(instances) == 0 {
		return false
	}
	for _, inst := range instances {
		if !inst.State.IsSatisfied() {
			return false
		}
	}
	return true
}

// DependenciesMet reports whether every dependency of t is satisfied.
func (r *Resolver) DependenciesMet(s Snapshot, t workflow.Template) bool {
	for _, dep := range t.Dependencies {
		if !r.Satisfied(s, dep) {
			return false
		}
	}
	return true
}

// Resolve computes the instances and templates that may make progress.
// It never mutates the snapshot; calling it twice on the same snapshot yields the
// same Evaluation.
func (r *Resolver) Resolve(s Snapshot) Evaluation {
	ev := Evaluation{}
	for _, t := range r.templates {
		if !r.hasWork(s, t) || !r.DependenciesMet(s, t) {
			continue
		}

		ok, err := evaluate(t.Condition, s)
		if err != nil {
			if ev.ConditionErrors == nil {
				ev.ConditionErrors = make(map[workflow.TemplateID]error)
			}
			ev.ConditionErrors[t.ID] = fmt.Errorf("condition %s: %w", t.Condition, err)
			continue
		}
		if !ok {
			ev.Blocked = append(ev.Blocked, t.ID)
			continue
		}

		if t.Mode == workflow.Parallel && !s.Expanded(t.ID) {
			ev.Expandable = append(ev.Expandable, t)
			continue
		}
		for _, inst := range s.Instances(t.ID) {
			if inst.State == workflow.Pending {
				ev.Ready = append(ev.Ready, inst.ID)
			}
		}
	}
	return ev
}

// hasWork reports whether a template still has something to start.
func (r *Resolver) hasWork(s Snapshot, t workflow.Template) bool {
	if t.Mode == workflow.Parallel {
		if s.Skipped(t.ID) {
			return false
		}
		if !s.Expanded(t.ID) {
			return true
		}
	}
	for _, inst := range s.Instances(t.ID) {
		if inst.State == workflow.Pending {
			return true
		}
	}
	return false
}

func evaluate(c workflow.Condition, v workflow.View) (bool, error) {
	if c == nil {
		return true, nil
	}
	return c.Evaluate(v)
}
