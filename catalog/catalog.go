// Package catalog provides the read-only, phase-scoped set of activity templates
// a run executes.
//
// Templates come from a Source, which is asked once per phase. The resulting Catalog
// is immutable: it assigns every template a global declaration order (phase order,
// then template order within the phase) and validates that every reference points at
// a template in the catalog.
package catalog

import (
	"fmt"

	"github.com/nomis52/phaseflow/workflow"
)

// Source loads the ordered templates of one phase.
type Source interface {
	LoadTemplates(phase string) ([]workflow.Template, error)
}

// Catalog is an immutable, ordered set of templates.
type Catalog struct {
	phases    []string
	templates []workflow.Template
	byID      map[workflow.TemplateID]int
}

// Load asks src for the templates of each phase, in order, and builds a Catalog.
func Load(src Source, phases ...string) (*Catalog, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("at least one phase is required")
	}

	var templates []workflow.Template
	for _, phase := range phases {
		loaded, err := src.LoadTemplates(phase)
		if err != nil {
			return nil, fmt.Errorf("loading templates for phase %s: %w", phase, err)
		}
		for _, t := range loaded {
			if t.ID.Phase != phase {
				return nil, fmt.Errorf("template %s returned for phase %s", t.ID, phase)
			}
		}
		templates = append(templates, loaded...)
	}

	return New(phases, templates)
}

// New validates templates and builds a Catalog. Declaration order is the order of
// the templates slice.
func New(phases []string, templates []workflow.Template) (*Catalog, error) {
	c := &Catalog{
		phases:    append([]string(nil), phases...),
		templates: make([]workflow.Template, 0, len(templates)),
		byID:      make(map[workflow.TemplateID]int, len(templates)),
	}

	knownPhases := make(map[string]bool, len(phases))
	for _, p := range phases {
		if knownPhases[p] {
			return nil, fmt.Errorf("duplicate phase %q", p)
		}
		knownPhases[p] = true
	}

	for i, t := range templates {
		if !t.ID.IsValid() {
			return nil, fmt.Errorf("template %d: invalid id %q", i, t.ID)
		}
		if !knownPhases[t.ID.Phase] {
			return nil, fmt.Errorf("template %s: phase %q is not part of the catalog", t.ID, t.ID.Phase)
		}
		if t.Kind == "" {
			return nil, fmt.Errorf("template %s: kind is required", t.ID)
		}
		if t.Timeout < 0 {
			return nil, fmt.Errorf("template %s: timeout must not be negative", t.ID)
		}
		if _, exists := c.byID[t.ID]; exists {
			return nil, fmt.Errorf("template %s declared twice", t.ID)
		}

		t.Order = i
		t.Dependencies = append([]workflow.TemplateID(nil), t.Dependencies...)
		t.CompensateOn = append([]workflow.TemplateID(nil), t.CompensateOn...)
		c.byID[t.ID] = len(c.templates)
		c.templates = append(c.templates, t)
	}

	for _, t := range c.templates {
		for _, dep := range t.Dependencies {
			if _, ok := c.byID[dep]; !ok {
				return nil, fmt.Errorf("template %s depends on %s: %w", t.ID, dep, workflow.ErrUnknownDependency)
			}
			if dep.Equal(t.ID) {
				return nil, fmt.Errorf("template %s depends on itself: %w", t.ID, workflow.ErrCyclicDependency)
			}
		}
		for _, src := range t.CompensateOn {
			if _, ok := c.byID[src]; !ok {
				return nil, fmt.Errorf("template %s compensates on %s: %w", t.ID, src, workflow.ErrUnknownDependency)
			}
		}
	}

	return c, nil
}

// Phases returns the phase names in order.
func (c *Catalog) Phases() []string {
	return append([]string(nil), c.phases...)
}

// Templates returns a copy of all templates in declaration order.
func (c *Catalog) Templates() []workflow.Template {
	out := make([]workflow.Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// Template returns the template with the given ID.
func (c *Catalog) Template(id workflow.TemplateID) (workflow.Template, bool) {
	i, ok := c.byID[id]
	if !ok {
		return workflow.Template{}, false
	}
	return c.templates[i], true
}

// Len returns the number of templates.
func (c *Catalog) Len() int {
	return len(c.templates)
}
