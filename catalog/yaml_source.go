package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/phaseflow/workflow"
)

// File is the YAML document describing phases and their activities.
//
//	phases:
//	  - name: scoping
//	    activities:
//	      - name: collect_owners
//	        kind: collect
//	        timeout: 30s
//	        retry: {max_attempts: 3, initial_backoff: 1s}
//	      - name: review_owner
//	        kind: review
//	        mode: parallel
//	        depends_on: [collect_owners]
//	        compensate_on: [sampling/draw]
//	        when:
//	          final_version: {phase: scoping}
type File struct {
	Phases []PhaseSpec `yaml:"phases"`
}

// PhaseSpec declares the activities of one phase.
type PhaseSpec struct {
	Name       string         `yaml:"name"`
	Activities []ActivitySpec `yaml:"activities"`
}

// ActivitySpec is the YAML form of a workflow.Template.
type ActivitySpec struct {
	Name         string               `yaml:"name"`
	Kind         string               `yaml:"kind"`
	Mode         string               `yaml:"mode"`
	Timeout      time.Duration        `yaml:"timeout"`
	Retry        workflow.RetryPolicy `yaml:"retry"`
	DependsOn    []string             `yaml:"depends_on"`
	CompensateOn []string             `yaml:"compensate_on"`
	Required     *bool                `yaml:"required"`
	When         *ConditionSpec       `yaml:"when"`
}

// ConditionSpec is the YAML form of a workflow.Condition. Exactly one field is set.
type ConditionSpec struct {
	MetadataEquals  *MetadataEqualsSpec `yaml:"metadata_equals"`
	MetadataPresent string              `yaml:"metadata_present"`
	FinalVersion    *FinalVersionSpec   `yaml:"final_version"`
	All             []ConditionSpec     `yaml:"all"`
	Any             []ConditionSpec     `yaml:"any"`
	Not             *ConditionSpec      `yaml:"not"`
}

// MetadataEqualsSpec compares a metadata key against a value.
type MetadataEqualsSpec struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
}

// FinalVersionSpec requires a final approved version of a phase.
type FinalVersionSpec struct {
	Phase string `yaml:"phase"`
	Min   int    `yaml:"min"`
}

// YAMLSource serves templates decoded from a YAML catalog document.
type YAMLSource struct {
	phases map[string][]workflow.Template
}

var _ Source = (*YAMLSource)(nil)

// LoadFile reads a YAML catalog document from disk.
func LoadFile(path string) (*YAMLSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	return Decode(bytes.NewReader(data))
}

// Decode reads a YAML catalog document.
func Decode(r io.Reader) (*YAMLSource, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode YAML catalog: %w", err)
	}

	src := &YAMLSource{phases: make(map[string][]workflow.Template, len(f.Phases))}
	for _, p := range f.Phases {
		if p.Name == "" {
			return nil, fmt.Errorf("phase without a name")
		}
		if _, dup := src.phases[p.Name]; dup {
			return nil, fmt.Errorf("phase %q declared twice", p.Name)
		}

		templates := make([]workflow.Template, 0, len(p.Activities))
		for _, a := range p.Activities {
			t, err := a.toTemplate(p.Name)
			if err != nil {
				return nil, fmt.Errorf("phase %s: %w", p.Name, err)
			}
			templates = append(templates, t)
		}
		src.phases[p.Name] = templates
	}
	return src, nil
}

// LoadTemplates returns the templates of a phase in declaration order.
func (s *YAMLSource) LoadTemplates(phase string) ([]workflow.Template, error) {
	templates, ok := s.phases[phase]
	if !ok {
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	return append([]workflow.Template(nil), templates...), nil
}

func (a ActivitySpec) toTemplate(phase string) (workflow.Template, error) {
	mode, err := workflow.ParseExecutionMode(a.Mode)
	if err != nil {
		return workflow.Template{}, fmt.Errorf("activity %s: %w", a.Name, err)
	}

	deps, err := parseRefs(a.DependsOn, phase)
	if err != nil {
		return workflow.Template{}, fmt.Errorf("activity %s depends_on: %w", a.Name, err)
	}
	compensateOn, err := parseRefs(a.CompensateOn, phase)
	if err != nil {
		return workflow.Template{}, fmt.Errorf("activity %s compensate_on: %w", a.Name, err)
	}

	var cond workflow.Condition
	if a.When != nil {
		cond, err = a.When.toCondition()
		if err != nil {
			return workflow.Template{}, fmt.Errorf("activity %s when: %w", a.Name, err)
		}
	}

	required := true
	if a.Required != nil {
		required = *a.Required
	}

	return workflow.Template{
		ID:           workflow.TemplateID{Phase: phase, Name: a.Name},
		Kind:         a.Kind,
		Mode:         mode,
		Timeout:      a.Timeout,
		Retry:        a.Retry,
		Dependencies: deps,
		CompensateOn: compensateOn,
		Condition:    cond,
		Required:     required,
	}, nil
}

func parseRefs(refs []string, phase string) ([]workflow.TemplateID, error) {
	ids := make([]workflow.TemplateID, 0, len(refs))
	for _, ref := range refs {
		id, err := workflow.ParseTemplateID(ref, phase)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c ConditionSpec) toCondition() (workflow.Condition, error) {
	var (
		set  int
		cond workflow.Condition
	)

	if c.MetadataEquals != nil {
		set++
		if c.MetadataEquals.Key == "" {
			return nil, fmt.Errorf("metadata_equals: key is required")
		}
		cond = workflow.MetadataEquals{Key: c.MetadataEquals.Key, Value: c.MetadataEquals.Value}
	}
	if c.MetadataPresent != "" {
		set++
		cond = workflow.MetadataPresent{Key: c.MetadataPresent}
	}
	if c.FinalVersion != nil {
		set++
		if c.FinalVersion.Phase == "" {
			return nil, fmt.Errorf("final_version: phase is required")
		}
		cond = workflow.FinalVersionExists{Phase: c.FinalVersion.Phase, MinVersion: c.FinalVersion.Min}
	}
	if c.All != nil {
		set++
		subs, err := toConditions(c.All)
		if err != nil {
			return nil, fmt.Errorf("all: %w", err)
		}
		cond = workflow.All(subs)
	}
	if c.Any != nil {
		set++
		subs, err := toConditions(c.Any)
		if err != nil {
			return nil, fmt.Errorf("any: %w", err)
		}
		cond = workflow.Any(subs)
	}
	if c.Not != nil {
		set++
		sub, err := c.Not.toCondition()
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		cond = workflow.Not{Condition: sub}
	}

	if set != 1 {
		return nil, fmt.Errorf("exactly one condition must be set, got %d", set)
	}
	return cond, nil
}

func toConditions(specs []ConditionSpec) ([]workflow.Condition, error) {
	out := make([]workflow.Condition, 0, len(specs))
	for i, s := range specs {
		c, err := s.toCondition()
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}
