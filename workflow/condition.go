package workflow

import (
	"fmt"
)

// View is the read-only projection of a run that conditions and handlers see.
type View interface {
	// Metadata returns a value produced by a completed activity.
	Metadata(key string) (any, bool)

	// FinalVersion returns the number of the final approved version of a phase.
	FinalVersion(phase string) (int, bool)
}

// VersionReader exposes the authoritative final version of each phase.
type VersionReader interface {
	FinalVersion(phase string) (int, bool)
}

// Condition is a predicate over a run, evaluated before a template becomes eligible.
type Condition interface {
	Evaluate(v View) (bool, error)
	String() string
}

// MetadataEquals holds when the metadata key exists and its value formats equal to Value.
type MetadataEquals struct {
	Key   string
	Value any
}

func (c MetadataEquals) Evaluate(v View) (bool, error) {
	got, ok := v.Metadata(c.Key)
	if !ok {
		return false, nil
	}
	return fmt.Sprint(got) == fmt.Sprint(c.Value), nil
}

func (c MetadataEquals) String() string {
	return fmt.Sprintf("metadata[%s] == %v", c.Key, c.Value)
}

// MetadataPresent holds when the metadata key exists.
type MetadataPresent struct {
	Key string
}

func (c MetadataPresent) Evaluate(v View) (bool, error) {
	_, ok := v.Metadata(c.Key)
	return ok, nil
}

func (c MetadataPresent) String() string {
	return fmt.Sprintf("metadata[%s] present", c.Key)
}

// FinalVersionExists holds when the phase has a final approved version.
// If MinVersion is set the final version number must be at least MinVersion.
type FinalVersionExists struct {
	Phase      string
	MinVersion int
}

func (c FinalVersionExists) Evaluate(v View) (bool, error) {
	n, ok := v.FinalVersion(c.Phase)
	if !ok {
		return false, nil
	}
	return n >= c.MinVersion, nil
}

func (c FinalVersionExists) String() string {
	if c.MinVersion > 0 {
		return fmt.Sprintf("final_version(%s) >= %d", c.Phase, c.MinVersion)
	}
	return fmt.Sprintf("final_version(%s)", c.Phase)
}

// All holds when every sub-condition holds. An empty All holds.
type All []Condition

func (c All) Evaluate(v View) (bool, error) {
	for _, sub := range c {
		ok, err := sub.Evaluate(v)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c All) String() string {
	return fmt.Sprintf("all%v", []Condition(c))
}

// Any holds when at least one sub-condition holds. An empty Any does not hold.
type Any []Condition

func (c Any) Evaluate(v View) (bool, error) {
	for _, sub := range c {
		ok, err := sub.Evaluate(v)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c Any) String() string {
	return fmt.Sprintf("any%v", []Condition(c))
}

// Not negates a condition.
type Not struct {
	Condition Condition
}

func (c Not) Evaluate(v View) (bool, error) {
	if c.Condition == nil {
		return false, fmt.Errorf("not: missing condition")
	}
	ok, err := c.Condition.Evaluate(v)
	return !ok, err
}

func (c Not) String() string {
	return fmt.Sprintf("not(%v)", c.Condition)
}
