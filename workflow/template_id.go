package workflow

import (
	"fmt"
	"strings"
)

// TemplateID identifies an activity template across phases.
// It combines the phase name with the template name, so that templates with the
// same name in different phases remain distinct.
type TemplateID struct {
	// Phase is the name of the workflow phase the template belongs to.
	Phase string

	// Name is the template name, unique within its phase.
	Name string
}

// String returns the "phase/name" form of the ID.
func (id TemplateID) String() string {
	return fmt.Sprintf("%s/%s", id.Phase, id.Name)
}

// IsValid returns true if both Phase and Name are populated.
func (id TemplateID) IsValid() bool {
	return id.Phase != "" && id.Name != ""
}

// Equal returns true if this TemplateID is identical to another TemplateID.
func (id TemplateID) Equal(other TemplateID) bool {
	return id.Phase == other.Phase && id.Name == other.Name
}

// ParseTemplateID parses a "phase/name" reference.
// A bare name is resolved against defaultPhase.
func ParseTemplateID(ref, defaultPhase string) (TemplateID, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return TemplateID{}, fmt.Errorf("empty template reference")
	}

	phase, name, found := strings.Cut(ref, "/")
	if !found {
		phase, name = defaultPhase, ref
	}

	id := TemplateID{Phase: phase, Name: name}
	if !id.IsValid() {
		return TemplateID{}, fmt.Errorf("invalid template reference %q", ref)
	}
	return id, nil
}
