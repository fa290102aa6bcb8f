package variables

import (
	"encoding/json"
	"fmt"

	"whatsapp-flow-engine/internal/models"
)

// Mapping sources
const (
	SourceLiteral   = "literal"
	SourceAttribute = "attribute"
)

// Mapping binds one named flow placeholder to either a literal value or a
// contact attribute path.
type Mapping struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Value    string `json:"value"` // literal text, or attribute path
	Required bool   `json:"required,omitempty"`
}

// MissingVariableError excludes a single recipient from an execution; it
// never fails the execution as a whole.
type MissingVariableError struct {
	Name string
	Path string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("required variable %q unresolved for attribute path %q", e.Name, e.Path)
}

// ParseTemplate decodes and validates a stored mapping template. An empty
// template is valid and maps to no variables.
func ParseTemplate(raw string) ([]Mapping, error) {
	if raw == "" {
		return nil, nil
	}
	var tmpl []Mapping
	if err := json.Unmarshal([]byte(raw), &tmpl); err != nil {
		return nil, fmt.Errorf("parse variable template: %w", err)
	}
	for _, m := range tmpl {
		if m.Name == "" {
			return nil, fmt.Errorf("variable template entry has no name")
		}
		if m.Source != SourceLiteral && m.Source != SourceAttribute {
			return nil, fmt.Errorf("variable %q has unknown source %q", m.Name, m.Source)
		}
	}
	return tmpl, nil
}

// Render substitutes the template against one resolved contact. Missing
// optional attributes become empty strings; a missing required attribute
// returns MissingVariableError so the caller can exclude just this recipient.
func Render(tmpl []Mapping, contact *models.Contact) (map[string]string, error) {
	vars := make(map[string]string, len(tmpl))
	for _, m := range tmpl {
		switch m.Source {
		case SourceLiteral:
			vars[m.Name] = m.Value
		case SourceAttribute:
			v, ok := contact.AttributeValue(m.Value)
			if !ok {
				if m.Required {
					return nil, &MissingVariableError{Name: m.Name, Path: m.Value}
				}
				v = ""
			}
			vars[m.Name] = v
		}
	}
	return vars, nil
}
