package audience

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"whatsapp-flow-engine/internal/models"
)

// Spec types
const (
	TypeAll     = "all"
	TypeSegment = "segment"
	TypeManual  = "manual"
)

// Spec is the tagged audience variant: all, segment with a typed filter, or
// an explicit contact id list. It is declarative; ids are resolved only at
// fire time.
type Spec struct {
	Type       string      `json:"type"`
	Conditions []Condition `json:"conditions,omitempty"`
	ContactIDs []uint      `json:"contact_ids,omitempty"`
}

// Condition is one typed filter clause evaluated against contact attributes.
// Clauses are AND-combined.
type Condition struct {
	Field    string `json:"field"` // name, wa_id, tags, or an attribute path
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// ParseSpec decodes and validates a stored audience spec.
func ParseSpec(raw string) (*Spec, error) {
	if raw == "" {
		return nil, fmt.Errorf("audience spec is empty")
	}
	var spec Spec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("parse audience spec: %w", err)
	}
	switch spec.Type {
	case TypeAll:
	case TypeSegment:
		if len(spec.Conditions) == 0 {
			return nil, fmt.Errorf("segment audience needs at least one condition")
		}
		for _, c := range spec.Conditions {
			if c.Field == "" {
				return nil, fmt.Errorf("segment condition has no field")
			}
			if err := validateOperator(c.Operator); err != nil {
				return nil, err
			}
			if c.Operator == "regex" {
				if _, err := regexp.Compile(c.Value); err != nil {
					return nil, fmt.Errorf("segment condition regex: %w", err)
				}
			}
		}
	case TypeManual:
		if len(spec.ContactIDs) == 0 {
			return nil, fmt.Errorf("manual audience needs at least one contact id")
		}
	default:
		return nil, fmt.Errorf("unknown audience type %q", spec.Type)
	}
	return &spec, nil
}

func validateOperator(op string) error {
	switch op {
	case "equals", "not_equals", "contains", "starts_with", "regex", "exists", "has_tag":
		return nil
	}
	return fmt.Errorf("unknown segment operator %q", op)
}

// Matches evaluates the spec's conditions against one contact. Only called
// for segment specs; the interpreter is fixed, no open-ended expressions.
func (s *Spec) Matches(contact *models.Contact) bool {
	for _, cond := range s.Conditions {
		if !matchCondition(cond, contact) {
			return false
		}
	}
	return true
}

func matchCondition(cond Condition, contact *models.Contact) bool {
	if cond.Operator == "has_tag" {
		return contact.HasTag(cond.Value)
	}

	actual, ok := contact.AttributeValue(cond.Field)
	switch cond.Operator {
	case "exists":
		return ok
	case "equals":
		return strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(cond.Value))
	case "not_equals":
		return !strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(cond.Value))
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(cond.Value))
	case "starts_with":
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(cond.Value))
	case "regex":
		matched, err := regexp.MatchString(cond.Value, actual)
		return err == nil && matched
	}
	return false
}
