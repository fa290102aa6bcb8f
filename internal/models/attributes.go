package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AttributeValue resolves a dot separated path against the contact. The
// built-in fields name, wa_id and tags take precedence; anything else is
// looked up inside the Attributes JSON document. Returns the value rendered
// as a string and whether the path resolved.
func (c *Contact) AttributeValue(path string) (string, bool) {
	switch path {
	case "name":
		return c.Name, c.Name != ""
	case "wa_id":
		return c.WaID, c.WaID != ""
	case "tags":
		return c.Tags, c.Tags != ""
	}

	if c.Attributes == "" {
		return "", false
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(c.Attributes), &doc); err != nil {
		return "", false
	}

	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	case float64:
		// JSON numbers arrive as float64; render integers without the decimals
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%g", v), true
	case bool:
		return fmt.Sprintf("%t", v), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// HasTag checks the comma separated tag list for an exact tag.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range strings.Split(c.Tags, ",") {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}
