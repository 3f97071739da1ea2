package engram

import (
	"encoding/json"
	"fmt"
	"math"
)

// schemaNode is the subset of JSON Schema the core's structured prompts
// use: type, properties, required, items, enum.
type schemaNode struct {
	Type       string                 `json:"type"`
	Properties map[string]*schemaNode `json:"properties"`
	Required   []string               `json:"required"`
	Items      *schemaNode            `json:"items"`
	Enum       []any                  `json:"enum"`
}

// ValidateSchema checks that doc conforms to schema. A failure here is a
// schema violation: the gateway classifies it as malformed_response and
// fails over to the next provider.
func ValidateSchema(schema json.RawMessage, doc []byte) error {
	var node schemaNode
	if err := json.Unmarshal(schema, &node); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	return validateNode(&node, value, "$")
}

func validateNode(node *schemaNode, value any, path string) error {
	if node == nil {
		return nil
	}
	switch node.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		for _, req := range node.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		for name, sub := range node.Properties {
			if v, present := obj[name]; present {
				if err := validateNode(sub, v, path+"."+name); err != nil {
					return err
				}
			}
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		for i, item := range arr {
			if err := validateNode(node.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s: expected string", path)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("%s: expected number", path)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer", path)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	case "":
		// Untyped nodes accept anything.
	default:
		return fmt.Errorf("%s: unsupported schema type %q", path, node.Type)
	}
	if len(node.Enum) > 0 {
		for _, allowed := range node.Enum {
			if valueEqual(allowed, value) {
				return nil
			}
		}
		return fmt.Errorf("%s: value not in enum", path)
	}
	return nil
}

func valueEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}
