package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSONSchema is a minimal ResponseFormat implementation: it checks that
// raw model output is valid JSON and carries the schema's required
// top-level properties. Full-strength validation can be plugged in by
// implementing ResponseFormat with an external validator.
type JSONSchema struct {
	SchemaName string
	Raw        json.RawMessage
}

// NewJSONSchema creates a JSONSchema response format from schema text.
func NewJSONSchema(name string, schema json.RawMessage) *JSONSchema {
	return &JSONSchema{SchemaName: name, Raw: schema}
}

func (s *JSONSchema) Name() string {
	if s.SchemaName == "" {
		return "response"
	}
	return s.SchemaName
}

func (s *JSONSchema) Schema() json.RawMessage {
	return s.Raw
}

// Validate extracts a JSON object from raw model output, tolerating
// markdown code fences, and checks required top-level properties.
func (s *JSONSchema) Validate(raw []byte) (json.RawMessage, error) {
	text := stripCodeFence(string(raw))

	var value map[string]any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}

	for _, key := range s.requiredKeys() {
		if _, ok := value[key]; !ok {
			return nil, fmt.Errorf("response missing required property %q", key)
		}
	}

	// Re-marshal so downstream consumers get canonical JSON regardless of
	// fencing or surrounding prose.
	out, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *JSONSchema) requiredKeys() []string {
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(s.Raw, &schema); err != nil {
		return nil
	}
	return schema.Required
}

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
