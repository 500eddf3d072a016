package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks an LLM response against a compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles a schema document.
func NewValidator(schemaJSON string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidationError describes a response that failed schema validation.
// The orchestrator re-prompts once with the message as feedback.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Extract pulls the JSON payload out of a response, validates it, and
// unmarshals into out.
func (v *Validator) Extract(responseText string, out any) error {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return &ValidationError{Message: "response does not contain JSON", Raw: responseText}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: responseText}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: responseText}
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return &ValidationError{Message: fmt.Sprintf("decode: %s", err), Raw: responseText}
	}
	return nil
}

// extractJSON finds a JSON object or array in the response text. Fenced
// blocks win; otherwise the outermost braces are taken.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") || strings.HasPrefix(candidate, "[") {
				return candidate
			}
		}
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	opener := text[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
