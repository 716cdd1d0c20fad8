// Package schema treats structured-output schemas as data: a JSON Schema
// document paired with a validator. Schemas are derived from Go types and
// used both to constrain native provider JSON modes and to build the
// instruction text injected for providers without one.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
)

// Schema is a compiled JSON Schema with its source document.
type Schema struct {
	Name     string
	Raw      json.RawMessage
	compiled *jsv.Schema
}

// FromType derives a schema from a Go struct type. Property order and
// additionalProperties handling follow invopop defaults, except that
// references are inlined so the document can be embedded in prompts and
// provider JSON modes.
func FromType[T any]() (*Schema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	doc := reflector.Reflect(&zero)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	name := fmt.Sprintf("%T", zero)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return Compile(name, raw)
}

// Compile parses and compiles a raw JSON Schema document.
func Compile(name string, raw json.RawMessage) (*Schema, error) {
	compiler := jsv.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{Name: name, Raw: raw, compiled: compiled}, nil
}

// Validate checks a JSON document against the schema. Violations surface as
// canonical validation errors.
func (s *Schema) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return llmerrors.Validation("response is not valid JSON", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return llmerrors.Validation(fmt.Sprintf("response does not match schema %s", s.Name), err)
	}
	return nil
}

// PromptInstruction renders the system-level instruction used for providers
// without a native schema-constrained mode.
func (s *Schema) PromptInstruction() string {
	var b strings.Builder
	b.WriteString("You must respond with a single JSON object matching this JSON Schema exactly. ")
	b.WriteString("Do not include any prose, markdown fences, or explanation outside the JSON.\n\n")
	b.Write(s.Raw)
	return b.String()
}

// ExtractJSON pulls the first JSON object out of model output, tolerating
// surrounding prose and markdown fences.
func ExtractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)

	// Strip a fenced block if present.
	if strings.HasPrefix(trimmed, "```") {
		if idx := strings.Index(trimmed, "\n"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return nil, llmerrors.Validation("no JSON object found in response", nil)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return []byte(trimmed[start : i+1]), nil
			}
		}
	}
	return nil, llmerrors.Validation("unterminated JSON object in response", nil)
}
