package tool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON Schema subset describing a tool's parameters. Property
// values are raw JSON Schema fragments such as {"type": "integer"}.
type Schema struct {
	Type       string                    `json:"type" mapstructure:"type" yaml:"type"`
	Properties map[string]map[string]any `json:"properties,omitempty" mapstructure:"properties" yaml:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty" mapstructure:"required" yaml:"required,omitempty"`
}

// IsZero reports whether no schema was declared.
func (s Schema) IsZero() bool {
	return s.Type == "" && len(s.Properties) == 0 && len(s.Required) == 0
}

// Map renders the schema as a JSON Schema document.
func (s Schema) Map() map[string]any {
	typ := s.Type
	if typ == "" {
		typ = "object"
	}

	properties := make(map[string]any, len(s.Properties))
	for name, prop := range s.Properties {
		properties[name] = prop
	}

	doc := map[string]any{
		"type":       typ,
		"properties": properties,
	}
	if len(s.Required) > 0 {
		required := make([]any, len(s.Required))
		for i, r := range s.Required {
			required[i] = r
		}
		doc["required"] = required
	}
	return doc
}

// SchemaFromMap builds a Schema from a decoded JSON Schema document, as
// returned by remote tool listings.
func SchemaFromMap(doc map[string]any) Schema {
	s := Schema{Type: "object"}
	if t, ok := doc["type"].(string); ok && t != "" {
		s.Type = t
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		s.Properties = make(map[string]map[string]any, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				s.Properties[name] = prop
			} else {
				s.Properties[name] = map[string]any{}
			}
		}
	}
	switch req := doc["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

// ParamValidator checks arguments against a compiled schema.
type ParamValidator struct {
	schema *gojsonschema.Schema
}

// CompileSchema compiles s once for repeated validation.
func CompileSchema(s Schema) (*ParamValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.Map()))
	if err != nil {
		return nil, fmt.Errorf("invalid parameters schema: %w", err)
	}
	return &ParamValidator{schema: compiled}, nil
}

// Validate returns a *ValidationError naming the first violation, or nil.
// Violations are ordered by field so the reported one is stable.
func (v *ParamValidator) Validate(args map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := v.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	violations := result.Errors()
	sort.SliceStable(violations, func(i, j int) bool {
		return violationField(violations[i]) < violationField(violations[j])
	})

	all := make([]string, 0, len(violations))
	for _, e := range violations {
		all = append(all, fmt.Sprintf("%s: %s", violationField(e), e.Description()))
	}

	first := violations[0]
	return &ValidationError{
		Field:      violationField(first),
		Reason:     first.Description(),
		Violations: all,
	}
}

// violationField names the offending argument. Missing required properties
// are reported against the root by gojsonschema.
func violationField(e gojsonschema.ResultError) string {
	if e.Type() == "required" {
		if prop, ok := e.Details()["property"].(string); ok {
			return prop
		}
	}
	return strings.TrimPrefix(e.Field(), "(root).")
}
