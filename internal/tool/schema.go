package tool

import (
	"encoding/json"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// Object builds an object schema with the given properties and required keys.
func Object(props map[string]*openapi3.Schema, required ...string) *openapi3.Schema {
	s := openapi3.NewObjectSchema().WithProperties(props)
	s.Required = required
	return s
}

// String is a string property schema.
func String(description string) *openapi3.Schema {
	s := openapi3.NewStringSchema()
	s.Description = description
	return s
}

// Integer is an integer property schema.
func Integer(description string) *openapi3.Schema {
	s := openapi3.NewIntegerSchema()
	s.Description = description
	return s
}

// Bool is a boolean property schema.
func Bool(description string) *openapi3.Schema {
	s := openapi3.NewBoolSchema()
	s.Description = description
	return s
}

// ArrayOf is an array property schema.
func ArrayOf(items *openapi3.Schema, description string) *openapi3.Schema {
	s := openapi3.NewArraySchema().WithItems(items)
	s.Description = description
	return s
}

// WithDefault sets a schema default and returns the schema.
func WithDefault(s *openapi3.Schema, v any) *openapi3.Schema {
	s.Default = v
	return s
}

// Normalize converts args to plain JSON values (maps, slices, float64,
// strings, bools). Typed values such as references or unavailable markers
// become their JSON form.
func Normalize(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeArgumentInvalid, "arguments are not JSON encodable", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(errors.ErrCodeArgumentInvalid, "arguments are not a JSON object", err)
	}
	return out, nil
}

// isUnavailable reports whether a normalized value is an unavailable marker.
func isUnavailable(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	_, ok = m["$unavailable"]
	return ok
}

// validateArgs checks normalized args against schema. Arguments carrying an
// unavailable marker are treated as absent and are not required.
func validateArgs(name string, schema *openapi3.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	present := make(map[string]any, len(args))
	skipped := make(map[string]bool)
	for k, v := range args {
		if isUnavailable(v) {
			skipped[k] = true
			continue
		}
		present[k] = v
	}

	s := schema
	if len(skipped) > 0 && len(schema.Required) > 0 {
		cp := *schema
		cp.Required = nil
		for _, r := range schema.Required {
			if !skipped[r] {
				cp.Required = append(cp.Required, r)
			}
		}
		s = &cp
	}

	if err := s.VisitJSON(present, openapi3.MultiErrors()); err != nil {
		return errors.NewArgumentError(name, err)
	}
	return nil
}

// ApplyDefaults returns a copy of args with unknown keys removed and
// schema defaults filled for absent properties.
func ApplyDefaults(schema *openapi3.Schema, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	if schema == nil || len(schema.Properties) == 0 {
		for k, v := range args {
			out[k] = v
		}
		return out
	}
	for k, v := range args {
		if _, known := schema.Properties[k]; known {
			out[k] = v
		}
	}
	for k, ref := range schema.Properties {
		if _, set := out[k]; set || ref == nil || ref.Value == nil || ref.Value.Default == nil {
			continue
		}
		out[k] = ref.Value.Default
	}
	return out
}
