package plan

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// refPattern matches a whole argument string of the form #<step> or #<step>.<field>.
var refPattern = regexp.MustCompile(`^#([A-Za-z][A-Za-z0-9_-]*)(?:\.([A-Za-z0-9_.-]+))?$`)

// Reference points at the result of an earlier step, or at a field of it.
type Reference struct {
	StepID string
	// Field is a dot path into the result; empty means the whole result.
	Field string
}

// String renders the reference in its plan form.
func (r Reference) String() string {
	if r.Field == "" {
		return "#" + r.StepID
	}
	return "#" + r.StepID + "." + r.Field
}

// MarshalJSON writes the reference back as its plan string.
func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// MarshalYAML writes the reference back as its plan string.
func (r Reference) MarshalYAML() (any, error) {
	return r.String(), nil
}

// ParseReference reports whether s is entirely a reference.
func ParseReference(s string) (Reference, bool) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return Reference{}, false
	}
	return Reference{StepID: m[1], Field: m[2]}, true
}

// Unavailable stands in for a reference whose target did not complete,
// passed to steps reached over a best-effort edge.
type Unavailable struct {
	Ref Reference
}

// MarshalJSON renders the marker as {"$unavailable": "<step>[.<field>]"}.
func (u Unavailable) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"$unavailable": strings.TrimPrefix(u.Ref.String(), "#")})
}

// ParseReferences returns a copy of v with every reference-shaped string
// replaced by a Reference. Strings that merely contain a reference stay literal.
func ParseReferences(v any) any {
	switch t := v.(type) {
	case string:
		if ref, ok := ParseReference(t); ok {
			return ref
		}
		return t
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = ParseReferences(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = ParseReferences(val)
		}
		return s
	default:
		return v
	}
}

// References lists every Reference found in args.
func References(args map[string]any) []Reference {
	var refs []Reference
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case Reference:
			refs = append(refs, t)
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(args)
	return refs
}

// Lookup returns the JSON result of a completed step. ok is false when the
// step did not complete.
type Lookup func(stepID string) (result json.RawMessage, ok bool)

// ResolveArgs returns a copy of the step's args with every Reference replaced
// by the referenced value. References to steps that did not complete become
// Unavailable markers; a missing field is an argument error.
func ResolveArgs(step Step, lookup Lookup) (map[string]any, error) {
	if step.Args == nil {
		return map[string]any{}, nil
	}
	resolved, err := resolveValue(step.ID, step.Args, lookup)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(stepID string, v any, lookup Lookup) (any, error) {
	switch t := v.(type) {
	case Reference:
		raw, ok := lookup(t.StepID)
		if !ok {
			return Unavailable{Ref: t}, nil
		}
		var result any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, errors.Wrap(errors.ErrCodeReferenceMissing, "step "+stepID+": result of "+t.StepID+" is not JSON", err)
			}
		}
		val, found := walkField(result, t.Field)
		if !found {
			return nil, errors.NewReferenceError(stepID, t.String())
		}
		return val, nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			r, err := resolveValue(stepID, val, lookup)
			if err != nil {
				return nil, err
			}
			m[k] = r
		}
		return m, nil
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			r, err := resolveValue(stepID, val, lookup)
			if err != nil {
				return nil, err
			}
			s[i] = r
		}
		return s, nil
	default:
		return v, nil
	}
}

// walkField follows a dot path through decoded JSON. Numeric segments index arrays.
func walkField(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
