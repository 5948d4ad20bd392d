package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/arazzo/pkg/schema"
)

// Scope is the immutable snapshot a resolution runs against: workflow inputs,
// the outputs of every already-executed step, and (within a step) the most
// recent response. Resolution is pure: the same scope and expression always
// yield the same value, and nothing here is mutated.
type Scope struct {
	Inputs   map[string]any
	Steps    map[string]map[string]any // stepId -> recorded outputs
	Response *schema.Response          // nil outside a step
}

// Resolve evaluates a parsed expression against the scope. Any reference
// that cannot be satisfied -- absent input, unexecuted step, missing field,
// out-of-range index -- fails with UNRESOLVED_REFERENCE, never a nil value.
func Resolve(e *Expr, sc *Scope) (any, error) {
	switch e.Kind {
	case KindLiteral:
		return e.Literal, nil

	case KindInputs:
		v, ok := sc.Inputs[e.Name]
		if !ok {
			return nil, unresolved(e, "input %q is not defined", e.Name)
		}
		return v, nil

	case KindSteps:
		outputs, ok := sc.Steps[e.StepID]
		if !ok {
			return nil, unresolved(e, "step %q has not executed", e.StepID)
		}
		v, ok := outputs[e.Name]
		if !ok {
			return nil, unresolved(e, "step %q recorded no output %q", e.StepID, e.Name)
		}
		return v, nil

	case KindStatusCode:
		if sc.Response == nil {
			return nil, unresolved(e, "no response in scope")
		}
		return sc.Response.StatusCode, nil

	case KindURL:
		if sc.Response == nil {
			return nil, unresolved(e, "no response in scope")
		}
		return sc.Response.URL, nil

	case KindMethod:
		if sc.Response == nil {
			return nil, unresolved(e, "no response in scope")
		}
		return sc.Response.Method, nil

	case KindResponseHeader:
		if sc.Response == nil {
			return nil, unresolved(e, "no response in scope")
		}
		v, ok := sc.Response.Header(e.Name)
		if !ok {
			return nil, unresolved(e, "response has no header %q", e.Name)
		}
		return v, nil

	case KindResponseBody:
		if sc.Response == nil {
			return nil, unresolved(e, "no response in scope")
		}
		return walkBody(e, sc.Response.Body, e.Path)
	}

	return nil, unresolved(e, "unknown expression kind")
}

// walkBody traverses the response body along the parsed path.
func walkBody(e *Expr, v any, path []Segment) (any, error) {
	for i, seg := range path {
		switch {
		case seg.IsLength:
			switch val := v.(type) {
			case []any:
				return len(val), nil
			case string:
				return len(val), nil
			case map[string]any:
				// Objects keep their own "length" field; the pseudo-field
				// applies to arrays and strings only.
				fv, ok := val["length"]
				if !ok {
					return nil, unresolved(e, "missing field %q", "length")
				}
				return fv, nil
			default:
				return nil, unresolved(e, "length of non-collection at %s", pathPrefix(path, i))
			}

		case seg.IsIndex:
			arr, ok := v.([]any)
			if !ok {
				return nil, unresolved(e, "index into non-array at %s", pathPrefix(path, i))
			}
			if seg.Index < 0 || seg.Index >= len(arr) {
				return nil, unresolved(e, "index %d out of range (array length %d) at %s",
					seg.Index, len(arr), pathPrefix(path, i))
			}
			v = arr[seg.Index]

		default:
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, unresolved(e, "field access on non-object at %s", pathPrefix(path, i))
			}
			fv, ok := obj[seg.Field]
			if !ok {
				return nil, unresolved(e, "missing field %q", seg.Field)
			}
			v = fv
		}
	}
	return v, nil
}

func pathPrefix(path []Segment, upto int) string {
	var b strings.Builder
	b.WriteString("$response.body")
	for i := 0; i <= upto && i < len(path); i++ {
		seg := path[i]
		switch {
		case seg.IsLength:
			b.WriteString(".length")
		case seg.IsIndex:
			fmt.Fprintf(&b, "[%d]", seg.Index)
		default:
			b.WriteString("." + seg.Field)
		}
	}
	return b.String()
}

func unresolved(e *Expr, format string, args ...any) *schema.ArazzoError {
	return schema.NewErrorf(schema.ErrCodeUnresolvedRef,
		"cannot resolve %q: %s", e.Text, fmt.Sprintf(format, args...)).
		WithDetails(map[string]any{"expression": e.Text})
}

// ResolveString evaluates a string that is either a bare runtime expression
// (typed result), a template with embedded "{$...}" references (string
// result), or a plain literal.
func ResolveString(s string, sc *Scope) (any, error) {
	if IsExpression(s) {
		e, err := Parse(s)
		if err != nil {
			return nil, err
		}
		return Resolve(e, sc)
	}
	if strings.Contains(s, "{$") {
		return expandTemplate(s, sc)
	}
	return s, nil
}

// expandTemplate substitutes every {$...} token in a template string with
// its resolved value. Non-string values are embedded in their JSON form.
func expandTemplate(s string, sc *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{$")
		if idx < 0 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 1 // position of "$"

		end := strings.Index(s[start:], "}")
		if end < 0 {
			return "", schema.NewErrorf(schema.ErrCodeUnresolvedRef,
				"unclosed expression in template %q", s)
		}
		end += start

		e, err := Parse(strings.TrimSpace(s[start:end]))
		if err != nil {
			return "", err
		}
		v, err := Resolve(e, sc)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(v))

		i = end + 1
	}
	return result.String(), nil
}

// ResolveValue resolves expressions inside an arbitrary parameter or payload
// value: strings are resolved via ResolveString, maps and slices recursively,
// everything else passes through.
func ResolveValue(v any, sc *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, sc)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rv, err := ResolveValue(item, sc)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := ResolveValue(item, sc)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// stringify renders a resolved value for template embedding.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
