// Package fieldpath implements the small path-expression language used by
// pipeline documents to address nested structures: dot-separated field
// accesses with bracket steps for array elements ("answers[0].author") and a
// bare "[]" marking an explode point ("answers[].author").
//
// Paths are compiled once into a step sequence and resolved against the
// structural value model used throughout the engine (map[string]any, []any,
// scalars). This keeps parsing out of the per-row hot path and makes path
// semantics testable in isolation.
package fieldpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Step is a single path step: a field access, an array index, or an explode
// marker.
type Step struct {
	Field   string // field name; empty for index/explode steps
	Index   int    // array index when IsIndex
	IsIndex bool
	Explode bool // "[]"
}

// Path is a compiled path expression.
type Path struct {
	raw   string
	steps []Step
}

// Parse compiles a path expression. The empty string yields an empty path
// (resolves to the value itself). Malformed expressions return an error
// naming the offending position.
func Parse(s string) (Path, error) {
	p := Path{raw: s}
	if s == "" {
		return p, nil
	}
	i := 0
	expectField := true
	for i < len(s) {
		switch {
		case s[i] == '.':
			if expectField {
				return Path{}, fmt.Errorf("fieldpath %q: unexpected '.' at position %d", s, i)
			}
			i++
			expectField = true
		case s[i] == '[':
			if expectField {
				return Path{}, fmt.Errorf("fieldpath %q: unexpected '[' at position %d", s, i)
			}
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return Path{}, fmt.Errorf("fieldpath %q: unterminated '[' at position %d", s, i)
			}
			inner := s[i+1 : i+end]
			if inner == "" {
				p.steps = append(p.steps, Step{Explode: true})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return Path{}, fmt.Errorf("fieldpath %q: bad index %q", s, inner)
				}
				p.steps = append(p.steps, Step{Index: n, IsIndex: true})
			}
			i += end + 1
		default:
			j := i
			for j < len(s) && s[j] != '.' && s[j] != '[' {
				j++
			}
			p.steps = append(p.steps, Step{Field: s[i:j]})
			i = j
			expectField = false
		}
	}
	if expectField {
		return Path{}, fmt.Errorf("fieldpath %q: trailing '.'", s)
	}
	return p, nil
}

// MustParse is Parse for paths known valid at compile time (tests, builtins).
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original expression.
func (p Path) String() string { return p.raw }

// Len returns the number of steps.
func (p Path) Len() int { return len(p.steps) }

// Root returns the leading field name, or "" when the path is empty or does
// not start with a field access.
func (p Path) Root() string {
	if len(p.steps) == 0 {
		return ""
	}
	return p.steps[0].Field
}

// ExplodeIndex returns the position of the first explode step, or -1.
func (p Path) ExplodeIndex() int {
	for i, st := range p.steps {
		if st.Explode {
			return i
		}
	}
	return -1
}

// Split cuts the path at step i, returning the prefix (steps before i) and
// the suffix (steps after i). The step at i itself is dropped; this is how
// callers separate an "answers[].author" path into the array prefix and the
// per-element suffix.
func (p Path) Split(i int) (Path, Path) {
	pre := Path{raw: p.raw, steps: p.steps[:i]}
	suf := Path{raw: p.raw, steps: p.steps[i+1:]}
	return pre, suf
}

// Rest returns the path with its first step removed. Useful when the root
// segment has already been resolved (e.g. against a transient column).
func (p Path) Rest() Path {
	if len(p.steps) == 0 {
		return p
	}
	return Path{raw: p.raw, steps: p.steps[1:]}
}

// Resolve walks the path through v. It returns (value, true) on success and
// (nil, false) when any step does not apply: missing field, out-of-range
// index, or a step against a non-container. Explode steps do not resolve;
// callers must Split first.
func (p Path) Resolve(v any) (any, bool) {
	cur := v
	for _, st := range p.steps {
		switch {
		case st.Explode:
			return nil, false
		case st.IsIndex:
			arr, ok := cur.([]any)
			if !ok || st.Index >= len(arr) {
				return nil, false
			}
			cur = arr[st.Index]
		default:
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = obj[st.Field]
			if !ok {
				return nil, false
			}
		}
	}
	return cur, true
}
