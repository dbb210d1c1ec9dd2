package value

import (
	"fmt"
	"strconv"
	"strings"
)

// StepKind discriminates the three kinds of path steps.
type StepKind int

const (
	// StepField addresses a named field of a record.
	StepField StepKind = iota + 1
	// StepIndex addresses an element of a dynamic array.
	StepIndex
	// StepKey addresses an entry of a dynamic map.
	StepKey
)

// Step is one element of a FieldPath.
type Step struct {
	Kind  StepKind
	Field string // StepField
	Index int    // StepIndex
	Key   string // StepKey
}

// FieldStep returns a record-field step.
func FieldStep(name string) Step {
	return Step{Kind: StepField, Field: name}
}

// IndexStep returns an array-index step.
func IndexStep(i int) Step {
	return Step{Kind: StepIndex, Index: i}
}

// KeyStep returns a map-key step.
func KeyStep(k string) Step {
	return Step{Kind: StepKey, Key: k}
}

// FieldPath is an ordered sequence of steps from an object's root to a
// property. It is used uniformly for reads, writes, change notification, and
// diffing. The canonical string form is stable across serialization
// round-trips: Parse(p.String()) always reproduces p.
//
// String form: field steps join with '.', array indices are "[3]", map keys
// are quoted "[\"k\"]" with backslash escaping for quotes and backslashes.
// Example: layers[2].name, tags["hero\"s"].weight
type FieldPath []Step

// RootPath is the empty path addressing the object root.
var RootPath = FieldPath{}

// PathOf builds a path of record-field steps from names.
// PathOf("a", "b") addresses field b of record field a.
func PathOf(names ...string) FieldPath {
	p := make(FieldPath, 0, len(names))
	for _, n := range names {
		p = append(p, FieldStep(n))
	}
	return p
}

// Append returns a new path with the step added. The receiver is not
// modified and the result does not alias its backing array.
func (p FieldPath) Append(s Step) FieldPath {
	out := make(FieldPath, 0, len(p)+1)
	out = append(out, p...)
	out = append(out, s)
	return out
}

// IsRoot reports whether the path addresses the object root.
func (p FieldPath) IsRoot() bool {
	return len(p) == 0
}

// Equal reports whether two paths address the same property.
func (p FieldPath) Equal(other FieldPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// String returns the canonical string form.
func (p FieldPath) String() string {
	var sb strings.Builder
	for i, s := range p {
		switch s.Kind {
		case StepField:
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(escapeField(s.Field))
		case StepIndex:
			sb.WriteByte('[')
			sb.WriteString(strconv.Itoa(s.Index))
			sb.WriteByte(']')
		case StepKey:
			sb.WriteString(`["`)
			sb.WriteString(escapeKey(s.Key))
			sb.WriteString(`"]`)
		}
	}
	return sb.String()
}

// escapeField escapes '.', '[' and '\' in field names so the string form
// parses unambiguously. Schema field names rarely contain these, but the
// round-trip guarantee must hold for any name.
func escapeField(name string) string {
	if !strings.ContainsAny(name, `.[\`) {
		return name
	}
	var sb strings.Builder
	for _, r := range name {
		if r == '.' || r == '[' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// escapeKey escapes '"' and '\' in map keys.
func escapeKey(key string) string {
	if !strings.ContainsAny(key, `"\`) {
		return key
	}
	var sb strings.Builder
	for _, r := range key {
		if r == '"' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ParsePath parses the canonical string form back into a FieldPath.
func ParsePath(s string) (FieldPath, error) {
	var path FieldPath
	i := 0
	expectField := true // a '.' has been consumed (or we are at the start)

	for i < len(s) {
		switch {
		case s[i] == '.':
			if expectField || len(path) == 0 {
				return nil, fmt.Errorf("parse path %q: unexpected '.' at %d", s, i)
			}
			expectField = true
			i++
		case s[i] == '[':
			if expectField && len(path) > 0 {
				return nil, fmt.Errorf("parse path %q: expected field name at %d", s, i)
			}
			step, next, err := parseBracket(s, i)
			if err != nil {
				return nil, fmt.Errorf("parse path %q: %w", s, err)
			}
			path = append(path, step)
			expectField = false
			i = next
		default:
			if !expectField && len(path) > 0 {
				return nil, fmt.Errorf("parse path %q: expected '.' or '[' at %d", s, i)
			}
			name, next, err := parseFieldName(s, i)
			if err != nil {
				return nil, fmt.Errorf("parse path %q: %w", s, err)
			}
			path = append(path, FieldStep(name))
			expectField = false
			i = next
		}
	}

	if expectField && len(path) > 0 {
		return nil, fmt.Errorf("parse path %q: trailing '.'", s)
	}
	return path, nil
}

// MustParsePath is like ParsePath but panics on error.
// Use only in tests or with known-valid literals.
func MustParsePath(s string) FieldPath {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseFieldName(s string, start int) (string, int, error) {
	var sb strings.Builder
	i := start
	for i < len(s) {
		c := s[i]
		if c == '\\' {
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("dangling escape at %d", i)
			}
			sb.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == '.' || c == '[' {
			break
		}
		sb.WriteByte(c)
		i++
	}
	if sb.Len() == 0 {
		return "", 0, fmt.Errorf("empty field name at %d", start)
	}
	return sb.String(), i, nil
}

func parseBracket(s string, start int) (Step, int, error) {
	i := start + 1 // skip '['
	if i >= len(s) {
		return Step{}, 0, fmt.Errorf("unterminated '[' at %d", start)
	}

	if s[i] == '"' {
		// Map key
		i++
		var sb strings.Builder
		for i < len(s) {
			c := s[i]
			if c == '\\' {
				if i+1 >= len(s) {
					return Step{}, 0, fmt.Errorf("dangling escape at %d", i)
				}
				sb.WriteByte(s[i+1])
				i += 2
				continue
			}
			if c == '"' {
				break
			}
			sb.WriteByte(c)
			i++
		}
		if i+1 >= len(s) || s[i] != '"' || s[i+1] != ']' {
			return Step{}, 0, fmt.Errorf("unterminated map key at %d", start)
		}
		return KeyStep(sb.String()), i + 2, nil
	}

	// Array index
	end := strings.IndexByte(s[i:], ']')
	if end < 0 {
		return Step{}, 0, fmt.Errorf("unterminated '[' at %d", start)
	}
	idx, err := strconv.Atoi(s[i : i+end])
	if err != nil || idx < 0 {
		return Step{}, 0, fmt.Errorf("invalid array index %q at %d", s[i:i+end], i)
	}
	return IndexStep(idx), i + end + 1, nil
}
