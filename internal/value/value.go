package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
)

// ObjectID is the stable unique identity of a data object. It is assigned at
// creation, never reused, and is the unit of cross-object reference: reference
// fields store ObjectIDs, not nested copies.
//
// The canonical representation is a hyphenated UUID string. The zero value
// (empty string) is the null reference.
type ObjectID string

// NilObjectID is the null object reference.
const NilObjectID ObjectID = ""

// IsNil reports whether the id is the null reference.
func (id ObjectID) IsNil() bool {
	return id == NilObjectID
}

func (id ObjectID) String() string {
	return string(id)
}

// Value is a sealed interface representing the constrained set of value kinds
// that can be stored in an object field. Only the types defined in this file
// implement it.
type Value interface {
	kilnValue() // Sealed - only these types implement it
}

// Bool represents a boolean field value.
type Bool bool

func (Bool) kilnValue() {}

// Int represents an integer field value. Always int64.
type Int int64

func (Int) kilnValue() {}

// Float represents a floating-point field value.
//
// NaN and infinities are representable here but rejected by MarshalCanonical,
// so they can never reach storage or a fingerprint.
type Float float64

func (Float) kilnValue() {}

// String represents a UTF-8 string field value.
type String string

func (String) kilnValue() {}

// Bytes represents a variable-length byte field value, intended to be
// relatively small. Canonical encoding is standard base64.
type Bytes []byte

func (Bytes) kilnValue() {}

// Ref represents a nullable reference to another object by id.
// The zero value (NilObjectID target) is the null reference.
type Ref struct {
	Target ObjectID
}

func (Ref) kilnValue() {}

// NullRef returns the null reference value.
func NullRef() Ref {
	return Ref{}
}

// IsNull reports whether the reference is null.
func (r Ref) IsNull() bool {
	return r.Target.IsNil()
}

// Enum represents an enum field value as its symbol name.
type Enum string

func (Enum) kilnValue() {}

// Array represents a dynamic array of values.
type Array []Value

func (Array) kilnValue() {}

// Map represents a string-keyed map of values. It is also the composed form
// a resolved record takes: resolution builds records field-by-field into a Map.
// Use SortedKeys for deterministic iteration.
type Map map[string]Value

func (Map) kilnValue() {}

// SortedKeys returns keys in canonical order (UTF-16 code units, RFC 8785).
// CRITICAL: Go's sort.Strings compares UTF-8 bytes which produces a DIFFERENT
// order for strings containing supplementary-plane characters.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 compares strings by UTF-16 code units as required by
// RFC 8785 canonical JSON key ordering.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// Equal reports deep structural equality of two values. Kinds never compare
// equal across kinds, so Int(1) != Float(1).
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		// Bit-level comparison so -0 != +0 mirrors the canonical encoding.
		return ok && math.Float64bits(float64(av)) == math.Float64bits(float64(bv))
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	case Ref:
		bv, ok := b.(Ref)
		return ok && av == bv
	case Enum:
		bv, ok := b.(Enum)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// KindName returns a short human-readable name for a value's kind, used in
// type-mismatch diagnostics.
func KindName(v Value) string {
	switch v.(type) {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	case Ref:
		return "ref"
	case Enum:
		return "enum"
	case Array:
		return "array"
	case Map:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// MarshalValue marshals a value to plain (non-canonical) JSON for display.
// NOTE: This is NOT canonical marshaling. Use MarshalCanonical for hashing.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Bool:
		return json.Marshal(bool(val))
	case Int:
		return json.Marshal(int64(val))
	case Float:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil, fmt.Errorf("non-finite float has no JSON encoding: %v", float64(val))
		}
		return []byte(strconv.FormatFloat(float64(val), 'g', -1, 64)), nil
	case String:
		return json.Marshal(string(val))
	case Bytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(val))
	case Ref:
		if val.IsNull() {
			return []byte("null"), nil
		}
		return json.Marshal(map[string]string{"$ref": string(val.Target)})
	case Enum:
		return json.Marshal(string(val))
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Map:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := MarshalValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("value for key %q: %w", k, err)
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown value kind: %T", v)
	}
}
