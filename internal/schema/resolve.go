package schema

import (
	"errors"
	"fmt"

	"github.com/kilnworks/kiln/internal/value"
)

// ErrTypeMismatch is returned when a value does not type-check against the
// schema type at a path, or when a path does not match the schema tree.
// Violations fail the edit, never the read.
var ErrTypeMismatch = errors.New("type mismatch")

// TypeAt walks the schema tree of a root record along a field path and
// returns the type at that position. Field steps require records, index
// steps require arrays, key steps require maps.
func (r *Registry) TypeAt(root RecordDef, path value.FieldPath) (Type, error) {
	cur := Record(root.Name)

	for i, step := range path {
		switch step.Kind {
		case value.StepField:
			if cur.Kind != KindRecord {
				return Type{}, fmt.Errorf("%w: step %q at %s is not a record field access",
					ErrTypeMismatch, step.Field, path[:i].String())
			}
			def, ok := r.lookupDef(cur.Named)
			if !ok {
				return Type{}, fmt.Errorf("%w: %q", ErrUnknownSchema, cur.Named)
			}
			rec, ok := def.(RecordDef)
			if !ok {
				return Type{}, fmt.Errorf("%w: %q is not a record", ErrTypeMismatch, cur.Named)
			}
			ft, ok := rec.FieldType(step.Field)
			if !ok {
				return Type{}, fmt.Errorf("%w: record %q has no field %q", ErrTypeMismatch, rec.Name, step.Field)
			}
			cur = ft
		case value.StepIndex:
			if cur.Kind != KindArray {
				return Type{}, fmt.Errorf("%w: index step at %s on non-array", ErrTypeMismatch, path[:i].String())
			}
			cur = *cur.Elem
		case value.StepKey:
			if cur.Kind != KindMap {
				return Type{}, fmt.Errorf("%w: key step at %s on non-map", ErrTypeMismatch, path[:i].String())
			}
			cur = *cur.Elem
		default:
			return Type{}, fmt.Errorf("%w: invalid path step", ErrTypeMismatch)
		}
	}
	return cur, nil
}

// DefaultValue returns the schema-declared default for a type: zero for
// primitives, the default symbol for enums, null for references, empty for
// arrays and maps, and per-field defaults composed into a map for records.
func (r *Registry) DefaultValue(t Type) (value.Value, error) {
	switch t.Kind {
	case KindBool:
		return value.Bool(false), nil
	case KindInt:
		return value.Int(0), nil
	case KindFloat:
		return value.Float(0), nil
	case KindString:
		return value.String(""), nil
	case KindBytes:
		return value.Bytes(nil), nil
	case KindRef:
		return value.NullRef(), nil
	case KindEnum:
		def, ok := r.lookupDef(t.Named)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, t.Named)
		}
		enum, ok := def.(EnumDef)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an enum", ErrTypeMismatch, t.Named)
		}
		return value.Enum(enum.Default), nil
	case KindRecord:
		def, ok := r.lookupDef(t.Named)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, t.Named)
		}
		rec, ok := def.(RecordDef)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a record", ErrTypeMismatch, t.Named)
		}
		out := make(value.Map, len(rec.Fields))
		for _, f := range rec.Fields {
			fv, err := r.DefaultValue(f.Type)
			if err != nil {
				return nil, err
			}
			out[f.Name] = fv
		}
		return out, nil
	case KindArray:
		return value.Array{}, nil
	case KindMap:
		return value.Map{}, nil
	default:
		return nil, fmt.Errorf("%w: invalid kind %d", ErrInvalidSchema, int(t.Kind))
	}
}

// CheckValue type-checks a value against a type. Reference constraints
// (a ref restricted to a named record type) are checked by the object store
// at edit time because they require the target object's schema; here a ref
// only needs to be a ref.
func (r *Registry) CheckValue(t Type, v value.Value) error {
	switch t.Kind {
	case KindBool:
		if _, ok := v.(value.Bool); !ok {
			return mismatch(t, v)
		}
	case KindInt:
		if _, ok := v.(value.Int); !ok {
			return mismatch(t, v)
		}
	case KindFloat:
		if _, ok := v.(value.Float); !ok {
			return mismatch(t, v)
		}
	case KindString:
		if _, ok := v.(value.String); !ok {
			return mismatch(t, v)
		}
	case KindBytes:
		if _, ok := v.(value.Bytes); !ok {
			return mismatch(t, v)
		}
	case KindRef:
		if _, ok := v.(value.Ref); !ok {
			return mismatch(t, v)
		}
	case KindEnum:
		sym, ok := v.(value.Enum)
		if !ok {
			return mismatch(t, v)
		}
		def, found := r.lookupDef(t.Named)
		if !found {
			return fmt.Errorf("%w: %q", ErrUnknownSchema, t.Named)
		}
		enum, isEnum := def.(EnumDef)
		if !isEnum {
			return fmt.Errorf("%w: %q is not an enum", ErrTypeMismatch, t.Named)
		}
		if !enum.HasSymbol(string(sym)) {
			return fmt.Errorf("%w: %q is not a symbol of enum %q", ErrTypeMismatch, string(sym), t.Named)
		}
	case KindRecord:
		m, ok := v.(value.Map)
		if !ok {
			return mismatch(t, v)
		}
		def, found := r.lookupDef(t.Named)
		if !found {
			return fmt.Errorf("%w: %q", ErrUnknownSchema, t.Named)
		}
		rec, isRec := def.(RecordDef)
		if !isRec {
			return fmt.Errorf("%w: %q is not a record", ErrTypeMismatch, t.Named)
		}
		if len(m) != len(rec.Fields) {
			return fmt.Errorf("%w: record %q value has %d fields, schema has %d",
				ErrTypeMismatch, rec.Name, len(m), len(rec.Fields))
		}
		for _, f := range rec.Fields {
			fv, present := m[f.Name]
			if !present {
				return fmt.Errorf("%w: record %q value missing field %q", ErrTypeMismatch, rec.Name, f.Name)
			}
			if err := r.CheckValue(f.Type, fv); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
	case KindArray:
		arr, ok := v.(value.Array)
		if !ok {
			return mismatch(t, v)
		}
		for i, elem := range arr {
			if err := r.CheckValue(*t.Elem, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case KindMap:
		m, ok := v.(value.Map)
		if !ok {
			return mismatch(t, v)
		}
		for _, k := range m.SortedKeys() {
			if err := r.CheckValue(*t.Elem, m[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
	default:
		return fmt.Errorf("%w: invalid kind %d", ErrInvalidSchema, int(t.Kind))
	}
	return nil
}

func mismatch(t Type, v value.Value) error {
	return fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, t.Kind, value.KindName(v))
}
