package object

import (
	"fmt"

	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

// FieldDiff is one divergence between two resolved objects. Before/After are
// the resolved values on each side; nil marks a map entry absent on that
// side.
type FieldDiff struct {
	Path   value.FieldPath
	Before value.Value
	After  value.Value
}

// Diff compares the resolved values of two objects of the same schema and
// returns the paths where they diverge, in schema field order with map keys
// sorted.
//
// The comparison sees through inheritance: a field overridden on one side
// and inherited to the same value on the other does not diverge. Arrays of
// different length diff as a single entry at the array path; same-length
// arrays diff per element.
func (s *Store) Diff(before, after value.ObjectID) ([]FieldDiff, error) {
	rec, beforeFP, err := s.Schema(before)
	if err != nil {
		return nil, err
	}
	_, afterFP, err := s.Schema(after)
	if err != nil {
		return nil, err
	}
	if beforeFP != afterFP {
		return nil, fmt.Errorf("%w: diff across schemas %s and %s", ErrTypeMismatch, beforeFP, afterFP)
	}

	a, err := s.ResolveObject(before)
	if err != nil {
		return nil, err
	}
	b, err := s.ResolveObject(after)
	if err != nil {
		return nil, err
	}

	var diffs []FieldDiff
	if err := s.diffValues(value.RootPath, schema.Record(rec.Name), a, b, &diffs); err != nil {
		return nil, err
	}
	return diffs, nil
}

// diffValues walks two resolved values alongside their schema type so map
// keys and record fields keep their distinct path step kinds.
func (s *Store) diffValues(path value.FieldPath, t schema.Type, a, b value.Value, out *[]FieldDiff) error {
	if value.Equal(a, b) {
		return nil
	}

	switch t.Kind {
	case schema.KindRecord:
		am, aok := a.(value.Map)
		bm, bok := b.(value.Map)
		if !aok || !bok {
			*out = append(*out, FieldDiff{Path: path, Before: a, After: b})
			return nil
		}
		rec, err := s.recordByName(t.Named)
		if err != nil {
			return err
		}
		for _, f := range rec.Fields {
			sub := path.Append(value.FieldStep(f.Name))
			if err := s.diffValues(sub, f.Type, am[f.Name], bm[f.Name], out); err != nil {
				return err
			}
		}
	case schema.KindArray:
		aa, aok := a.(value.Array)
		ba, bok := b.(value.Array)
		if !aok || !bok || len(aa) != len(ba) {
			*out = append(*out, FieldDiff{Path: path, Before: a, After: b})
			return nil
		}
		for i := range aa {
			sub := path.Append(value.IndexStep(i))
			if err := s.diffValues(sub, *t.Elem, aa[i], ba[i], out); err != nil {
				return err
			}
		}
	case schema.KindMap:
		am, aok := a.(value.Map)
		bm, bok := b.(value.Map)
		if !aok || !bok {
			*out = append(*out, FieldDiff{Path: path, Before: a, After: b})
			return nil
		}
		for _, k := range unionKeys(am, bm) {
			left, inA := am[k]
			right, inB := bm[k]
			sub := path.Append(value.KeyStep(k))
			switch {
			case inA && inB:
				if err := s.diffValues(sub, *t.Elem, left, right, out); err != nil {
					return err
				}
			case inA:
				*out = append(*out, FieldDiff{Path: sub, Before: left})
			default:
				*out = append(*out, FieldDiff{Path: sub, After: right})
			}
		}
	default:
		*out = append(*out, FieldDiff{Path: path, Before: a, After: b})
	}
	return nil
}

// unionKeys merges two maps' keys in UTF-16 sorted order without duplicates.
func unionKeys(a, b value.Map) []string {
	merged := make(value.Map, len(a)+len(b))
	for k := range a {
		merged[k] = value.Bool(false)
	}
	for k := range b {
		merged[k] = value.Bool(false)
	}
	return merged.SortedKeys()
}
