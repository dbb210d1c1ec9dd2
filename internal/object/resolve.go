package object

import (
	"fmt"
	"sort"

	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

// chainEntry is a point-in-time snapshot of one object in a prototype chain,
// taken under the object's lock so resolution never observes a half-applied
// edit.
type chainEntry struct {
	id        value.ObjectID
	overrides map[string]overrideEntry
}

// chainOf snapshots an object's full prototype chain, most derived first.
func (s *Store) chainOf(id value.ObjectID) ([]chainEntry, schema.RecordDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.objects[id]
	if !ok {
		return nil, schema.RecordDef{}, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	var chain []chainEntry
	seen := make(map[value.ObjectID]bool)
	for cur := id; !cur.IsNil(); {
		if seen[cur] {
			return nil, schema.RecordDef{}, fmt.Errorf("%w: chain through %s", ErrCyclicPrototype, id)
		}
		seen[cur] = true
		obj, ok := s.objects[cur]
		if !ok {
			return nil, schema.RecordDef{}, fmt.Errorf("%w: chain passes through missing object %s", ErrUnknownObject, cur)
		}

		obj.mu.Lock()
		overrides := make(map[string]overrideEntry, len(obj.overrides))
		for k, e := range obj.overrides {
			overrides[k] = e
		}
		next := obj.prototype
		obj.mu.Unlock()

		chain = append(chain, chainEntry{id: cur, overrides: overrides})
		cur = next
	}
	return chain, root.schema, nil
}

// ResolveObject resolves the full record value of an object: every field at
// its effective value after applying the object's overrides, its prototype
// chain, and schema defaults.
func (s *Store) ResolveObject(id value.ObjectID) (value.Value, error) {
	return s.ResolveField(id, value.RootPath)
}

// ResolveField resolves the effective value at a path.
//
// Leaves take the nearest override walking the chain most derived first,
// falling back to the schema default. Records compose per field. Arrays and
// maps start from the nearest whole-collection override (or the empty
// default) and layer element edits from that object and everything more
// derived on top. Element edits stored below the collection's base provider
// are shadowed by the replacement.
func (s *Store) ResolveField(id value.ObjectID, path value.FieldPath) (value.Value, error) {
	chain, rec, err := s.chainOf(id)
	if err != nil {
		return nil, err
	}
	t, err := s.registry.TypeAt(rec, path)
	if err != nil {
		return nil, err
	}
	return s.resolveAt(chain, rec, path, t)
}

func (s *Store) resolveAt(chain []chainEntry, rec schema.RecordDef, path value.FieldPath, t schema.Type) (value.Value, error) {
	// A collection ancestor owns everything beneath it: compose the
	// outermost collection, then index into the result.
	for i := 1; i < len(path); i++ {
		pt, err := s.registry.TypeAt(rec, path[:i])
		if err != nil {
			return nil, err
		}
		if pt.Kind == schema.KindArray || pt.Kind == schema.KindMap {
			composed, err := s.resolveCollection(chain, path[:i], pt)
			if err != nil {
				return nil, err
			}
			if v, ok := indexInto(composed, path[i:]); ok {
				return v, nil
			}
			// Absent element: the path is well typed, the data just is not
			// there. Reads never fail on missing data.
			return s.registry.DefaultValue(t)
		}
	}

	switch t.Kind {
	case schema.KindArray, schema.KindMap:
		return s.resolveCollection(chain, path, t)
	case schema.KindRecord:
		sub, err := s.recordByName(t.Named)
		if err != nil {
			return nil, err
		}
		out := make(value.Map, len(sub.Fields))
		for _, f := range sub.Fields {
			fv, err := s.resolveAt(chain, rec, path.Append(value.FieldStep(f.Name)), f.Type)
			if err != nil {
				return nil, err
			}
			out[f.Name] = fv
		}
		return out, nil
	default:
		key := path.String()
		for _, entry := range chain {
			if e, ok := entry.overrides[key]; ok {
				return e.val, nil
			}
		}
		return s.registry.DefaultValue(t)
	}
}

// resolveCollection composes an array or map value at cpath.
func (s *Store) resolveCollection(chain []chainEntry, cpath value.FieldPath, t schema.Type) (value.Value, error) {
	key := cpath.String()

	base := value.Value(nil)
	baseIdx := len(chain) - 1
	found := false
	for i, entry := range chain {
		if e, ok := entry.overrides[key]; ok {
			base = e.val
			baseIdx = i
			found = true
			break
		}
	}
	if !found {
		var err error
		base, err = s.registry.DefaultValue(t)
		if err != nil {
			return nil, err
		}
	}

	// Element edits stored on the base provider and anything more derived
	// layer on top, least derived first so the most derived wins.
	for i := baseIdx; i >= 0; i-- {
		for _, e := range deeperEntries(chain[i].overrides, cpath) {
			var err error
			base, err = s.overlayAt(base, t, e.path[len(cpath):], e.val)
			if err != nil {
				return nil, err
			}
		}
	}
	return base, nil
}

// deeperEntries returns the overrides strictly under cpath, ordered by path
// string so composition is deterministic.
func deeperEntries(overrides map[string]overrideEntry, cpath value.FieldPath) []overrideEntry {
	var out []overrideEntry
	for _, e := range overrides {
		if len(e.path) > len(cpath) && e.path[:len(cpath)].Equal(cpath) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].path.String() < out[j].path.String()
	})
	return out
}

// overlayAt places v at rel inside base, copying along the path. Array index
// edits land only when the base provides the element; an edit cannot grow an
// array. Map key edits may introduce new entries, with absent intermediate
// elements starting from the schema default.
func (s *Store) overlayAt(base value.Value, t schema.Type, rel value.FieldPath, v value.Value) (value.Value, error) {
	if len(rel) == 0 {
		return v, nil
	}
	step := rel[0]

	switch step.Kind {
	case value.StepIndex:
		arr, ok := base.(value.Array)
		if !ok || step.Index < 0 || step.Index >= len(arr) {
			return base, nil
		}
		out := make(value.Array, len(arr))
		copy(out, arr)
		elem, err := s.overlayAt(out[step.Index], *t.Elem, rel[1:], v)
		if err != nil {
			return nil, err
		}
		out[step.Index] = elem
		return out, nil

	case value.StepKey:
		m, ok := base.(value.Map)
		if !ok {
			return base, nil
		}
		out := make(value.Map, len(m)+1)
		for k, mv := range m {
			out[k] = mv
		}
		cur, present := out[step.Key]
		if !present {
			var err error
			cur, err = s.registry.DefaultValue(*t.Elem)
			if err != nil {
				return nil, err
			}
		}
		elem, err := s.overlayAt(cur, *t.Elem, rel[1:], v)
		if err != nil {
			return nil, err
		}
		out[step.Key] = elem
		return out, nil

	case value.StepField:
		m, ok := base.(value.Map)
		if !ok || t.Kind != schema.KindRecord {
			return base, nil
		}
		sub, err := s.recordByName(t.Named)
		if err != nil {
			return nil, err
		}
		ft, ok := sub.FieldType(step.Field)
		if !ok {
			return base, nil
		}
		out := make(value.Map, len(m))
		for k, mv := range m {
			out[k] = mv
		}
		cur, present := out[step.Field]
		if !present {
			cur, err = s.registry.DefaultValue(ft)
			if err != nil {
				return nil, err
			}
		}
		elem, err := s.overlayAt(cur, ft, rel[1:], v)
		if err != nil {
			return nil, err
		}
		out[step.Field] = elem
		return out, nil

	default:
		return base, nil
	}
}

// indexInto walks a resolved value along rel. Reports false when an element
// is absent.
func indexInto(v value.Value, rel value.FieldPath) (value.Value, bool) {
	cur := v
	for _, step := range rel {
		switch step.Kind {
		case value.StepField:
			m, ok := cur.(value.Map)
			if !ok {
				return nil, false
			}
			cur, ok = m[step.Field]
			if !ok {
				return nil, false
			}
		case value.StepIndex:
			arr, ok := cur.(value.Array)
			if !ok || step.Index < 0 || step.Index >= len(arr) {
				return nil, false
			}
			cur = arr[step.Index]
		case value.StepKey:
			m, ok := cur.(value.Map)
			if !ok {
				return nil, false
			}
			cur, ok = m[step.Key]
			if !ok {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

func (s *Store) recordByName(name string) (schema.RecordDef, error) {
	def, _, ok := s.registry.LookupName(name)
	if !ok {
		return schema.RecordDef{}, fmt.Errorf("%w: %q", ErrUnknownSchema, name)
	}
	rec, isRec := def.(schema.RecordDef)
	if !isRec {
		return schema.RecordDef{}, fmt.Errorf("%w: %q is not a record", ErrTypeMismatch, name)
	}
	return rec, nil
}
