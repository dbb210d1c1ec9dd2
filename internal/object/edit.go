package object

import (
	"fmt"
	"strings"

	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

// SetOverride stores a local value at a path, shadowing the prototype chain
// for that path. The value must type-check against the schema type at the
// path; a rejected edit leaves the object unchanged.
//
// Record paths are not settable: a record is composed per field, so callers
// edit its fields (or, for records inside collections, the enclosing
// collection). Setting a collection path replaces the whole collection and
// drops any element edits this object stored beneath it.
//
// Reference values must target live objects, and a constrained reference
// must target an object of the constraining schema.
func (s *Store) SetOverride(id value.ObjectID, path value.FieldPath, v value.Value) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	t, err := s.registry.TypeAt(obj.schema, path)
	if err != nil {
		return err
	}
	if t.Kind == schema.KindRecord {
		return fmt.Errorf("%w: %s is a record; records are composed per field", ErrTypeMismatch, path)
	}
	if err := s.registry.CheckValue(t, v); err != nil {
		return fmt.Errorf("set %s at %s: %w", id, path, err)
	}
	if err := s.checkRefTargetsLocked(t, v); err != nil {
		return fmt.Errorf("set %s at %s: %w", id, path, err)
	}

	key := path.String()

	obj.mu.Lock()
	for k := range obj.overrides {
		if k != key && strings.HasPrefix(k, key) && isDescendantKey(obj.overrides[k].path, path) {
			delete(obj.overrides, k)
		}
	}
	obj.overrides[key] = overrideEntry{path: path, val: v}
	obj.revision++
	obj.mu.Unlock()

	s.events.publish(Change{Object: id, Path: path})
	return nil
}

func isDescendantKey(candidate, ancestor value.FieldPath) bool {
	return len(candidate) > len(ancestor) && candidate[:len(ancestor)].Equal(ancestor)
}

// checkRefTargetsLocked walks a value alongside its type and verifies every
// non-null reference. Caller holds the arena read lock.
func (s *Store) checkRefTargetsLocked(t schema.Type, v value.Value) error {
	switch t.Kind {
	case schema.KindRef:
		ref, ok := v.(value.Ref)
		if !ok || ref.Target.IsNil() {
			return nil
		}
		target, ok := s.objects[ref.Target]
		if !ok {
			return fmt.Errorf("%w: reference target %s", ErrUnknownObject, ref.Target)
		}
		if t.Named != "" && target.schema.Name != t.Named {
			return fmt.Errorf("%w: reference constrained to %q targets a %q object",
				ErrTypeMismatch, t.Named, target.schema.Name)
		}
		return nil
	case schema.KindArray:
		arr, ok := v.(value.Array)
		if !ok {
			return nil
		}
		for i, elem := range arr {
			if err := s.checkRefTargetsLocked(*t.Elem, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case schema.KindMap:
		m, ok := v.(value.Map)
		if !ok {
			return nil
		}
		for _, k := range m.SortedKeys() {
			if err := s.checkRefTargetsLocked(*t.Elem, m[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		return nil
	default:
		return nil
	}
}

// ClearOverride removes the local value at a path, restoring inheritance for
// that path. Clearing a path with no local value is a no-op.
func (s *Store) ClearOverride(id value.ObjectID, path value.FieldPath) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	key := path.String()

	obj.mu.Lock()
	_, had := obj.overrides[key]
	if had {
		delete(obj.overrides, key)
		obj.revision++
	}
	obj.mu.Unlock()

	if had {
		s.events.publish(Change{Object: id, Path: path})
	}
	return nil
}

// HasOverride reports whether the object stores a local value at exactly
// this path (inherited values do not count).
func (s *Store) HasOverride(id value.ObjectID, path value.FieldPath) (bool, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	_, ok := obj.overrides[path.String()]
	return ok, nil
}

// ApplyOverrideToPrototype moves an object's local value at a path onto its
// prototype, so every other object deriving from that prototype inherits it.
// The object itself resolves to the same value before and after.
//
// Fails when the object has no prototype or no local value at the path.
func (s *Store) ApplyOverrideToPrototype(id value.ObjectID, path value.FieldPath) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	key := path.String()

	obj.mu.Lock()
	protoID := obj.prototype
	_, had := obj.overrides[key]
	obj.mu.Unlock()

	if protoID.IsNil() {
		return fmt.Errorf("promote %s at %s: object has no prototype", id, path)
	}
	if !had {
		return fmt.Errorf("promote %s at %s: no local value at path", id, path)
	}

	proto, ok := s.objects[protoID]
	if !ok {
		return fmt.Errorf("%w: prototype %s", ErrUnknownObject, protoID)
	}

	// Same schema by construction, so the value is already well typed for
	// the prototype. Lock order by id keeps concurrent promotions safe.
	first, second := obj, proto
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()

	// Re-read under the locks: a concurrent SetOverride between the two
	// critical sections must win, so the promoted value is the current one.
	entry, still := obj.overrides[key]
	if !still {
		second.mu.Unlock()
		first.mu.Unlock()
		return fmt.Errorf("promote %s at %s: no local value at path", id, path)
	}

	for k := range proto.overrides {
		if k != key && isDescendantKey(proto.overrides[k].path, path) {
			delete(proto.overrides, k)
		}
	}
	proto.overrides[key] = entry
	proto.revision++
	delete(obj.overrides, key)
	obj.revision++

	second.mu.Unlock()
	first.mu.Unlock()

	s.events.publish(Change{Object: protoID, Path: path})
	s.events.publish(Change{Object: id, Path: path})
	return nil
}
