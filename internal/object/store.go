package object

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

// IDGenerator produces object ids. Implemented by UUIDGenerator (production)
// and the fixed-sequence generator in internal/testutil (tests).
type IDGenerator interface {
	NewID() value.ObjectID
}

// UUIDGenerator generates time-sortable UUIDv7 object ids.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDGenerator struct{}

// NewID returns a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDGenerator) NewID() value.ObjectID {
	return value.ObjectID(uuid.Must(uuid.NewV7()).String())
}

// object is one arena entry. The per-object mutex guards overrides, the
// prototype link, the name, and the revision counter; the id and schema are
// immutable for the object's lifetime.
type object struct {
	mu sync.Mutex

	id        value.ObjectID
	schemaFP  schema.Fingerprint
	schema    schema.RecordDef
	name      string
	prototype value.ObjectID
	overrides map[string]overrideEntry
	revision  uint64
}

// overrideEntry keeps the parsed path next to the stored value so snapshot
// and resolution code never re-parse map keys.
type overrideEntry struct {
	path value.FieldPath
	val  value.Value
}

// Info is a read-only snapshot of one object, used by persistence and the
// CLI. Overrides are keyed by canonical path string.
type Info struct {
	ID        value.ObjectID
	Name      string
	SchemaFP  schema.Fingerprint
	Schema    schema.RecordDef
	Prototype value.ObjectID
	Overrides map[string]value.Value
	Revision  uint64
}

// Store is the asset database: a single arena owning every live object.
type Store struct {
	registry *schema.Registry
	gen      IDGenerator
	events   *notifier

	mu      sync.RWMutex
	objects map[value.ObjectID]*object
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator overrides the id generator; tests use a fixed sequence for
// reproducible arenas.
func WithIDGenerator(gen IDGenerator) StoreOption {
	return func(s *Store) {
		s.gen = gen
	}
}

// NewStore creates an empty store resolving schemas against the registry.
func NewStore(registry *schema.Registry, opts ...StoreOption) *Store {
	s := &Store{
		registry: registry,
		gen:      UUIDGenerator{},
		events:   newNotifier(),
		objects:  make(map[value.ObjectID]*object),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the schema registry the store resolves against.
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Subscribe attaches a new consumer to the change stream. Every successful
// mutation after this call is observed exactly once, in order.
func (s *Store) Subscribe() *Subscription {
	return s.events.subscribe()
}

// Create adds a new object of the given schema and returns its id.
//
// prototype may be NilObjectID for a standalone object. A prototype must be
// a live object of the same schema. name is a human-readable label with no
// identity semantics.
func (s *Store) Create(schemaFP schema.Fingerprint, prototype value.ObjectID, name string) (value.ObjectID, error) {
	rec, err := s.registry.ResolveRecord(schemaFP)
	if err != nil {
		return value.NilObjectID, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !prototype.IsNil() {
		proto, ok := s.objects[prototype]
		if !ok {
			return value.NilObjectID, fmt.Errorf("%w: prototype %s", ErrUnknownObject, prototype)
		}
		if proto.schemaFP != schemaFP {
			return value.NilObjectID, fmt.Errorf("%w: prototype %s has schema %s, object declares %s",
				ErrTypeMismatch, prototype, proto.schemaFP, schemaFP)
		}
		// A fresh id cannot appear in an existing chain, but a malformed
		// restore could; verify the chain terminates before linking to it.
		if err := s.checkChainAcyclicLocked(prototype); err != nil {
			return value.NilObjectID, err
		}
	}

	id := s.gen.NewID()
	if _, exists := s.objects[id]; exists {
		return value.NilObjectID, fmt.Errorf("id generator produced duplicate id %s", id)
	}

	s.objects[id] = &object{
		id:        id,
		schemaFP:  schemaFP,
		schema:    rec,
		name:      name,
		prototype: prototype,
		overrides: make(map[string]overrideEntry),
	}

	s.events.publish(Change{Object: id, Path: value.RootPath})
	return id, nil
}

// Delete removes an object. It fails with ErrReferencedObject while any live
// object's prototype link or reference field still targets the object;
// referential integrity is enforced here, not lazily.
func (s *Store) Delete(id value.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	for _, other := range s.objects {
		if other.id == id {
			continue
		}
		other.mu.Lock()
		refs := other.prototype == id || overridesReference(other.overrides, id)
		other.mu.Unlock()
		if refs {
			return fmt.Errorf("%w: %s is targeted by %s", ErrReferencedObject, id, other.id)
		}
	}

	delete(s.objects, id)
	s.events.publish(Change{Object: id, Path: value.RootPath})
	return nil
}

// overridesReference reports whether any stored override value contains a
// reference to target.
func overridesReference(overrides map[string]overrideEntry, target value.ObjectID) bool {
	for _, entry := range overrides {
		if valueReferences(entry.val, target) {
			return true
		}
	}
	return false
}

func valueReferences(v value.Value, target value.ObjectID) bool {
	switch val := v.(type) {
	case value.Ref:
		return val.Target == target
	case value.Array:
		for _, elem := range val {
			if valueReferences(elem, target) {
				return true
			}
		}
	case value.Map:
		for _, elem := range val {
			if valueReferences(elem, target) {
				return true
			}
		}
	}
	return false
}

// SetPrototype relinks an object to a new prototype (or detaches it with
// NilObjectID). Fails with ErrCyclicPrototype if the new link would make the
// chain reachable from itself; the rejected edit leaves the graph unchanged.
func (s *Store) SetPrototype(id, prototype value.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	if !prototype.IsNil() {
		proto, ok := s.objects[prototype]
		if !ok {
			return fmt.Errorf("%w: prototype %s", ErrUnknownObject, prototype)
		}
		if proto.schemaFP != obj.schemaFP {
			return fmt.Errorf("%w: prototype %s has schema %s, object has %s",
				ErrTypeMismatch, prototype, proto.schemaFP, obj.schemaFP)
		}
		// Walk the proposed chain; reaching id means a cycle.
		for cur := prototype; !cur.IsNil(); {
			if cur == id {
				return fmt.Errorf("%w: %s would reach itself via %s", ErrCyclicPrototype, id, prototype)
			}
			next, ok := s.objects[cur]
			if !ok {
				return fmt.Errorf("%w: chain passes through missing object %s", ErrUnknownObject, cur)
			}
			cur = next.prototype
		}
	}

	obj.mu.Lock()
	obj.prototype = prototype
	obj.revision++
	obj.mu.Unlock()

	s.events.publish(Change{Object: id, Path: value.RootPath})
	return nil
}

// checkChainAcyclicLocked verifies an existing chain terminates. Caller holds
// the arena lock.
func (s *Store) checkChainAcyclicLocked(start value.ObjectID) error {
	seen := make(map[value.ObjectID]bool)
	for cur := start; !cur.IsNil(); {
		if seen[cur] {
			return fmt.Errorf("%w: chain through %s", ErrCyclicPrototype, start)
		}
		seen[cur] = true
		obj, ok := s.objects[cur]
		if !ok {
			return fmt.Errorf("%w: chain passes through missing object %s", ErrUnknownObject, cur)
		}
		cur = obj.prototype
	}
	return nil
}

// Exists reports whether an id resolves to a live object.
func (s *Store) Exists(id value.ObjectID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok
}

// Prototype returns an object's prototype link (NilObjectID if detached).
func (s *Store) Prototype(id value.ObjectID) (value.ObjectID, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return value.NilObjectID, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.prototype, nil
}

// Schema returns the record definition and fingerprint of an object.
func (s *Store) Schema(id value.ObjectID) (schema.RecordDef, schema.Fingerprint, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return schema.RecordDef{}, "", err
	}
	return obj.schema, obj.schemaFP, nil
}

// Name returns an object's label.
func (s *Store) Name(id value.ObjectID) (string, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.name, nil
}

// Revision returns an object's edit counter. It increases on every
// successful mutation of that object and drives memo invalidation.
func (s *Store) Revision(id value.ObjectID) (uint64, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.revision, nil
}

// IDs returns all live object ids in unspecified order.
func (s *Store) IDs() []value.ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]value.ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a read-only copy of one object's stored state.
func (s *Store) Snapshot(id value.ObjectID) (Info, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return Info{}, err
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()

	overrides := make(map[string]value.Value, len(obj.overrides))
	for k, entry := range obj.overrides {
		overrides[k] = entry.val
	}
	return Info{
		ID:        obj.id,
		Name:      obj.name,
		SchemaFP:  obj.schemaFP,
		Schema:    obj.schema,
		Prototype: obj.prototype,
		Overrides: overrides,
		Revision:  obj.revision,
	}, nil
}

// Restore inserts an object with a known id and override set, used when
// loading persisted state. Values must already be typed; each override is
// re-checked against the schema so a corrupt or stale database cannot
// introduce ill-typed state.
func (s *Store) Restore(info Info) error {
	rec, err := s.registry.ResolveRecord(info.SchemaFP)
	if err != nil {
		return err
	}

	overrides := make(map[string]overrideEntry, len(info.Overrides))
	for key, v := range info.Overrides {
		path, err := value.ParsePath(key)
		if err != nil {
			return fmt.Errorf("restore %s: %w", info.ID, err)
		}
		t, err := s.registry.TypeAt(rec, path)
		if err != nil {
			return fmt.Errorf("restore %s override %s: %w", info.ID, key, err)
		}
		if t.Kind == schema.KindRecord {
			return fmt.Errorf("restore %s override %s: %w: records are composed, not stored",
				info.ID, key, ErrTypeMismatch)
		}
		if err := s.registry.CheckValue(t, v); err != nil {
			return fmt.Errorf("restore %s override %s: %w", info.ID, key, err)
		}
		overrides[key] = overrideEntry{path: path, val: v}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[info.ID]; exists {
		return fmt.Errorf("restore: id %s already present", info.ID)
	}
	s.objects[info.ID] = &object{
		id:        info.ID,
		schemaFP:  info.SchemaFP,
		schema:    rec,
		name:      info.Name,
		prototype: info.Prototype,
		overrides: overrides,
		revision:  info.Revision,
	}
	return nil
}

// lookup fetches the arena entry for an id.
func (s *Store) lookup(id value.ObjectID) (*object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	return obj, nil
}
