package schema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kilnworks/kiln/internal/value"
)

var (
	// ErrSchemaConflict is returned when a name is registered twice with
	// structurally different definitions.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrUnknownSchema is returned when a fingerprint or name does not
	// resolve to a registered definition.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrInvalidSchema is returned for malformed definitions (duplicate
	// fields, empty enums, dangling named references).
	ErrInvalidSchema = errors.New("invalid schema")
)

// Registry holds named schema definitions and their fingerprints.
//
// Thread-safety: Register/RegisterSet and all lookups may be called
// concurrently. Definitions are immutable once registered.
type Registry struct {
	mu            sync.RWMutex
	byName        map[string]Def
	byFingerprint map[Fingerprint]Def
	fingerprints  map[string]Fingerprint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:        make(map[string]Def),
		byFingerprint: make(map[Fingerprint]Def),
		fingerprints:  make(map[string]Fingerprint),
	}
}

// Register adds a single definition and returns its fingerprint.
//
// Named types referenced by the definition must already be registered
// (self-references are allowed). Registering an identical definition twice is
// idempotent; registering the same name with different structure fails with
// ErrSchemaConflict.
func (r *Registry) Register(def Def) (Fingerprint, error) {
	fps, err := r.RegisterSet([]Def{def})
	if err != nil {
		return "", err
	}
	return fps[def.DefName()], nil
}

// RegisterSet adds a batch of definitions that may reference each other
// (including mutual recursion) and returns the fingerprint per name.
// The batch is all-or-nothing: on any error the registry is unchanged.
func (r *Registry) RegisterSet(defs []Def) (map[string]Fingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Merged view for validation and fingerprinting: existing definitions
	// plus the incoming batch.
	pending := make(map[string]Def, len(defs))
	for _, def := range defs {
		name := def.DefName()
		if name == "" {
			return nil, fmt.Errorf("%w: definition with empty name", ErrInvalidSchema)
		}
		if _, dup := pending[name]; dup {
			return nil, fmt.Errorf("%w: name %q appears twice in batch", ErrInvalidSchema, name)
		}
		pending[name] = def
	}

	lookup := func(name string) (Def, bool) {
		if d, ok := pending[name]; ok {
			return d, true
		}
		d, ok := r.byName[name]
		return d, ok
	}

	for _, def := range defs {
		if err := validateDef(def, lookup); err != nil {
			return nil, err
		}
	}

	// Fingerprint every incoming definition against the merged view, then
	// check for conflicts with already-registered names.
	fps := make(map[string]Fingerprint, len(defs))
	for _, def := range defs {
		fp, err := fingerprintDef(def, lookup)
		if err != nil {
			return nil, err
		}
		fps[def.DefName()] = fp
	}

	for name, fp := range fps {
		if existing, ok := r.fingerprints[name]; ok && existing != fp {
			return nil, fmt.Errorf("%w: %q registered with different structure", ErrSchemaConflict, name)
		}
	}

	for name, fp := range fps {
		def := pending[name]
		r.byName[name] = def
		r.byFingerprint[fp] = def
		r.fingerprints[name] = fp
	}
	return fps, nil
}

// Resolve returns the definition for a fingerprint.
func (r *Registry) Resolve(fp Fingerprint) (Def, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byFingerprint[fp]
	if !ok {
		return nil, fmt.Errorf("%w: fingerprint %s", ErrUnknownSchema, fp)
	}
	return def, nil
}

// ResolveRecord returns the record definition for a fingerprint, failing if
// the fingerprint resolves to a non-record definition.
func (r *Registry) ResolveRecord(fp Fingerprint) (RecordDef, error) {
	def, err := r.Resolve(fp)
	if err != nil {
		return RecordDef{}, err
	}
	rec, ok := def.(RecordDef)
	if !ok {
		return RecordDef{}, fmt.Errorf("%w: %q is not a record", ErrUnknownSchema, def.DefName())
	}
	return rec, nil
}

// LookupName returns the definition and fingerprint registered under a name.
func (r *Registry) LookupName(name string) (Def, Fingerprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return nil, "", false
	}
	return def, r.fingerprints[name], true
}

// lookupDef is the internal lock-free variant used by resolution helpers that
// already hold a definition graph.
func (r *Registry) lookupDef(name string) (Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Names returns all registered names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// validateDef checks structural well-formedness of a definition against a
// name-lookup covering both registered and batch-pending definitions.
func validateDef(def Def, lookup func(string) (Def, bool)) error {
	switch d := def.(type) {
	case RecordDef:
		if len(d.Fields) == 0 {
			return fmt.Errorf("%w: record %q has no fields", ErrInvalidSchema, d.Name)
		}
		seen := make(map[string]bool, len(d.Fields))
		for _, f := range d.Fields {
			if f.Name == "" {
				return fmt.Errorf("%w: record %q has an unnamed field", ErrInvalidSchema, d.Name)
			}
			if seen[f.Name] {
				return fmt.Errorf("%w: record %q field %q duplicated", ErrInvalidSchema, d.Name, f.Name)
			}
			seen[f.Name] = true
			if err := validateType(f.Type, lookup); err != nil {
				return fmt.Errorf("record %q field %q: %w", d.Name, f.Name, err)
			}
		}
		return nil
	case EnumDef:
		if len(d.Symbols) == 0 {
			return fmt.Errorf("%w: enum %q has no symbols", ErrInvalidSchema, d.Name)
		}
		seen := make(map[string]bool, len(d.Symbols))
		for _, s := range d.Symbols {
			if s == "" {
				return fmt.Errorf("%w: enum %q has an empty symbol", ErrInvalidSchema, d.Name)
			}
			if seen[s] {
				return fmt.Errorf("%w: enum %q symbol %q duplicated", ErrInvalidSchema, d.Name, s)
			}
			seen[s] = true
		}
		if !d.HasSymbol(d.Default) {
			return fmt.Errorf("%w: enum %q default %q is not a symbol", ErrInvalidSchema, d.Name, d.Default)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown definition type %T", ErrInvalidSchema, def)
	}
}

func validateType(t Type, lookup func(string) (Def, bool)) error {
	switch t.Kind {
	case KindBool, KindInt, KindFloat, KindString, KindBytes:
		return nil
	case KindRef:
		if t.Named == "" {
			return nil // unconstrained reference
		}
		def, ok := lookup(t.Named)
		if !ok {
			return fmt.Errorf("%w: ref constraint %q not registered", ErrInvalidSchema, t.Named)
		}
		if _, isRecord := def.(RecordDef); !isRecord {
			return fmt.Errorf("%w: ref constraint %q is not a record", ErrInvalidSchema, t.Named)
		}
		return nil
	case KindRecord:
		def, ok := lookup(t.Named)
		if !ok {
			return fmt.Errorf("%w: record type %q not registered", ErrInvalidSchema, t.Named)
		}
		if _, isRecord := def.(RecordDef); !isRecord {
			return fmt.Errorf("%w: %q is not a record", ErrInvalidSchema, t.Named)
		}
		return nil
	case KindEnum:
		def, ok := lookup(t.Named)
		if !ok {
			return fmt.Errorf("%w: enum type %q not registered", ErrInvalidSchema, t.Named)
		}
		if _, isEnum := def.(EnumDef); !isEnum {
			return fmt.Errorf("%w: %q is not an enum", ErrInvalidSchema, t.Named)
		}
		return nil
	case KindArray, KindMap:
		if t.Elem == nil {
			return fmt.Errorf("%w: %s without element type", ErrInvalidSchema, t.Kind)
		}
		return validateType(*t.Elem, lookup)
	default:
		return fmt.Errorf("%w: invalid kind %d", ErrInvalidSchema, int(t.Kind))
	}
}

// fingerprintDef hashes the canonical serialization of a definition's fully
// expanded type tree. Named types expand structurally so that changing a
// nested definition changes every fingerprint that structurally depends on
// it; recursion is cut with a by-name marker.
func fingerprintDef(def Def, lookup func(string) (Def, bool)) (Fingerprint, error) {
	encoded, err := encodeDef(def, lookup, map[string]bool{def.DefName(): true})
	if err != nil {
		return "", err
	}
	canonical, err := value.MarshalCanonical(encoded)
	if err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", def.DefName(), err)
	}
	return Fingerprint(value.HashWithDomain(value.DomainSchema, canonical)), nil
}

func encodeDef(def Def, lookup func(string) (Def, bool), stack map[string]bool) (value.Value, error) {
	switch d := def.(type) {
	case RecordDef:
		fields := make(value.Array, 0, len(d.Fields))
		for _, f := range d.Fields {
			ft, err := encodeType(f.Type, lookup, stack)
			if err != nil {
				return nil, err
			}
			fields = append(fields, value.Map{
				"name": value.String(f.Name),
				"type": ft,
			})
		}
		return value.Map{
			"def":    value.String("record"),
			"name":   value.String(d.Name),
			"fields": fields,
		}, nil
	case EnumDef:
		symbols := make(value.Array, 0, len(d.Symbols))
		for _, s := range d.Symbols {
			symbols = append(symbols, value.String(s))
		}
		return value.Map{
			"def":     value.String("enum"),
			"name":    value.String(d.Name),
			"symbols": symbols,
			"default": value.String(d.Default),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown definition type %T", ErrInvalidSchema, def)
	}
}

func encodeType(t Type, lookup func(string) (Def, bool), stack map[string]bool) (value.Value, error) {
	switch t.Kind {
	case KindBool, KindInt, KindFloat, KindString, KindBytes:
		return value.String(t.Kind.String()), nil
	case KindRef:
		return value.Map{
			"kind":   value.String("ref"),
			"target": value.String(t.Named),
		}, nil
	case KindRecord, KindEnum:
		// Recursive types stop expanding at the name already on the stack;
		// the name alone is enough because the outer expansion covers the
		// structure once.
		if stack[t.Named] {
			return value.Map{
				"kind": value.String("named"),
				"name": value.String(t.Named),
			}, nil
		}
		def, ok := lookup(t.Named)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, t.Named)
		}
		stack[t.Named] = true
		encoded, err := encodeDef(def, lookup, stack)
		delete(stack, t.Named)
		if err != nil {
			return nil, err
		}
		return value.Map{
			"kind": value.String(t.Kind.String()),
			"def":  encoded,
		}, nil
	case KindArray, KindMap:
		elem, err := encodeType(*t.Elem, lookup, stack)
		if err != nil {
			return nil, err
		}
		return value.Map{
			"kind": value.String(t.Kind.String()),
			"elem": elem,
		}, nil
	default:
		return nil, fmt.Errorf("%w: invalid kind %d", ErrInvalidSchema, int(t.Kind))
	}
}
