package fingerprint

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/value"
)

// ErrCyclicDependency is returned when an object's reference closure reaches
// itself. Distinct from prototype cycles, which the object store prevents at
// edit time.
var ErrCyclicDependency = errors.New("cyclic dependency")

// Fingerprint is a content fingerprint: a hex SHA-256 digest in the content
// domain.
type Fingerprint string

// Request identifies one fingerprint computation.
type Request struct {
	Object value.ObjectID
	// Kind is the job kind the fingerprint feeds ("import", "build", ...).
	// Different kinds over the same object are different cache keys.
	Kind string
	// Version is the adapter version tag. Bumping it invalidates every
	// prior output of that adapter with no data change.
	Version string
	// ExtraDeps are declared dependencies beyond what reference fields
	// reach, reported by adapters on earlier runs.
	ExtraDeps []value.ObjectID
}

type memoKey struct {
	object  value.ObjectID
	kind    string
	version string
}

type memoEntry struct {
	fp Fingerprint
	// closure is every object the fingerprint depends on, self included.
	closure map[value.ObjectID]bool
}

// Engine computes and memoizes content fingerprints over an object store.
//
// Thread-safety: all methods may be called concurrently.
type Engine struct {
	store *object.Store
	sub   *object.Subscription

	mu   sync.Mutex
	memo map[memoKey]memoEntry
}

// NewEngine creates an engine over the store and attaches its staleness
// subscription. Call Close when done.
func NewEngine(store *object.Store) *Engine {
	return &Engine{
		store: store,
		sub:   store.Subscribe(),
		memo:  make(map[memoKey]memoEntry),
	}
}

// Close detaches the engine from the store's change stream.
func (e *Engine) Close() {
	e.sub.Close()
}

// Fingerprint computes the content fingerprint for a request.
func (e *Engine) Fingerprint(req Request) (Fingerprint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.invalidateStaleLocked()

	visiting := make(map[value.ObjectID]bool)
	fp, _, err := e.computeLocked(req.Object, req.Kind, req.Version, req.ExtraDeps, visiting)
	return fp, err
}

// References returns the objects directly reachable through the resolved
// reference fields of an object, first occurrence order, deterministic.
func (e *Engine) References(id value.ObjectID) ([]value.ObjectID, error) {
	resolved, err := e.store.ResolveObject(id)
	if err != nil {
		return nil, err
	}
	var out []value.ObjectID
	collectRefs(resolved, make(map[value.ObjectID]bool), &out)
	return out, nil
}

// invalidateStaleLocked drains pending change notifications and drops every
// memo whose closure contains a touched object.
func (e *Engine) invalidateStaleLocked() {
	for {
		c, ok := e.sub.Poll()
		if !ok {
			return
		}
		for k, entry := range e.memo {
			if entry.closure[c.Object] {
				delete(e.memo, k)
			}
		}
	}
}

func (e *Engine) computeLocked(id value.ObjectID, kind, version string, extra []value.ObjectID, visiting map[value.ObjectID]bool) (Fingerprint, map[value.ObjectID]bool, error) {
	if visiting[id] {
		return "", nil, fmt.Errorf("%w: through %s", ErrCyclicDependency, id)
	}

	key := memoKey{object: id, kind: kind, version: version}
	if len(extra) == 0 {
		if entry, ok := e.memo[key]; ok {
			return entry.fp, entry.closure, nil
		}
	}

	visiting[id] = true
	defer delete(visiting, id)

	_, schemaFP, err := e.store.Schema(id)
	if err != nil {
		return "", nil, err
	}
	resolved, err := e.store.ResolveObject(id)
	if err != nil {
		return "", nil, err
	}

	closure := map[value.ObjectID]bool{id: true}

	// Inherited fields resolve through the prototype chain, so every
	// ancestor is part of the closure; an edit anywhere on the chain must
	// drop this memo.
	for cur := id; ; {
		proto, err := e.store.Prototype(cur)
		if err != nil {
			return "", nil, err
		}
		if proto.IsNil() {
			break
		}
		closure[proto] = true
		cur = proto
	}

	content, err := e.rewriteRefsLocked(resolved, kind, version, visiting, closure)
	if err != nil {
		return "", nil, err
	}

	deps := make(value.Array, 0, len(extra))
	sorted := append([]value.ObjectID(nil), extra...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, dep := range sorted {
		depFP, depClosure, err := e.computeLocked(dep, kind, version, nil, visiting)
		if err != nil {
			return "", nil, err
		}
		for o := range depClosure {
			closure[o] = true
		}
		deps = append(deps, value.String(depFP))
	}

	payload := value.Map{
		"schema":  value.String(string(schemaFP)),
		"kind":    value.String(kind),
		"tool":    value.String(version),
		"content": content,
		"deps":    deps,
	}
	canonical, err := value.MarshalCanonical(payload)
	if err != nil {
		return "", nil, fmt.Errorf("fingerprint %s: %w", id, err)
	}
	fp := Fingerprint(value.HashWithDomain(value.DomainContent, canonical))

	if len(extra) == 0 {
		e.memo[key] = memoEntry{fp: fp, closure: closure}
	}
	return fp, closure, nil
}

// rewriteRefsLocked replaces every non-null reference in a resolved value
// with the referenced object's fingerprint.
func (e *Engine) rewriteRefsLocked(v value.Value, kind, version string, visiting map[value.ObjectID]bool, closure map[value.ObjectID]bool) (value.Value, error) {
	switch val := v.(type) {
	case value.Ref:
		if val.Target.IsNil() {
			return val, nil
		}
		fp, depClosure, err := e.computeLocked(val.Target, kind, version, nil, visiting)
		if err != nil {
			return nil, err
		}
		for o := range depClosure {
			closure[o] = true
		}
		return value.Map{"$dep": value.String(fp)}, nil
	case value.Array:
		out := make(value.Array, len(val))
		for i, elem := range val {
			rewritten, err := e.rewriteRefsLocked(elem, kind, version, visiting, closure)
			if err != nil {
				return nil, err
			}
			out[i] = rewritten
		}
		return out, nil
	case value.Map:
		out := make(value.Map, len(val))
		for k, elem := range val {
			rewritten, err := e.rewriteRefsLocked(elem, kind, version, visiting, closure)
			if err != nil {
				return nil, err
			}
			out[k] = rewritten
		}
		return out, nil
	default:
		return v, nil
	}
}

func collectRefs(v value.Value, seen map[value.ObjectID]bool, out *[]value.ObjectID) {
	switch val := v.(type) {
	case value.Ref:
		if !val.Target.IsNil() && !seen[val.Target] {
			seen[val.Target] = true
			*out = append(*out, val.Target)
		}
	case value.Array:
		for _, elem := range val {
			collectRefs(elem, seen, out)
		}
	case value.Map:
		for _, k := range val.SortedKeys() {
			collectRefs(val[k], seen, out)
		}
	}
}
