package fingerprint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

type seqIDs struct {
	prefix string
	n      int
}

func (g *seqIDs) NewID() value.ObjectID {
	g.n++
	return value.ObjectID(fmt.Sprintf("%s-%04d", g.prefix, g.n))
}

type world struct {
	store  *object.Store
	engine *Engine
	fps    map[string]schema.Fingerprint
}

// newWorld builds a store with an id namespace so two worlds never share ids.
func newWorld(t *testing.T, idPrefix string) *world {
	t.Helper()

	reg := schema.NewRegistry()
	fps, err := reg.RegisterSet([]schema.Def{
		schema.RecordDef{Name: "Texture", Fields: []schema.Field{
			{Name: "source", Type: schema.String()},
			{Name: "width", Type: schema.Int()},
			{Name: "height", Type: schema.Int()},
		}},
		schema.RecordDef{Name: "Material", Fields: []schema.Field{
			{Name: "albedo", Type: schema.Ref("Texture")},
			{Name: "tint", Type: schema.Float()},
		}},
		schema.RecordDef{Name: "Node", Fields: []schema.Field{
			{Name: "label", Type: schema.String()},
			{Name: "next", Type: schema.Ref("")},
		}},
	})
	require.NoError(t, err)

	store := object.NewStore(reg, object.WithIDGenerator(&seqIDs{prefix: idPrefix}))
	engine := NewEngine(store)
	t.Cleanup(engine.Close)
	return &world{store: store, engine: engine, fps: fps}
}

func (w *world) create(t *testing.T, schemaName string, proto value.ObjectID) value.ObjectID {
	t.Helper()
	id, err := w.store.Create(w.fps[schemaName], proto, schemaName)
	require.NoError(t, err)
	return id
}

func (w *world) set(t *testing.T, id value.ObjectID, path string, v value.Value) {
	t.Helper()
	require.NoError(t, w.store.SetOverride(id, value.MustParsePath(path), v))
}

func (w *world) fp(t *testing.T, id value.ObjectID) Fingerprint {
	t.Helper()
	fp, err := w.engine.Fingerprint(Request{Object: id, Kind: "build", Version: "v1"})
	require.NoError(t, err)
	return fp
}

func TestFingerprintDeterministicAcrossStores(t *testing.T) {
	// Same logical content, different ids and creation order, equal
	// fingerprints: content addressing must not leak identity.
	a := newWorld(t, "a")
	tex1 := a.create(t, "Texture", value.NilObjectID)
	a.set(t, tex1, "source", value.String("brick.png"))
	a.set(t, tex1, "width", value.Int(512))
	mat1 := a.create(t, "Material", value.NilObjectID)
	a.set(t, mat1, "albedo", value.Ref{Target: tex1})

	b := newWorld(t, "b")
	mat2 := b.create(t, "Material", value.NilObjectID)
	tex2 := b.create(t, "Texture", value.NilObjectID)
	b.set(t, tex2, "width", value.Int(512))
	b.set(t, tex2, "source", value.String("brick.png"))
	b.set(t, mat2, "albedo", value.Ref{Target: tex2})

	assert.Equal(t, a.fp(t, tex1), b.fp(t, tex2))
	assert.Equal(t, a.fp(t, mat1), b.fp(t, mat2))
}

func TestFingerprintIgnoresOverrideLayout(t *testing.T) {
	// A value stored directly and the same value inherited from a prototype
	// resolve identically, so they fingerprint identically.
	w := newWorld(t, "w")

	direct := w.create(t, "Texture", value.NilObjectID)
	w.set(t, direct, "width", value.Int(512))

	proto := w.create(t, "Texture", value.NilObjectID)
	w.set(t, proto, "width", value.Int(512))
	derived := w.create(t, "Texture", proto)

	assert.Equal(t, w.fp(t, direct), w.fp(t, derived))
}

func TestFingerprintSensitivity(t *testing.T) {
	w := newWorld(t, "w")

	tex := w.create(t, "Texture", value.NilObjectID)
	w.set(t, tex, "width", value.Int(512))
	before := w.fp(t, tex)

	w.set(t, tex, "width", value.Int(1024))
	assert.NotEqual(t, before, w.fp(t, tex), "direct edit changes the fingerprint")

	// Kind and version tag are part of the key space.
	buildFP, err := w.engine.Fingerprint(Request{Object: tex, Kind: "build", Version: "v1"})
	require.NoError(t, err)
	importFP, err := w.engine.Fingerprint(Request{Object: tex, Kind: "import", Version: "v1"})
	require.NoError(t, err)
	v2FP, err := w.engine.Fingerprint(Request{Object: tex, Kind: "build", Version: "v2"})
	require.NoError(t, err)
	assert.NotEqual(t, buildFP, importFP)
	assert.NotEqual(t, buildFP, v2FP)
}

func TestFingerprintPrototypeEditPropagates(t *testing.T) {
	w := newWorld(t, "w")

	proto := w.create(t, "Texture", value.NilObjectID)
	w.set(t, proto, "width", value.Int(256))
	derived := w.create(t, "Texture", proto)
	before := w.fp(t, derived)
	// The second call must come from the memo; the edit below has to evict
	// it even though no reference field reaches the prototype.
	assert.Equal(t, before, w.fp(t, derived))

	w.set(t, proto, "width", value.Int(512))
	assert.NotEqual(t, before, w.fp(t, derived), "inherited edit changes the derived fingerprint")
}

func TestFingerprintPrototypeChainEditPropagates(t *testing.T) {
	// An edit at the top of a multi-level chain invalidates every memoized
	// descendant, not just direct children.
	w := newWorld(t, "w")

	root := w.create(t, "Texture", value.NilObjectID)
	w.set(t, root, "width", value.Int(128))
	mid := w.create(t, "Texture", root)
	leaf := w.create(t, "Texture", mid)

	leafBefore := w.fp(t, leaf)
	midBefore := w.fp(t, mid)

	w.set(t, root, "width", value.Int(1024))
	assert.NotEqual(t, leafBefore, w.fp(t, leaf))
	assert.NotEqual(t, midBefore, w.fp(t, mid))

	// A referencer of the derived object picks up the change transitively.
	mat := w.create(t, "Material", value.NilObjectID)
	w.set(t, mat, "albedo", value.Ref{Target: leaf})
	matBefore := w.fp(t, mat)

	w.set(t, root, "width", value.Int(2048))
	assert.NotEqual(t, matBefore, w.fp(t, mat), "prototype edits reach referencers of derived objects")
}

func TestFingerprintTransitiveReference(t *testing.T) {
	w := newWorld(t, "w")

	tex := w.create(t, "Texture", value.NilObjectID)
	w.set(t, tex, "source", value.String("brick.png"))
	mat := w.create(t, "Material", value.NilObjectID)
	w.set(t, mat, "albedo", value.Ref{Target: tex})
	before := w.fp(t, mat)

	// No edit to the material itself, only to its dependency.
	w.set(t, tex, "source", value.String("stone.png"))
	assert.NotEqual(t, before, w.fp(t, mat), "a referenced object's content feeds the referencer's fingerprint")
}

func TestFingerprintExtraDeps(t *testing.T) {
	w := newWorld(t, "w")

	tex := w.create(t, "Texture", value.NilObjectID)
	mat := w.create(t, "Material", value.NilObjectID)

	plain, err := w.engine.Fingerprint(Request{Object: mat, Kind: "build", Version: "v1"})
	require.NoError(t, err)
	withDep, err := w.engine.Fingerprint(Request{Object: mat, Kind: "build", Version: "v1", ExtraDeps: []value.ObjectID{tex}})
	require.NoError(t, err)
	assert.NotEqual(t, plain, withDep)

	// Editing the declared dependency shifts the composed fingerprint.
	w.set(t, tex, "width", value.Int(64))
	after, err := w.engine.Fingerprint(Request{Object: mat, Kind: "build", Version: "v1", ExtraDeps: []value.ObjectID{tex}})
	require.NoError(t, err)
	assert.NotEqual(t, withDep, after)
}

func TestCyclicDependency(t *testing.T) {
	w := newWorld(t, "w")

	n1 := w.create(t, "Node", value.NilObjectID)
	n2 := w.create(t, "Node", value.NilObjectID)
	w.set(t, n1, "next", value.Ref{Target: n2})
	w.set(t, n2, "next", value.Ref{Target: n1})

	_, err := w.engine.Fingerprint(Request{Object: n1, Kind: "build", Version: "v1"})
	assert.ErrorIs(t, err, ErrCyclicDependency)

	// Self-reference is the degenerate cycle.
	loop := w.create(t, "Node", value.NilObjectID)
	w.set(t, loop, "next", value.Ref{Target: loop})
	_, err = w.engine.Fingerprint(Request{Object: loop, Kind: "build", Version: "v1"})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestMemoInvalidationThroughChangeStream(t *testing.T) {
	w := newWorld(t, "w")

	tex := w.create(t, "Texture", value.NilObjectID)
	mat := w.create(t, "Material", value.NilObjectID)
	w.set(t, mat, "albedo", value.Ref{Target: tex})

	first := w.fp(t, mat)
	assert.Equal(t, first, w.fp(t, mat), "memoized result is stable without edits")

	// An edit deep in the closure must drop the memo for the referencer.
	w.set(t, tex, "height", value.Int(32))
	assert.NotEqual(t, first, w.fp(t, mat))
}

func TestReferences(t *testing.T) {
	w := newWorld(t, "w")

	texA := w.create(t, "Texture", value.NilObjectID)
	mat := w.create(t, "Material", value.NilObjectID)
	w.set(t, mat, "albedo", value.Ref{Target: texA})

	refs, err := w.engine.References(mat)
	require.NoError(t, err)
	assert.Equal(t, []value.ObjectID{texA}, refs)

	refs, err = w.engine.References(texA)
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = w.engine.References("ghost")
	assert.ErrorIs(t, err, object.ErrUnknownObject)
}

func TestUnknownObject(t *testing.T) {
	w := newWorld(t, "w")
	_, err := w.engine.Fingerprint(Request{Object: "ghost", Kind: "build", Version: "v1"})
	assert.ErrorIs(t, err, object.ErrUnknownObject)
}
