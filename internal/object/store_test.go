package object

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

// seqIDs hands out deterministic ids so fixtures are stable.
type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() value.ObjectID {
	g.n++
	return value.ObjectID(fmt.Sprintf("obj-%04d", g.n))
}

type fixture struct {
	store *Store
	fps   map[string]schema.Fingerprint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := schema.NewRegistry()
	defs := []schema.Def{
		schema.EnumDef{Name: "TexFormat", Symbols: []string{"RGBA8", "BC7", "R8"}, Default: "RGBA8"},
		schema.RecordDef{Name: "Texture", Fields: []schema.Field{
			{Name: "source", Type: schema.String()},
			{Name: "width", Type: schema.Int()},
			{Name: "height", Type: schema.Int()},
			{Name: "format", Type: schema.Enum("TexFormat")},
			{Name: "srgb", Type: schema.Bool()},
		}},
		schema.RecordDef{Name: "Layer", Fields: []schema.Field{
			{Name: "name", Type: schema.String()},
			{Name: "opacity", Type: schema.Float()},
		}},
		schema.RecordDef{Name: "Material", Fields: []schema.Field{
			{Name: "albedo", Type: schema.Ref("Texture")},
			{Name: "layers", Type: schema.Array(schema.Record("Layer"))},
			{Name: "params", Type: schema.Map(schema.Float())},
			{Name: "two_sided", Type: schema.Bool()},
		}},
	}
	fps, err := reg.RegisterSet(defs)
	require.NoError(t, err)

	return &fixture{
		store: NewStore(reg, WithIDGenerator(&seqIDs{})),
		fps:   fps,
	}
}

func (f *fixture) texture(t *testing.T, name string) value.ObjectID {
	t.Helper()
	id, err := f.store.Create(f.fps["Texture"], value.NilObjectID, name)
	require.NoError(t, err)
	return id
}

func (f *fixture) material(t *testing.T, name string) value.ObjectID {
	t.Helper()
	id, err := f.store.Create(f.fps["Material"], value.NilObjectID, name)
	require.NoError(t, err)
	return id
}

func (f *fixture) set(t *testing.T, id value.ObjectID, path string, v value.Value) {
	t.Helper()
	require.NoError(t, f.store.SetOverride(id, value.MustParsePath(path), v))
}

func (f *fixture) resolve(t *testing.T, id value.ObjectID, path string) value.Value {
	t.Helper()
	v, err := f.store.ResolveField(id, value.MustParsePath(path))
	require.NoError(t, err)
	return v
}

func TestCreateResolvesToDefaults(t *testing.T) {
	f := newFixture(t)
	id := f.texture(t, "blank")

	v, err := f.store.ResolveObject(id)
	require.NoError(t, err)

	want := value.Map{
		"source": value.String(""),
		"width":  value.Int(0),
		"height": value.Int(0),
		"format": value.Enum("RGBA8"),
		"srgb":   value.Bool(false),
	}
	assert.True(t, value.Equal(want, v), "fresh object resolves to schema defaults")
}

func TestPrototypeFallthrough(t *testing.T) {
	f := newFixture(t)

	t1 := f.texture(t, "T1")
	f.set(t, t1, "width", value.Int(512))
	f.set(t, t1, "height", value.Int(512))

	t2, err := f.store.Create(f.fps["Texture"], t1, "T2")
	require.NoError(t, err)
	f.set(t, t2, "height", value.Int(1024))

	assert.True(t, value.Equal(value.Int(512), f.resolve(t, t2, "width")), "width inherited from T1")
	assert.True(t, value.Equal(value.Int(1024), f.resolve(t, t2, "height")), "height overridden on T2")
	assert.True(t, value.Equal(value.Int(512), f.resolve(t, t1, "height")), "T1 unaffected by T2's override")

	require.NoError(t, f.store.ClearOverride(t2, value.MustParsePath("height")))
	assert.True(t, value.Equal(value.Int(512), f.resolve(t, t2, "height")), "clearing restores inheritance")

	has, err := f.store.HasOverride(t2, value.MustParsePath("height"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Create("no-such-fp", value.NilObjectID, "x")
	assert.ErrorIs(t, err, ErrUnknownSchema)

	_, err = f.store.Create(f.fps["Texture"], "missing-proto", "x")
	assert.ErrorIs(t, err, ErrUnknownObject)

	mat := f.material(t, "m")
	_, err = f.store.Create(f.fps["Texture"], mat, "x")
	assert.ErrorIs(t, err, ErrTypeMismatch, "prototype must share the object's schema")
}

func TestSetPrototypeCycleRejected(t *testing.T) {
	f := newFixture(t)

	a := f.texture(t, "a")
	b, err := f.store.Create(f.fps["Texture"], a, "b")
	require.NoError(t, err)
	c, err := f.store.Create(f.fps["Texture"], b, "c")
	require.NoError(t, err)

	assert.ErrorIs(t, f.store.SetPrototype(a, a), ErrCyclicPrototype)
	assert.ErrorIs(t, f.store.SetPrototype(a, c), ErrCyclicPrototype)

	// The rejected edits left the graph unchanged.
	proto, err := f.store.Prototype(a)
	require.NoError(t, err)
	assert.True(t, proto.IsNil())

	// Relinking along the chain direction is fine.
	require.NoError(t, f.store.SetPrototype(c, a))
	proto, err = f.store.Prototype(c)
	require.NoError(t, err)
	assert.Equal(t, a, proto)
}

func TestDeleteReferentialIntegrity(t *testing.T) {
	f := newFixture(t)

	tex := f.texture(t, "tex")
	mat := f.material(t, "mat")
	f.set(t, mat, "albedo", value.Ref{Target: tex})

	err := f.store.Delete(tex)
	assert.ErrorIs(t, err, ErrReferencedObject, "a referenced object cannot be deleted")
	assert.True(t, f.store.Exists(tex))

	require.NoError(t, f.store.ClearOverride(mat, value.MustParsePath("albedo")))
	require.NoError(t, f.store.Delete(tex))
	assert.False(t, f.store.Exists(tex))
}

func TestDeleteBlockedByPrototypeLink(t *testing.T) {
	f := newFixture(t)

	t1 := f.texture(t, "T1")
	t2, err := f.store.Create(f.fps["Texture"], t1, "T2")
	require.NoError(t, err)

	assert.ErrorIs(t, f.store.Delete(t1), ErrReferencedObject)

	require.NoError(t, f.store.SetPrototype(t2, value.NilObjectID))
	require.NoError(t, f.store.Delete(t1))
}

func TestDeleteUnknown(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.store.Delete("nope"), ErrUnknownObject)
}

func TestSetOverrideRejections(t *testing.T) {
	f := newFixture(t)
	tex := f.texture(t, "tex")

	rev, err := f.store.Revision(tex)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		val  value.Value
	}{
		{"wrong primitive", "width", value.Float(1)},
		{"unknown field", "no_such", value.Int(1)},
		{"root is a record", "", value.Map{}},
		{"bad enum symbol", "format", value.Enum("PNG")},
		{"enum needs enum value", "format", value.String("RGBA8")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.store.SetOverride(tex, value.MustParsePath(tt.path), tt.val)
			assert.ErrorIs(t, err, ErrTypeMismatch)
		})
	}

	// Rejected edits left the object untouched.
	after, err := f.store.Revision(tex)
	require.NoError(t, err)
	assert.Equal(t, rev, after)
	assert.True(t, value.Equal(value.Int(0), f.resolve(t, tex, "width")))
}

func TestReferenceConstraints(t *testing.T) {
	f := newFixture(t)

	tex := f.texture(t, "tex")
	mat := f.material(t, "mat")
	other := f.material(t, "other")

	albedo := value.MustParsePath("albedo")

	require.NoError(t, f.store.SetOverride(mat, albedo, value.NullRef()))
	require.NoError(t, f.store.SetOverride(mat, albedo, value.Ref{Target: tex}))

	err := f.store.SetOverride(mat, albedo, value.Ref{Target: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownObject, "references must target live objects")

	err = f.store.SetOverride(mat, albedo, value.Ref{Target: other})
	assert.ErrorIs(t, err, ErrTypeMismatch, "constrained reference must target the named schema")
}

func TestRevisionTracksEdits(t *testing.T) {
	f := newFixture(t)
	tex := f.texture(t, "tex")

	r0, err := f.store.Revision(tex)
	require.NoError(t, err)

	f.set(t, tex, "width", value.Int(64))
	r1, err := f.store.Revision(tex)
	require.NoError(t, err)
	assert.Greater(t, r1, r0)

	// Clearing a path with no local value is a no-op and does not bump.
	require.NoError(t, f.store.ClearOverride(tex, value.MustParsePath("height")))
	r2, err := f.store.Revision(tex)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)

	t1 := f.texture(t, "T1")
	f.set(t, t1, "width", value.Int(512))
	f.set(t, t1, "format", value.Enum("BC7"))

	t2, err := f.store.Create(f.fps["Texture"], t1, "T2")
	require.NoError(t, err)
	f.set(t, t2, "height", value.Int(1024))

	other := newFixture(t)
	for _, id := range []value.ObjectID{t1, t2} {
		info, err := f.store.Snapshot(id)
		require.NoError(t, err)
		require.NoError(t, other.store.Restore(info))
	}

	want, err := f.store.ResolveObject(t2)
	require.NoError(t, err)
	got, err := other.store.ResolveObject(t2)
	require.NoError(t, err)
	assert.True(t, value.Equal(want, got), "restored store resolves identically")

	name, err := other.store.Name(t2)
	require.NoError(t, err)
	assert.Equal(t, "T2", name)
}

func TestRestoreRejectsIllTypedState(t *testing.T) {
	f := newFixture(t)

	err := f.store.Restore(Info{
		ID:       "bad",
		SchemaFP: f.fps["Texture"],
		Overrides: map[string]value.Value{
			"width": value.String("wide"),
		},
	})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.False(t, f.store.Exists("bad"))
}
