package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/internal/cache"
	"github.com/kilnworks/kiln/internal/fingerprint"
	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/pipeline"
	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/value"
)

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() value.ObjectID {
	g.n++
	return value.ObjectID(fmt.Sprintf("demo-%04d", g.n))
}

type world struct {
	objects *object.Store
	cache   *cache.Cache
	sched   *pipeline.Scheduler
	fps     map[string]schema.Fingerprint
}

func newWorld(t *testing.T) *world {
	t.Helper()

	reg := schema.NewRegistry()
	fps, err := reg.RegisterSet(Schemas())
	require.NoError(t, err)

	objects := object.NewStore(reg, object.WithIDGenerator(&seqIDs{}))
	engine := fingerprint.NewEngine(objects)
	t.Cleanup(engine.Close)

	durable, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	c := cache.New(durable)
	sched := pipeline.NewScheduler(objects, engine, c, durable, Adapters(),
		pipeline.WithWorkers(1),
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	return &world{objects: objects, cache: c, sched: sched, fps: fps}
}

func (w *world) texture(t *testing.T, name string, width, height int64) value.ObjectID {
	t.Helper()
	id, err := w.objects.Create(w.fps["Texture"], value.NilObjectID, name)
	require.NoError(t, err)
	require.NoError(t, w.objects.SetOverride(id, value.MustParsePath("source"), value.String(name+".png")))
	require.NoError(t, w.objects.SetOverride(id, value.MustParsePath("width"), value.Int(width)))
	require.NoError(t, w.objects.SetOverride(id, value.MustParsePath("height"), value.Int(height)))
	return id
}

func (w *world) artifact(t *testing.T, res pipeline.Result, key pipeline.JobKey) map[string]any {
	t.Helper()
	st, ok := res.Status(key)
	require.True(t, ok)
	require.True(t, st.State == pipeline.StateSucceeded || st.State == pipeline.StateCacheHit,
		"job %v ended %v (err: %v)", key, st.State, st.Err)

	entry, ok, err := w.cache.Get(context.Background(), st.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(entry.Artifact, &decoded))
	return decoded
}

func TestTextureImportComputesMipChain(t *testing.T) {
	w := newWorld(t)
	tex := w.texture(t, "brick", 1024, 512)

	res, err := w.sched.Build(context.Background(), []value.ObjectID{tex})
	require.NoError(t, err)
	require.False(t, res.Failed())

	art := w.artifact(t, res, pipeline.JobKey{Object: tex, Kind: "import"})
	assert.Equal(t, "brick.png", art["source"])
	assert.Equal(t, float64(11), art["mip_count"])
	assert.Equal(t, "BC7", art["format"])
}

func TestMaterialBuildDiscoversTexture(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	tex := w.texture(t, "brick", 256, 256)
	mat, err := w.objects.Create(w.fps["Material"], value.NilObjectID, "wall")
	require.NoError(t, err)
	require.NoError(t, w.objects.SetOverride(mat, value.MustParsePath("albedo"), value.Ref{Target: tex}))
	require.NoError(t, w.objects.SetOverride(mat, value.MustParsePath("layers"), value.Array{
		value.Map{"name": value.String("base"), "opacity": value.Float(0.5)},
		value.Map{"name": value.String("detail"), "opacity": value.Float(0.5)},
	}))

	res, err := w.sched.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	require.False(t, res.Failed())

	art := w.artifact(t, res, pipeline.JobKey{Object: mat, Kind: "build"})
	assert.Equal(t, true, art["has_albedo"])
	assert.Equal(t, float64(2), art["layer_count"])
	assert.InDelta(t, 0.25, art["combined_opacity"], 1e-9)

	// The second build fingerprints with the discovered texture up front
	// and lands on the same cache entry.
	first, _ := res.Status(pipeline.JobKey{Object: mat, Kind: "build"})
	res, err = w.sched.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	again, ok := res.Status(pipeline.JobKey{Object: mat, Kind: "build"})
	require.True(t, ok)
	assert.Equal(t, pipeline.StateCacheHit, again.State)
	assert.Equal(t, first.Fingerprint, again.Fingerprint)
}

func TestArtifactsIgnoreTextureIdentity(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// Same content under two ids; the artifact must not leak identity.
	t1 := w.texture(t, "stone", 128, 128)
	t2 := w.texture(t, "stone", 128, 128)

	res, err := w.sched.Build(ctx, []value.ObjectID{t1, t2})
	require.NoError(t, err)
	require.False(t, res.Failed())

	s1, _ := res.Status(pipeline.JobKey{Object: t1, Kind: "import"})
	s2, _ := res.Status(pipeline.JobKey{Object: t2, Kind: "import"})
	assert.Equal(t, s1.Fingerprint, s2.Fingerprint)
}

func TestDefaultedMaterialBuilds(t *testing.T) {
	w := newWorld(t)

	mat, err := w.objects.Create(w.fps["Material"], value.NilObjectID, "bare")
	require.NoError(t, err)

	res, err := w.sched.Build(context.Background(), []value.ObjectID{mat})
	require.NoError(t, err)
	require.False(t, res.Failed())

	art := w.artifact(t, res, pipeline.JobKey{Object: mat, Kind: "build"})
	assert.Equal(t, false, art["has_albedo"])
	assert.Equal(t, float64(0), art["layer_count"])
}

func TestMipCount(t *testing.T) {
	tests := []struct {
		w, h, want int64
	}{
		{1, 1, 1},
		{2, 2, 2},
		{256, 256, 9},
		{1024, 512, 11},
		{0, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mipCount(tt.w, tt.h), "%dx%d", tt.w, tt.h)
	}
}
