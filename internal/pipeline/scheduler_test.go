package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/internal/cache"
	"github.com/kilnworks/kiln/internal/fingerprint"
	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/value"
)

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() value.ObjectID {
	g.n++
	return value.ObjectID(fmt.Sprintf("obj-%04d", g.n))
}

// testAdapter produces the canonical encoding of its resolved input as the
// artifact, which keeps artifacts deterministic per fingerprint.
type testAdapter struct {
	kind       string
	version    string
	schemaName string

	mu       sync.Mutex
	executed []value.ObjectID

	failFor   map[value.ObjectID]error
	extraDeps map[value.ObjectID][]value.ObjectID

	started chan value.ObjectID // signalled at execution start, if set
	gate    chan struct{}       // execution blocks on this, if set
}

func (a *testAdapter) Kind() string    { return a.kind }
func (a *testAdapter) Version() string { return a.version }
func (a *testAdapter) Schema() string  { return a.schemaName }

func (a *testAdapter) Execute(ctx context.Context, in Inputs) (Output, error) {
	a.mu.Lock()
	a.executed = append(a.executed, in.Object)
	a.mu.Unlock()

	if a.started != nil {
		a.started <- in.Object
	}
	if a.gate != nil {
		<-a.gate
	}
	if err := a.failFor[in.Object]; err != nil {
		return Output{}, err
	}

	artifact, err := value.MarshalCanonical(in.Resolved)
	if err != nil {
		return Output{}, err
	}
	return Output{Artifact: artifact, AdditionalDeps: a.extraDeps[in.Object]}, nil
}

func (a *testAdapter) runs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.executed)
}

func (a *testAdapter) order() []value.ObjectID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]value.ObjectID(nil), a.executed...)
}

type env struct {
	objects  *object.Store
	engine   *fingerprint.Engine
	cache    *cache.Cache
	durable  *store.Store
	fps      map[string]schema.Fingerprint
	texture  *testAdapter
	material *testAdapter
}

func newEnv(t *testing.T) *env {
	t.Helper()

	reg := schema.NewRegistry()
	fps, err := reg.RegisterSet([]schema.Def{
		schema.RecordDef{Name: "Texture", Fields: []schema.Field{
			{Name: "source", Type: schema.String()},
			{Name: "width", Type: schema.Int()},
		}},
		schema.RecordDef{Name: "Material", Fields: []schema.Field{
			{Name: "albedo", Type: schema.Ref("Texture")},
			{Name: "tint", Type: schema.Float()},
		}},
	})
	require.NoError(t, err)

	objects := object.NewStore(reg, object.WithIDGenerator(&seqIDs{}))
	engine := fingerprint.NewEngine(objects)
	t.Cleanup(engine.Close)

	durable, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	return &env{
		objects:  objects,
		engine:   engine,
		cache:    cache.New(durable),
		durable:  durable,
		fps:      fps,
		texture:  &testAdapter{kind: "import", version: "v1", schemaName: "Texture"},
		material: &testAdapter{kind: "build", version: "v1", schemaName: "Material"},
	}
}

func (e *env) scheduler(workers int) *Scheduler {
	return NewScheduler(e.objects, e.engine, e.cache, e.durable,
		NewAdapterSet(e.texture, e.material),
		WithWorkers(workers),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func (e *env) create(t *testing.T, schemaName, name string) value.ObjectID {
	t.Helper()
	id, err := e.objects.Create(e.fps[schemaName], value.NilObjectID, name)
	require.NoError(t, err)
	return id
}

func (e *env) set(t *testing.T, id value.ObjectID, path string, v value.Value) {
	t.Helper()
	require.NoError(t, e.objects.SetOverride(id, value.MustParsePath(path), v))
}

type buildResult struct {
	res Result
	err error
}

func requireState(t *testing.T, res Result, key JobKey, want State) JobStatus {
	t.Helper()
	st, ok := res.Status(key)
	require.True(t, ok, "job %v present in result", key)
	require.Equal(t, want, st.State, "job %v: %v (err: %v)", key, st.State, st.Err)
	return st
}

func TestBuildExecutesDependenciesFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tex := e.create(t, "Texture", "brick")
	e.set(t, tex, "source", value.String("brick.png"))
	mat := e.create(t, "Material", "wall")
	e.set(t, mat, "albedo", value.Ref{Target: tex})

	res, err := e.scheduler(1).Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)
	assert.False(t, res.Failed())

	matStatus := requireState(t, res, JobKey{Object: mat, Kind: "build"}, StateSucceeded)
	texStatus := requireState(t, res, JobKey{Object: tex, Kind: "import"}, StateSucceeded)
	assert.NotEmpty(t, matStatus.Fingerprint)
	assert.NotEmpty(t, texStatus.Fingerprint)

	// The dependency ran before its dependent.
	assert.Equal(t, []value.ObjectID{tex}, e.texture.order())
	assert.Equal(t, []value.ObjectID{mat}, e.material.order())

	// Both artifacts landed in the cache.
	for _, fp := range []fingerprint.Fingerprint{matStatus.Fingerprint, texStatus.Fingerprint} {
		_, ok, err := e.cache.Get(ctx, fp)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestSecondBuildIsAllCacheHits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.scheduler(1)

	tex := e.create(t, "Texture", "brick")
	mat := e.create(t, "Material", "wall")
	e.set(t, mat, "albedo", value.Ref{Target: tex})

	_, err := s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	runsAfterFirst := e.texture.runs() + e.material.runs()
	require.Equal(t, 2, runsAfterFirst)

	res, err := s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)

	// An identical rebuild executes zero adapters.
	requireState(t, res, JobKey{Object: mat, Kind: "build"}, StateCacheHit)
	requireState(t, res, JobKey{Object: tex, Kind: "import"}, StateCacheHit)
	assert.Equal(t, runsAfterFirst, e.texture.runs()+e.material.runs())
}

func TestEditRebuildsOnlyDependents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.scheduler(1)

	tex := e.create(t, "Texture", "brick")
	mat := e.create(t, "Material", "wall")
	e.set(t, mat, "albedo", value.Ref{Target: tex})

	_, err := s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)

	// Editing only the material leaves the texture cached.
	e.set(t, mat, "tint", value.Float(0.5))
	res, err := s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	requireState(t, res, JobKey{Object: tex, Kind: "import"}, StateCacheHit)
	requireState(t, res, JobKey{Object: mat, Kind: "build"}, StateSucceeded)

	// Editing the texture invalidates both: the material's fingerprint
	// embeds its dependency's content.
	e.set(t, tex, "width", value.Int(1024))
	res, err = s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	requireState(t, res, JobKey{Object: tex, Kind: "import"}, StateSucceeded)
	requireState(t, res, JobKey{Object: mat, Kind: "build"}, StateSucceeded)
}

func TestDeclarationOrderTieBreak(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Independent roots with no edges between them: dispatch order must be
	// the request order, not map order or hash order.
	var roots []value.ObjectID
	for i := 0; i < 5; i++ {
		tex := e.create(t, "Texture", fmt.Sprintf("tex-%d", i))
		e.set(t, tex, "width", value.Int(int64(i)))
		roots = append(roots, tex)
	}

	_, err := e.scheduler(1).Build(ctx, roots)
	require.NoError(t, err)
	assert.Equal(t, roots, e.texture.order())
}

func TestPartialFailureBlocksOnlyDependents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	badTex := e.create(t, "Texture", "corrupt")
	badMat := e.create(t, "Material", "uses-corrupt")
	e.set(t, badMat, "albedo", value.Ref{Target: badTex})

	goodTex := e.create(t, "Texture", "fine")
	goodMat := e.create(t, "Material", "uses-fine")
	e.set(t, goodMat, "albedo", value.Ref{Target: goodTex})

	e.texture.failFor = map[value.ObjectID]error{badTex: errors.New("decode error")}

	res, err := e.scheduler(1).Build(ctx, []value.ObjectID{badMat, goodMat})
	require.NoError(t, err)
	assert.True(t, res.Failed())

	failed := requireState(t, res, JobKey{Object: badTex, Kind: "import"}, StateFailed)
	assert.ErrorIs(t, failed.Err, ErrAdapter)

	blocked := requireState(t, res, JobKey{Object: badMat, Kind: "build"}, StateBlocked)
	assert.ErrorIs(t, blocked.Err, ErrBlocked)

	// The unrelated subgraph completed.
	requireState(t, res, JobKey{Object: goodTex, Kind: "import"}, StateSucceeded)
	requireState(t, res, JobKey{Object: goodMat, Kind: "build"}, StateSucceeded)
}

func TestAdditionalDepsFoldBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.scheduler(1)

	hidden := e.create(t, "Texture", "hidden")
	e.set(t, hidden, "source", value.String("hidden.png"))
	mat := e.create(t, "Material", "wall")

	// The adapter discovers the texture mid-parse; nothing references it.
	e.material.extraDeps = map[value.ObjectID][]value.ObjectID{
		mat: {hidden},
	}

	res, err := s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	first := requireState(t, res, JobKey{Object: mat, Kind: "build"}, StateSucceeded)

	// The discovered dependency persisted for future builds.
	deps, err := e.durable.DeclaredDeps(ctx, mat, "build")
	require.NoError(t, err)
	assert.Equal(t, []value.ObjectID{hidden}, deps)

	// A rebuild fingerprints with the dependency up front and hits the
	// cache entry stored under the folded-back fingerprint.
	res, err = s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	again := requireState(t, res, JobKey{Object: mat, Kind: "build"}, StateCacheHit)
	assert.Equal(t, first.Fingerprint, again.Fingerprint)

	// The discovered dependency now participates in staleness.
	e.set(t, hidden, "width", value.Int(2048))
	res, err = s.Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)
	rebuilt := requireState(t, res, JobKey{Object: mat, Kind: "build"}, StateSucceeded)
	assert.NotEqual(t, first.Fingerprint, rebuilt.Fingerprint)
}

func TestAtMostOneExecutionPerFingerprint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Two objects with identical resolved content share a fingerprint.
	a := e.create(t, "Texture", "copy-a")
	e.set(t, a, "width", value.Int(256))
	b := e.create(t, "Texture", "copy-b")
	e.set(t, b, "width", value.Int(256))

	e.texture.started = make(chan value.ObjectID, 2)
	e.texture.gate = make(chan struct{})

	resCh := make(chan buildResult, 1)
	go func() {
		res, err := e.scheduler(2).Build(ctx, []value.ObjectID{a, b})
		resCh <- buildResult{res, err}
	}()

	// Exactly one execution starts; the second job attaches as a waiter.
	<-e.texture.started
	select {
	case obj := <-e.texture.started:
		t.Fatalf("second execution started for %s", obj)
	case <-time.After(100 * time.Millisecond):
	}
	close(e.texture.gate)

	br := <-resCh
	require.NoError(t, br.err)
	res := br.res
	assert.Equal(t, 1, e.texture.runs())

	stA, _ := res.Status(JobKey{Object: a, Kind: "import"})
	stB, _ := res.Status(JobKey{Object: b, Kind: "import"})
	assert.True(t, stA.State.success(), "job a: %v", stA.State)
	assert.True(t, stB.State.success(), "job b: %v", stB.State)
	assert.Equal(t, stA.Fingerprint, stB.Fingerprint)
}

func TestOverlappingBuildsShareExecution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.scheduler(1)

	tex := e.create(t, "Texture", "shared")
	e.set(t, tex, "source", value.String("shared.png"))

	e.texture.started = make(chan value.ObjectID, 2)
	e.texture.gate = make(chan struct{})

	results := make(chan buildResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := s.Build(ctx, []value.ObjectID{tex})
			results <- buildResult{res, err}
		}()
	}

	// Let the single execution begin and give the overlapping request time
	// to attach to the in-flight run, then release it. A request arriving
	// after the release hits the cache instead.
	<-e.texture.started
	time.Sleep(50 * time.Millisecond)
	close(e.texture.gate)

	for i := 0; i < 2; i++ {
		br := <-results
		require.NoError(t, br.err)
		st, ok := br.res.Status(JobKey{Object: tex, Kind: "import"})
		require.True(t, ok)
		assert.True(t, st.State.success(), "state %v", st.State)
	}
	assert.Equal(t, 1, e.texture.runs())
}

func TestCancellation(t *testing.T) {
	e := newEnv(t)

	first := e.create(t, "Texture", "first")
	e.set(t, first, "width", value.Int(1))
	second := e.create(t, "Texture", "second")
	e.set(t, second, "width", value.Int(2))

	e.texture.started = make(chan value.ObjectID, 1)
	e.texture.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan buildResult, 1)
	go func() {
		res, err := e.scheduler(1).Build(ctx, []value.ObjectID{first, second})
		resCh <- buildResult{res, err}
	}()

	// Cancel while the first job runs; it must finish and cache, the
	// queued second job must drain without executing.
	<-e.texture.started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(e.texture.gate)

	br := <-resCh
	require.NoError(t, br.err)
	res := br.res
	requireState(t, res, JobKey{Object: first, Kind: "import"}, StateSucceeded)
	cancelledJob := requireState(t, res, JobKey{Object: second, Kind: "import"}, StateCancelled)
	assert.ErrorIs(t, cancelledJob.Err, ErrCancelled)
	assert.Equal(t, 1, e.texture.runs())

	// The finished artifact is cached despite the cancellation.
	st, _ := res.Status(JobKey{Object: first, Kind: "import"})
	_, ok, err := e.cache.Get(context.Background(), st.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeclaredDependencyCycleFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.create(t, "Material", "a")
	b := e.create(t, "Material", "b")
	require.NoError(t, e.durable.SetDeclaredDeps(ctx, a, "build", []value.ObjectID{b}))
	require.NoError(t, e.durable.SetDeclaredDeps(ctx, b, "build", []value.ObjectID{a}))

	res, err := e.scheduler(1).Build(ctx, []value.ObjectID{a, b})
	require.NoError(t, err)

	// The first stuck job fails with the cycle error; its dependent is
	// then blocked on the failure.
	stA := requireState(t, res, JobKey{Object: a, Kind: "build"}, StateFailed)
	assert.ErrorIs(t, stA.Err, fingerprint.ErrCyclicDependency)
	stB := requireState(t, res, JobKey{Object: b, Kind: "build"}, StateBlocked)
	assert.ErrorIs(t, stB.Err, ErrBlocked)
	assert.Equal(t, 0, e.material.runs())
}

func TestRootWithoutAdapter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	reg := e.objects.Registry()
	fps, err := reg.RegisterSet([]schema.Def{
		schema.RecordDef{Name: "Orphan", Fields: []schema.Field{
			{Name: "x", Type: schema.Int()},
		}},
	})
	require.NoError(t, err)

	orphan, err := e.objects.Create(fps["Orphan"], value.NilObjectID, "orphan")
	require.NoError(t, err)

	_, err = e.scheduler(1).Build(ctx, []value.ObjectID{orphan})
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestTraceIsOrderedAndComplete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tex := e.create(t, "Texture", "brick")
	mat := e.create(t, "Material", "wall")
	e.set(t, mat, "albedo", value.Ref{Target: tex})

	res, err := e.scheduler(1).Build(ctx, []value.ObjectID{mat})
	require.NoError(t, err)

	require.NotEmpty(t, res.Trace)
	for i, ev := range res.Trace {
		assert.Equal(t, i+1, ev.Seq, "trace sequence numbers are dense")
	}

	// The texture's success precedes the material's execution.
	texDone, matRun := -1, -1
	for i, ev := range res.Trace {
		if ev.Name == "brick" && ev.Event == "succeeded" {
			texDone = i
		}
		if ev.Name == "wall" && ev.Event == "running" {
			matRun = i
		}
	}
	require.GreaterOrEqual(t, texDone, 0)
	require.GreaterOrEqual(t, matRun, 0)
	assert.Less(t, texDone, matRun, "dependency finished before dependent started")
}
