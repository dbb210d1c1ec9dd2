package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/kilnworks/kiln/internal/cache"
	"github.com/kilnworks/kiln/internal/fingerprint"
	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/value"
)

// Scheduler owns build execution: graph construction, bottom-up
// fingerprinting, cache lookups, worker dispatch, and result bookkeeping.
//
// Thread-safety: Build may be called concurrently from multiple goroutines;
// overlapping builds share the in-flight registry so a fingerprint never
// executes twice.
type Scheduler struct {
	objects  *object.Store
	engine   *fingerprint.Engine
	cache    *cache.Cache
	durable  *store.Store // optional; persists adapter-reported deps
	adapters *AdapterSet
	workers  int
	log      *slog.Logger

	mu       sync.Mutex
	inflight map[fingerprint.Fingerprint]*inflightRun
}

// inflightRun is the shared result slot for one executing fingerprint.
type inflightRun struct {
	key  fingerprint.Fingerprint // claim key: the pre-execution fingerprint
	done chan struct{}

	// set before done closes
	fp       fingerprint.Fingerprint // final fingerprint after dep fold-back
	artifact []byte
	err      error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size. One worker makes traces fully
// deterministic; the default is the available parallelism.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// NewScheduler wires a scheduler over the asset database, fingerprint
// engine, cache, and adapter set. durable may be nil; adapter-reported
// dependencies then live only for the process lifetime.
func NewScheduler(objects *object.Store, engine *fingerprint.Engine, c *cache.Cache, durable *store.Store, adapters *AdapterSet, opts ...Option) *Scheduler {
	s := &Scheduler{
		objects:  objects,
		engine:   engine,
		cache:    c,
		durable:  durable,
		adapters: adapters,
		workers:  runtime.GOMAXPROCS(0),
		log:      slog.Default(),
		inflight: make(map[fingerprint.Fingerprint]*inflightRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// buildState is one build pass's bookkeeping. Owned by the coordinator
// goroutine; nothing here is shared.
type buildState struct {
	jobs   map[JobKey]*job
	byObj  map[value.ObjectID]*job
	order  []*job
	trace  []TraceEvent
	seq    int
}

func (b *buildState) record(j *job, event, detail string) {
	b.seq++
	b.trace = append(b.trace, TraceEvent{Seq: b.seq, Name: j.name, Kind: j.key.Kind, Event: event, Detail: detail})
}

func (b *buildState) allTerminal() bool {
	for _, j := range b.order {
		if !j.state.terminal() {
			return false
		}
	}
	return true
}

func (b *buildState) result() Result {
	res := Result{Trace: b.trace}
	for _, j := range b.order {
		res.Jobs = append(res.Jobs, JobStatus{
			Key:         j.key,
			Name:        j.name,
			State:       j.state,
			Fingerprint: j.fp,
			Err:         j.err,
		})
	}
	return res
}

// Build runs one build pass over the requested roots and everything
// reachable from them. The returned Result reports per-job outcomes; a
// non-nil error means the pass could not start at all.
func (s *Scheduler) Build(ctx context.Context, roots []value.ObjectID) (Result, error) {
	b, err := s.plan(ctx, roots)
	if err != nil {
		return Result{}, err
	}
	s.log.Info("build starting", "roots", len(roots), "jobs", len(b.order), "workers", s.workers)
	res := s.run(ctx, b)
	s.log.Info("build finished", "jobs", len(res.Jobs), "failed", res.Failed())
	return res, nil
}

// plan walks reference, prototype, and declared-dependency edges from the
// roots and creates one job per reachable object with a registered adapter.
// Declaration order is the deterministic discovery order: roots first, in
// request order.
func (s *Scheduler) plan(ctx context.Context, roots []value.ObjectID) (*buildState, error) {
	b := &buildState{
		jobs:  make(map[JobKey]*job),
		byObj: make(map[value.ObjectID]*job),
	}

	type visit struct {
		id   value.ObjectID
		root bool
	}
	queue := make([]visit, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, visit{id: r, root: true})
	}

	visited := make(map[value.ObjectID]bool)
	candidates := make(map[value.ObjectID][]value.ObjectID)

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if visited[v.id] {
			continue
		}
		visited[v.id] = true

		rec, _, err := s.objects.Schema(v.id)
		if err != nil {
			return nil, fmt.Errorf("plan build: %w", err)
		}

		adapter, hasAdapter := s.adapters.For(rec.Name)
		if v.root && !hasAdapter {
			return nil, fmt.Errorf("%w: schema %q of requested root %s", ErrNoAdapter, rec.Name, v.id)
		}

		refs, err := s.engine.References(v.id)
		if err != nil {
			return nil, fmt.Errorf("plan build: %w", err)
		}
		deps := append([]value.ObjectID(nil), refs...)

		proto, err := s.objects.Prototype(v.id)
		if err != nil {
			return nil, fmt.Errorf("plan build: %w", err)
		}
		if !proto.IsNil() {
			deps = append(deps, proto)
		}

		if hasAdapter {
			declared, err := s.declaredDeps(ctx, v.id, adapter.Kind())
			if err != nil {
				return nil, fmt.Errorf("plan build: %w", err)
			}
			deps = append(deps, declared...)

			name, err := s.objects.Name(v.id)
			if err != nil {
				return nil, fmt.Errorf("plan build: %w", err)
			}
			j := &job{
				key:      JobKey{Object: v.id, Kind: adapter.Kind()},
				name:     name,
				order:    len(b.order),
				adapter:  adapter,
				state:    StatePending,
				declared: declared,
			}
			b.jobs[j.key] = j
			b.byObj[v.id] = j
			b.order = append(b.order, j)
		}

		candidates[v.id] = deps
		for _, dep := range deps {
			if !visited[dep] {
				queue = append(queue, visit{id: dep})
			}
		}
	}

	// Edge pass: a job depends on each candidate that itself carries a job.
	for _, j := range b.order {
		seen := make(map[JobKey]bool)
		for _, c := range candidates[j.key.Object] {
			dep, ok := b.byObj[c]
			if !ok || dep == j || seen[dep.key] {
				continue
			}
			seen[dep.key] = true
			j.deps = append(j.deps, dep.key)
			dep.dependents = append(dep.dependents, j.key)
		}
	}
	return b, nil
}

func (s *Scheduler) declaredDeps(ctx context.Context, id value.ObjectID, kind string) ([]value.ObjectID, error) {
	if s.durable == nil {
		return nil, nil
	}
	return s.durable.DeclaredDeps(ctx, id, kind)
}

// completion is a worker's (or waiter's) report back to the coordinator.
type completion struct {
	j       *job
	out     Output
	err     error
	run     *inflightRun
	adopted bool
}

// run is the coordinator loop. All state transitions happen here.
func (s *Scheduler) run(ctx context.Context, b *buildState) Result {
	completions := make(chan completion)
	active := 0
	cancelled := false

	for {
		if !cancelled {
			s.fingerprintReady(ctx, b)
			active += s.dispatch(ctx, b, completions, s.workers-active)

			select {
			case <-ctx.Done():
				cancelled = true
				s.cancelPending(b)
			default:
			}
		}

		if active == 0 {
			if b.allTerminal() {
				break
			}
			if cancelled {
				s.cancelPending(b)
				continue
			}
			// Nothing runs, nothing can be fingerprinted: the remaining
			// jobs wait on each other through declared deps.
			s.failStuck(b)
			continue
		}

		if cancelled {
			c := <-completions
			active--
			s.complete(ctx, b, c)
			continue
		}

		select {
		case <-ctx.Done():
			cancelled = true
			s.cancelPending(b)
		case c := <-completions:
			active--
			s.complete(ctx, b, c)
		}
	}
	return b.result()
}

// fingerprintReady fingerprints every pending job whose dependencies have
// all produced an artifact or resolved to a cache hit, iterating to a fixed
// point because each cache hit can unlock dependents.
func (s *Scheduler) fingerprintReady(ctx context.Context, b *buildState) {
	for {
		progressed := false
		for _, j := range b.order {
			if j.state != StatePending || !s.depsSucceeded(b, j) {
				continue
			}
			progressed = true
			j.state = StateFingerprinting

			fp, err := s.engine.Fingerprint(fingerprint.Request{
				Object:    j.key.Object,
				Kind:      j.key.Kind,
				Version:   j.adapter.Version(),
				ExtraDeps: j.declared,
			})
			if err != nil {
				s.fail(b, j, err)
				continue
			}
			j.fp = fp
			b.record(j, "fingerprinted", string(fp))

			_, hit, err := s.cache.Get(ctx, fp)
			if err != nil {
				s.fail(b, j, err)
				continue
			}
			if hit {
				j.state = StateCacheHit
				b.record(j, "cache-hit", "")
				s.log.Debug("cache hit", "object", j.key.Object, "kind", j.key.Kind)
				continue
			}
			j.state = StateQueued
			b.record(j, "queued", "")
		}
		if !progressed {
			return
		}
	}
}

func (s *Scheduler) depsSucceeded(b *buildState, j *job) bool {
	for _, dep := range j.deps {
		if !b.jobs[dep].state.success() {
			return false
		}
	}
	return true
}

// dispatch starts up to slots queued jobs, lowest declaration order first.
// Returns how many goroutines it launched.
func (s *Scheduler) dispatch(ctx context.Context, b *buildState, completions chan<- completion, slots int) int {
	if slots <= 0 {
		return 0
	}

	var queued []*job
	for _, j := range b.order {
		if j.state == StateQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, k int) bool { return queued[i].order < queued[k].order })

	started := 0
	for _, j := range queued {
		if started >= slots {
			break
		}

		// An earlier job with the same fingerprint may have finished while
		// this one sat queued; it is a cache hit now, not a rerun.
		_, hit, err := s.cache.Get(ctx, j.fp)
		if err != nil {
			s.fail(b, j, err)
			continue
		}
		if hit {
			j.state = StateCacheHit
			b.record(j, "cache-hit", "")
			continue
		}

		run, owner := s.claim(j.fp)
		if !owner {
			// Another build (or an earlier job in this one) already runs
			// this fingerprint; attach as a waiter.
			j.state = StateRunning
			b.record(j, "running", "attached")
			go func(j *job, run *inflightRun) {
				select {
				case <-run.done:
					completions <- completion{j: j, run: run, adopted: true}
				case <-ctx.Done():
					completions <- completion{j: j, err: ErrCancelled, adopted: true}
				}
			}(j, run)
			started++
			continue
		}

		resolved, err := s.objects.ResolveObject(j.key.Object)
		if err != nil {
			s.release(run, "", nil, err)
			s.fail(b, j, err)
			continue
		}

		j.state = StateRunning
		b.record(j, "running", "")
		in := Inputs{
			Object:       j.key.Object,
			Name:         j.name,
			Resolved:     resolved,
			DeclaredDeps: j.declared,
		}
		go func(j *job, run *inflightRun, in Inputs) {
			out, err := j.adapter.Execute(ctx, in)
			if err != nil {
				err = fmt.Errorf("%w: %s/%s: %v", ErrAdapter, j.key.Object, j.key.Kind, err)
			}
			completions <- completion{j: j, out: out, err: err, run: run}
		}(j, run, in)
		started++
	}
	return started
}

// complete applies one worker or waiter report.
func (s *Scheduler) complete(ctx context.Context, b *buildState, c completion) {
	if c.adopted {
		if c.err != nil {
			c.j.state = StateCancelled
			c.j.err = c.err
			b.record(c.j, "cancelled", "")
			return
		}
		if c.run.err != nil {
			s.fail(b, c.j, c.run.err)
			return
		}
		c.j.fp = c.run.fp
		c.j.state = StateSucceeded
		b.record(c.j, "succeeded", "shared")
		return
	}

	if c.err != nil {
		s.release(c.run, "", nil, c.err)
		s.fail(b, c.j, c.err)
		return
	}

	// A job that finished while the build was being cancelled still folds
	// back its deps and caches its artifact, so the writes run detached
	// from the build's cancellation.
	ctx = context.WithoutCancel(ctx)

	finalFP, err := s.foldBackDeps(ctx, b, c.j, c.out.AdditionalDeps)
	if err != nil {
		s.release(c.run, "", nil, err)
		s.fail(b, c.j, err)
		return
	}

	if err := s.cache.Put(ctx, finalFP, c.out.Artifact); err != nil {
		s.release(c.run, "", nil, err)
		s.fail(b, c.j, err)
		return
	}

	c.j.fp = finalFP
	c.j.state = StateSucceeded
	b.record(c.j, "succeeded", "")
	s.release(c.run, finalFP, c.out.Artifact, nil)
}

// foldBackDeps merges adapter-discovered dependencies into the job's
// declared set, persists them for future builds, and recomputes the final
// fingerprint so the artifact is cached under a key that already includes
// them.
func (s *Scheduler) foldBackDeps(ctx context.Context, b *buildState, j *job, additional []value.ObjectID) (fingerprint.Fingerprint, error) {
	merged := mergeDeps(j.declared, additional)
	if len(merged) == len(j.declared) {
		return j.fp, nil
	}

	j.declared = merged
	if s.durable != nil {
		if err := s.durable.SetDeclaredDeps(ctx, j.key.Object, j.key.Kind, merged); err != nil {
			return "", err
		}
	}

	fp, err := s.engine.Fingerprint(fingerprint.Request{
		Object:    j.key.Object,
		Kind:      j.key.Kind,
		Version:   j.adapter.Version(),
		ExtraDeps: merged,
	})
	if err != nil {
		return "", err
	}
	b.record(j, "fingerprinted", string(fp))
	return fp, nil
}

func mergeDeps(declared, additional []value.ObjectID) []value.ObjectID {
	seen := make(map[value.ObjectID]bool, len(declared)+len(additional))
	merged := make([]value.ObjectID, 0, len(declared)+len(additional))
	for _, d := range declared {
		if !seen[d] {
			seen[d] = true
			merged = append(merged, d)
		}
	}
	for _, d := range additional {
		if !seen[d] {
			seen[d] = true
			merged = append(merged, d)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}

// fail marks a job Failed and every transitive non-terminal dependent
// Blocked. Unrelated subgraphs keep building.
func (s *Scheduler) fail(b *buildState, j *job, err error) {
	j.state = StateFailed
	j.err = err
	b.record(j, "failed", err.Error())
	s.log.Warn("job failed", "object", j.key.Object, "kind", j.key.Kind, "err", err)

	queue := append([]JobKey(nil), j.dependents...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		dep := b.jobs[key]
		if dep.state.terminal() || dep.state == StateBlocked {
			continue
		}
		dep.state = StateBlocked
		dep.err = fmt.Errorf("%w: %s/%s", ErrBlocked, j.key.Object, j.key.Kind)
		b.record(dep, "blocked", "")
		queue = append(queue, dep.dependents...)
	}
}

// cancelPending drains every job that has not started to Cancelled.
// Running jobs finish and cache normally.
func (s *Scheduler) cancelPending(b *buildState) {
	for _, j := range b.order {
		if j.state.terminal() || j.state == StateRunning {
			continue
		}
		j.state = StateCancelled
		j.err = ErrCancelled
		b.record(j, "cancelled", "")
	}
}

// failStuck handles the only way a live build can stall: jobs waiting on
// each other through adapter-declared dependency cycles.
func (s *Scheduler) failStuck(b *buildState) {
	for _, j := range b.order {
		if !j.state.terminal() {
			s.fail(b, j, fmt.Errorf("%w: job graph stalled at %s/%s", fingerprint.ErrCyclicDependency, j.key.Object, j.key.Kind))
		}
	}
}

func (s *Scheduler) claim(fp fingerprint.Fingerprint) (*inflightRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.inflight[fp]; ok {
		return run, false
	}
	run := &inflightRun{key: fp, done: make(chan struct{})}
	s.inflight[fp] = run
	return run, true
}

func (s *Scheduler) release(run *inflightRun, fp fingerprint.Fingerprint, artifact []byte, err error) {
	s.mu.Lock()
	delete(s.inflight, run.key)
	s.mu.Unlock()

	run.fp = fp
	run.artifact = artifact
	run.err = err
	close(run.done)
}
