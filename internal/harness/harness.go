package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue/cuecontext"

	"github.com/kilnworks/kiln/internal/cache"
	"github.com/kilnworks/kiln/internal/compiler"
	"github.com/kilnworks/kiln/internal/demo"
	"github.com/kilnworks/kiln/internal/fingerprint"
	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/pipeline"
	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/testutil"
	"github.com/kilnworks/kiln/internal/value"
)

// BuildRecord is the outcome of one scenario step's build.
type BuildRecord struct {
	Roots  []string
	Result pipeline.Result
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every build finished without Failed or Blocked jobs.
	Pass bool

	// Builds holds one record per step, in order.
	Builds []BuildRecord

	// Errors collects job failure messages. Empty when Pass is true.
	Errors []string
}

// Run executes a scenario over a fresh in-memory store with the demo
// adapter set. Object ids come from a sequential generator and the build
// runs single-worker, so repeated runs produce identical traces.
func Run(scenario *Scenario) (*Result, error) {
	reg := schema.NewRegistry()
	if err := registerSchemas(reg, scenario.Schemas); err != nil {
		return nil, err
	}

	durable, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer durable.Close()

	objects := object.NewStore(reg, object.WithIDGenerator(testutil.NewSequentialIDs("asset")))
	engine := fingerprint.NewEngine(objects)
	defer engine.Close()

	clock := testutil.NewFixedClock(time.Unix(0, 0).UTC(), time.Second)
	sched := pipeline.NewScheduler(objects, engine, cache.New(durable, cache.WithClock(clock.Now)), durable,
		demo.Adapters(),
		pipeline.WithWorkers(1),
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ids, err := createObjects(reg, objects, scenario.Objects)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	res := &Result{Pass: true}
	for i, step := range scenario.Steps {
		if err := applyEdits(reg, objects, ids, step.Edits); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}

		roots := make([]value.ObjectID, 0, len(step.Build))
		for _, name := range step.Build {
			roots = append(roots, ids[name])
		}
		buildRes, err := sched.Build(ctx, roots)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: build: %w", i, err)
		}
		res.Builds = append(res.Builds, BuildRecord{Roots: step.Build, Result: buildRes})

		if buildRes.Failed() {
			res.Pass = false
			for _, j := range buildRes.Jobs {
				if j.Err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("steps[%d]: %s/%s: %v", i, j.Name, j.Key.Kind, j.Err))
				}
			}
		}
	}
	return res, nil
}

func registerSchemas(reg *schema.Registry, paths []string) error {
	var sources []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read schema file: %w", err)
		}
		sources = append(sources, string(data))
	}

	v := cuecontext.New().CompileString(strings.Join(sources, "\n"))
	defs, err := compiler.CompileSchemas(v)
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	if _, err := reg.RegisterSet(defs); err != nil {
		return fmt.Errorf("register schemas: %w", err)
	}
	return nil
}

func createObjects(reg *schema.Registry, objects *object.Store, decls []ObjectDecl) (map[string]value.ObjectID, error) {
	fps := make(map[string]schema.Fingerprint)
	ids := make(map[string]value.ObjectID, len(decls))

	// Creation first, field values second: a set may reference any
	// declared object regardless of order.
	for _, d := range decls {
		fp, ok := fps[d.Schema]
		if !ok {
			var found bool
			_, fp, found = reg.LookupName(d.Schema)
			if !found {
				return nil, fmt.Errorf("object %q: unknown schema %q", d.Name, d.Schema)
			}
			fps[d.Schema] = fp
		}

		proto := value.NilObjectID
		if d.Prototype != "" {
			proto = ids[d.Prototype]
		}
		id, err := objects.Create(fp, proto, d.Name)
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", d.Name, err)
		}
		ids[d.Name] = id
	}

	for _, d := range decls {
		for path, raw := range sortedEntries(d.Set) {
			if err := setField(reg, objects, ids, ids[d.Name], path, raw); err != nil {
				return nil, fmt.Errorf("object %q: set %s: %w", d.Name, path, err)
			}
		}
	}
	return ids, nil
}

func applyEdits(reg *schema.Registry, objects *object.Store, ids map[string]value.ObjectID, edits []Edit) error {
	for _, e := range edits {
		path, err := value.ParsePath(e.Path)
		if err != nil {
			return fmt.Errorf("edit %s.%s: %w", e.Object, e.Path, err)
		}
		if e.Clear {
			if err := objects.ClearOverride(ids[e.Object], path); err != nil {
				return fmt.Errorf("edit %s.%s: %w", e.Object, e.Path, err)
			}
			continue
		}
		if err := setField(reg, objects, ids, ids[e.Object], e.Path, e.Value); err != nil {
			return fmt.Errorf("edit %s.%s: %w", e.Object, e.Path, err)
		}
	}
	return nil
}

// setField converts a raw YAML value to a typed value via the registry's
// schema-directed decoder and writes it as an override.
func setField(reg *schema.Registry, objects *object.Store, ids map[string]value.ObjectID, id value.ObjectID, pathStr string, raw any) error {
	path, err := value.ParsePath(pathStr)
	if err != nil {
		return err
	}
	rec, _, err := objects.Schema(id)
	if err != nil {
		return err
	}
	t, err := reg.TypeAt(rec, path)
	if err != nil {
		return err
	}

	resolved, err := resolveNames(raw, ids)
	if err != nil {
		return err
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return err
	}
	v, err := reg.DecodeValue(t, data)
	if err != nil {
		return err
	}
	return objects.SetOverride(id, path, v)
}

// resolveNames rewrites {$ref: <object name>} markers to object ids.
func resolveNames(raw any, ids map[string]value.ObjectID) (any, error) {
	switch val := raw.(type) {
	case map[string]any:
		if name, ok := val["$ref"].(string); ok && len(val) == 1 {
			id, found := ids[name]
			if !found {
				return nil, fmt.Errorf("$ref to undeclared object %q", name)
			}
			return map[string]any{"$ref": string(id)}, nil
		}
		out := make(map[string]any, len(val))
		for k, v := range val {
			rv, err := resolveNames(v, ids)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			rv, err := resolveNames(v, ids)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return raw, nil
	}
}

// sortedEntries yields map entries in key order so edits apply in a stable
// sequence.
func sortedEntries(m map[string]any) func(func(string, any) bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(string, any) bool) {
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}
