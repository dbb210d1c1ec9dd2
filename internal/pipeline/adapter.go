package pipeline

import (
	"context"

	"github.com/kilnworks/kiln/internal/value"
)

// Inputs is what an adapter receives for one cache-miss job.
type Inputs struct {
	// Object is the id of the asset being processed.
	Object value.ObjectID
	// Name is the asset's human-readable label.
	Name string
	// Resolved is the fully resolved record value of the object.
	Resolved value.Value
	// DeclaredDeps are the dependencies this adapter reported on earlier
	// runs, already folded into the job's fingerprint.
	DeclaredDeps []value.ObjectID
}

// Output is what an adapter produces.
type Output struct {
	// Artifact is the produced bytes, cached under the job's fingerprint.
	Artifact []byte
	// AdditionalDeps are dependencies only discoverable while processing
	// the input (a material finding a texture mid-parse). The scheduler
	// folds them into the job's fingerprint before caching and persists
	// them so later builds fingerprint with them up front.
	AdditionalDeps []value.ObjectID
}

// Adapter is an external importer or builder implementation. The scheduler
// calls Execute once per cache-miss job; execution must be deterministic in
// its inputs or cache correctness falls apart.
type Adapter interface {
	// Kind names the job kind this adapter serves ("import", "build", ...).
	Kind() string
	// Version tags the adapter implementation. Bumping it invalidates all
	// prior outputs of this adapter with no data change.
	Version() string
	// Schema names the record type this adapter processes.
	Schema() string

	Execute(ctx context.Context, in Inputs) (Output, error)
}

// AdapterSet maps schema names to the adapter processing them.
type AdapterSet struct {
	bySchema map[string]Adapter
}

// NewAdapterSet builds a set from adapters; the last adapter registered for
// a schema wins.
func NewAdapterSet(adapters ...Adapter) *AdapterSet {
	s := &AdapterSet{bySchema: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		s.bySchema[a.Schema()] = a
	}
	return s
}

// For returns the adapter registered for a schema name.
func (s *AdapterSet) For(schemaName string) (Adapter, bool) {
	a, ok := s.bySchema[schemaName]
	return a, ok
}
