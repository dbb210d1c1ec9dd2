// Package pipeline builds assets: it constructs the dependency graph for a
// requested set of objects, fingerprints jobs bottom-up, skips jobs whose
// fingerprint already has a cache entry, and executes the rest on a fixed
// worker pool through registered adapters.
//
// All graph bookkeeping happens on the single coordinator goroutine running
// the build loop. Workers only execute adapters and report back on a
// completion channel; they never touch shared state. Ready jobs dispatch in
// declaration order, so with one worker the whole trace is reproducible.
//
// At most one execution is ever in flight per fingerprint process-wide,
// including across overlapping Build calls: a second request for a running
// fingerprint attaches as a waiter and adopts the in-flight result.
//
// Partial failure is first-class: a Failed job marks its transitive
// dependents Blocked and unrelated subgraphs keep building. Cancellation is
// cooperative: in-flight jobs run to completion and are cached, queued jobs
// drain to Cancelled.
package pipeline
