// Package harness runs YAML-defined build scenarios against the demo
// adapter set and snapshots their traces with golden files.
//
// A scenario declares schemas (CUE files), a set of objects with field
// values, and a sequence of steps, each an optional batch of edits followed
// by a build. Scenarios run single-worker over a fresh in-memory store with
// sequential object ids, so the recorded trace is identical across runs and
// safe to compare against a golden file.
package harness
