// Package object implements Kiln's asset database: typed data objects held
// in a single arena, addressed by stable ids, with prototype/override
// inheritance.
//
// An object stores only its deltas: a mapping from field path to value.
// Resolving a field walks the object's overrides, then its prototype chain,
// then falls back to the schema default, so a derived object inherits every
// value it does not explicitly override. Prototype chains are acyclic by
// construction and every edit that could introduce a cycle is rejected.
//
// Cross-object references are ids, never pointers. The store owns all
// objects; other components hold ids and resolve through the store. Deleting
// an object is only valid once nothing points at it.
//
// Thread-safety model:
//   - the arena map is guarded by a read/write lock
//   - field edits take a per-object lock only, so edits to unrelated
//     objects never contend
//   - every successful mutation publishes a change notification; the store
//     has no knowledge of what consumes them
package object
