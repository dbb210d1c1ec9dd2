// Package store provides SQLite-backed durable storage for the asset
// database and the build cache:
//   - Schemas: named definitions with their structural fingerprints
//   - Objects: id, name, schema fingerprint, prototype link, revision
//   - Overrides: per-object (path, canonical JSON value) rows
//   - Declared deps: adapter-reported dependencies keyed by (object, kind)
//   - Artifacts: content-addressed fingerprint→bytes entries, append-only
//
// Values persist as RFC 8785 canonical JSON and load back through
// schema-directed decoding, so a save/load round trip reproduces the exact
// canonical bytes. Artifact rows are never updated in place; divergent
// re-puts surface as a conflict for the cache layer to report.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: override rows cascade with their object
//
// Restart safety: every write commits transactionally; reopening a database
// requires no repair step.
package store
