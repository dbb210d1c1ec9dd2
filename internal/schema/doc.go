// Package schema defines Kiln's structural type system and the registry that
// fingerprints it.
//
// A schema is a named definition: a record (named, ordered fields) or an enum
// (named symbol set with a default symbol). Field types are built from
// primitives (bool, int, float, string, bytes), nullable object references,
// dynamic arrays, dynamic maps, and named types.
//
// Every named definition has a content fingerprint derived from the canonical
// serialization of its fully expanded type tree. Two registries loaded with
// structurally identical definitions produce identical fingerprints, which is
// what makes build-cache entries portable across process restarts. Registering
// the same name twice with structurally different definitions is a conflict
// and is rejected.
//
// The registry is immutable once loaded: definitions can be added but never
// changed or removed.
package schema
