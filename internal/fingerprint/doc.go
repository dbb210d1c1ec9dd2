// Package fingerprint computes content fingerprints for data objects: a
// deterministic hash over the object's fully resolved values, its schema
// fingerprint, the job kind, and the adapter version tag.
//
// Reference fields contribute the referenced object's fingerprint, not its
// id, so a change anywhere in the dependency closure changes every
// fingerprint above it, and two objects with identical resolved content
// share a fingerprint regardless of id or creation order. Reference cycles
// are detected here and fail with ErrCyclicDependency.
//
// Fingerprints are memoized per (object, kind, version). The engine
// subscribes to the store's change stream and drops every memo whose
// dependency closure was touched, so a memo hit is always current with
// respect to edits that completed before the call.
package fingerprint
