// Package value provides the canonical value model for Kiln.
//
// This package contains value, path, and identity types only. All other
// internal packages import value; value imports nothing internal. This keeps
// it the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Value is a sealed interface; only the kinds defined here implement it
//   - Canonical JSON (MarshalCanonical) is the ONLY serialization used for
//     content-addressed identity computation
//   - Floats must be finite; NaN and infinities are rejected at the
//     serialization boundary because they have no canonical encoding
//   - Field paths have a stable string form that round-trips through Parse
package value
