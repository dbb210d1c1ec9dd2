package object

import (
	"errors"

	"github.com/kilnworks/kiln/internal/schema"
)

var (
	// ErrUnknownObject is returned when an id does not resolve to a live
	// object.
	ErrUnknownObject = errors.New("unknown object")

	// ErrCyclicPrototype is returned when an edit would make an object's
	// prototype chain cycle. The rejected edit leaves the graph unchanged.
	ErrCyclicPrototype = errors.New("cyclic prototype chain")

	// ErrReferencedObject is returned by Delete while any live object's
	// prototype link or reference field still targets the object.
	ErrReferencedObject = errors.New("object is still referenced")
)

// Re-exported sentinels so callers can match without importing schema.
var (
	ErrUnknownSchema = schema.ErrUnknownSchema
	ErrTypeMismatch  = schema.ErrTypeMismatch
)
