package testutil

import (
	"fmt"
	"sync"

	"github.com/kilnworks/kiln/internal/value"
)

// SequentialIDs generates object ids "prefix-0001", "prefix-0002", ...
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario with the same SequentialIDs produces byte-identical
// object graphs, where the production UUIDv7 generator would not.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator with the given prefix. An empty
// prefix defaults to "obj".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "obj"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next id in sequence. Implements object.IDGenerator.
func (g *SequentialIDs) NewID() value.ObjectID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return value.ObjectID(fmt.Sprintf("%s-%04d", g.prefix, g.n))
}

// Reset restarts the sequence. After Reset the next id ends in -0001 again.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
