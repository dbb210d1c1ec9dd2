// Package cache is the durable build cache: a content-addressed
// fingerprint→artifact store. Entries are immutable once written; a new
// fingerprint always produces a new entry. Staleness is structural (a
// fingerprint simply stops being requested), so nothing here ever
// invalidates.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilnworks/kiln/internal/fingerprint"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/value"
)

// ErrWriteConflict is returned when a put finds a different artifact already
// stored under the fingerprint. Given honest fingerprints this is
// unreachable; it surfaces a determinism violation and must never be
// silently resolved by overwriting.
var ErrWriteConflict = errors.New("write conflict")

// Entry is one cache row.
type Entry struct {
	Fingerprint  fingerprint.Fingerprint
	Artifact     []byte
	ArtifactHash string
	ProducedAt   time.Time
}

// Cache wraps the durable store's artifact table with content hashing and
// conflict semantics.
type Cache struct {
	store *store.Store
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the timestamp source; tests pin it for stable traces.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over an opened store.
func New(st *store.Store, opts ...Option) *Cache {
	c := &Cache{store: st, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches the entry for a fingerprint. The boolean reports presence.
func (c *Cache) Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool, error) {
	a, ok, err := c.store.GetArtifact(ctx, string(fp))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return Entry{
		Fingerprint:  fp,
		Artifact:     a.Bytes,
		ArtifactHash: a.ArtifactHash,
		ProducedAt:   time.Unix(a.ProducedAt, 0).UTC(),
	}, true, nil
}

// Put stores an artifact under a fingerprint. Re-putting an identical
// artifact is a no-op; a divergent artifact fails with ErrWriteConflict and
// leaves the stored entry untouched.
func (c *Cache) Put(ctx context.Context, fp fingerprint.Fingerprint, artifact []byte) error {
	hash := value.HashWithDomain(value.DomainArtifact, artifact)
	err := c.store.PutArtifact(ctx, string(fp), artifact, hash, c.now().Unix())
	if errors.Is(err, store.ErrArtifactConflict) {
		return fmt.Errorf("%w: %s", ErrWriteConflict, fp)
	}
	return err
}

// Len reports the number of stored entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.CountArtifacts(ctx)
}
