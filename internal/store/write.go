package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/schema"
	"github.com/kilnworks/kiln/internal/value"
)

// ErrArtifactConflict is returned by PutArtifact when a different artifact is
// already stored under the fingerprint. The cache layer reports it as a
// write conflict; it should be unreachable when fingerprints are computed
// honestly.
var ErrArtifactConflict = errors.New("artifact conflict")

// SaveSchemas upserts a batch of schema definitions with their fingerprints.
func (s *Store) SaveSchemas(ctx context.Context, defs []schema.Def, fps map[string]schema.Fingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save schemas: %w", err)
	}
	defer tx.Rollback()

	for _, def := range defs {
		doc, err := marshalDef(def)
		if err != nil {
			return fmt.Errorf("save schemas: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO schemas (name, fingerprint, def)
			VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET fingerprint = excluded.fingerprint, def = excluded.def
		`, def.DefName(), string(fps[def.DefName()]), doc)
		if err != nil {
			return fmt.Errorf("save schema %q: %w", def.DefName(), err)
		}
	}
	return tx.Commit()
}

// SaveObject upserts one object and replaces its override rows atomically.
func (s *Store) SaveObject(ctx context.Context, info object.Info) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save object %s: %w", info.ID, err)
	}
	defer tx.Rollback()

	var prototype any
	if !info.Prototype.IsNil() {
		prototype = string(info.Prototype)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO objects (id, name, schema_fingerprint, prototype, revision)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schema_fingerprint = excluded.schema_fingerprint,
			prototype = excluded.prototype,
			revision = excluded.revision
	`, string(info.ID), info.Name, string(info.SchemaFP), prototype, info.Revision)
	if err != nil {
		return fmt.Errorf("save object %s: %w", info.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE object_id = ?`, string(info.ID)); err != nil {
		return fmt.Errorf("save object %s: %w", info.ID, err)
	}
	for path, v := range info.Overrides {
		data, err := value.MarshalCanonical(v)
		if err != nil {
			return fmt.Errorf("save object %s override %s: %w", info.ID, path, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO overrides (object_id, path, value) VALUES (?, ?, ?)
		`, string(info.ID), path, string(data))
		if err != nil {
			return fmt.Errorf("save object %s override %s: %w", info.ID, path, err)
		}
	}
	return tx.Commit()
}

// DeleteObject removes an object and, via cascade, its override rows.
// Declared-dependency rows are removed explicitly; they have no foreign key
// so they can outlive a failed import.
func (s *Store) DeleteObject(ctx context.Context, id value.ObjectID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM declared_deps WHERE object_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return tx.Commit()
}

// SetDeclaredDeps replaces the adapter-reported dependency set for an
// (object, kind) pair.
func (s *Store) SetDeclaredDeps(ctx context.Context, id value.ObjectID, kind string, deps []value.ObjectID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set declared deps %s/%s: %w", id, kind, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM declared_deps WHERE object_id = ? AND kind = ?
	`, string(id), kind); err != nil {
		return fmt.Errorf("set declared deps %s/%s: %w", id, kind, err)
	}
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO declared_deps (object_id, kind, dep_id) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, string(id), kind, string(dep)); err != nil {
			return fmt.Errorf("set declared deps %s/%s: %w", id, kind, err)
		}
	}
	return tx.Commit()
}

// PutArtifact stores a content-addressed artifact. Re-putting an identical
// artifact is a no-op; a divergent artifact for an existing fingerprint fails
// with ErrArtifactConflict and leaves the stored row untouched.
func (s *Store) PutArtifact(ctx context.Context, fingerprint string, artifact []byte, artifactHash string, producedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", fingerprint, err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT artifact_hash FROM artifacts WHERE fingerprint = ?
	`, fingerprint).Scan(&existing)
	if err == nil {
		if existing != artifactHash {
			return fmt.Errorf("%w: fingerprint %s holds %s, new artifact hashes %s",
				ErrArtifactConflict, fingerprint, existing, artifactHash)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put artifact %s: %w", fingerprint, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (fingerprint, artifact, artifact_hash, produced_at)
		VALUES (?, ?, ?, ?)
	`, fingerprint, artifact, artifactHash, producedAt); err != nil {
		return fmt.Errorf("put artifact %s: %w", fingerprint, err)
	}
	return tx.Commit()
}
