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

// LoadSchemas reads every stored schema definition, ordered by name so
// registration batches are deterministic.
func (s *Store) LoadSchemas(ctx context.Context) ([]schema.Def, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT def FROM schemas ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	defer rows.Close()

	var defs []schema.Def
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("load schemas: %w", err)
		}
		def, err := unmarshalDef(doc)
		if err != nil {
			return nil, fmt.Errorf("load schemas: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	return defs, nil
}

// LoadObjects reads every stored object with its overrides, decoding values
// against the registry's schema tree. Ordered by id for deterministic
// restore.
func (s *Store) LoadObjects(ctx context.Context, reg *schema.Registry) ([]object.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schema_fingerprint, prototype, revision
		FROM objects ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	defer rows.Close()

	var infos []object.Info
	for rows.Next() {
		var (
			id, name, fp string
			prototype    sql.NullString
			revision     uint64
		)
		if err := rows.Scan(&id, &name, &fp, &prototype, &revision); err != nil {
			return nil, fmt.Errorf("load objects: %w", err)
		}
		info := object.Info{
			ID:        value.ObjectID(id),
			Name:      name,
			SchemaFP:  schema.Fingerprint(fp),
			Revision:  revision,
			Overrides: make(map[string]value.Value),
		}
		if prototype.Valid {
			info.Prototype = value.ObjectID(prototype.String)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}

	for i := range infos {
		if err := s.loadOverrides(ctx, reg, &infos[i]); err != nil {
			return nil, err
		}
	}
	return infos, nil
}

func (s *Store) loadOverrides(ctx context.Context, reg *schema.Registry, info *object.Info) error {
	rec, err := reg.ResolveRecord(info.SchemaFP)
	if err != nil {
		return fmt.Errorf("load overrides for %s: %w", info.ID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, value FROM overrides WHERE object_id = ? ORDER BY path ASC
	`, string(info.ID))
	if err != nil {
		return fmt.Errorf("load overrides for %s: %w", info.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, doc string
		if err := rows.Scan(&path, &doc); err != nil {
			return fmt.Errorf("load overrides for %s: %w", info.ID, err)
		}
		fieldPath, err := value.ParsePath(path)
		if err != nil {
			return fmt.Errorf("load overrides for %s: %w", info.ID, err)
		}
		t, err := reg.TypeAt(rec, fieldPath)
		if err != nil {
			return fmt.Errorf("load overrides for %s at %s: %w", info.ID, path, err)
		}
		v, err := reg.DecodeValue(t, []byte(doc))
		if err != nil {
			return fmt.Errorf("load overrides for %s at %s: %w", info.ID, path, err)
		}
		info.Overrides[path] = v
	}
	return rows.Err()
}

// DeclaredDeps returns the adapter-reported dependency set for an
// (object, kind) pair, ordered by dependency id.
func (s *Store) DeclaredDeps(ctx context.Context, id value.ObjectID, kind string) ([]value.ObjectID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dep_id FROM declared_deps
		WHERE object_id = ? AND kind = ?
		ORDER BY dep_id ASC
	`, string(id), kind)
	if err != nil {
		return nil, fmt.Errorf("declared deps %s/%s: %w", id, kind, err)
	}
	defer rows.Close()

	var deps []value.ObjectID
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("declared deps %s/%s: %w", id, kind, err)
		}
		deps = append(deps, value.ObjectID(dep))
	}
	return deps, rows.Err()
}

// Artifact is one stored cache row.
type Artifact struct {
	Fingerprint  string
	Bytes        []byte
	ArtifactHash string
	ProducedAt   int64
}

// GetArtifact fetches the artifact stored under a fingerprint. The boolean
// reports presence; absence is not an error.
func (s *Store) GetArtifact(ctx context.Context, fingerprint string) (Artifact, bool, error) {
	var a Artifact
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, artifact, artifact_hash, produced_at
		FROM artifacts WHERE fingerprint = ?
	`, fingerprint).Scan(&a.Fingerprint, &a.Bytes, &a.ArtifactHash, &a.ProducedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("get artifact %s: %w", fingerprint, err)
	}
	return a, true, nil
}

// CountArtifacts reports the number of stored cache entries.
func (s *Store) CountArtifacts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}
