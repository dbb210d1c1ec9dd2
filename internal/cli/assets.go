package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kiln/internal/object"
	"github.com/kilnworks/kiln/internal/value"
)

// AssetDecl declares one asset in a project's assets directory.
type AssetDecl struct {
	Name      string         `yaml:"name"`
	Schema    string         `yaml:"schema"`
	Prototype string         `yaml:"prototype,omitempty"`
	Set       map[string]any `yaml:"set,omitempty"`

	// File is the asset file the declaration came from, for error messages.
	File string `yaml:"-"`
}

// assetFile is the on-disk shape of one assets/*.yaml file.
type assetFile struct {
	Objects []AssetDecl `yaml:"objects"`
}

// loadAssets reads every .yaml file under <dir>/assets in sorted order.
// A missing assets directory is not an error; the project just has no
// declared assets.
func loadAssets(p *Project, mode LoadMode) []error {
	assetsDir := filepath.Join(p.Dir, "assets")
	if _, err := os.Stat(assetsDir); os.IsNotExist(err) {
		return nil
	}

	files, err := FindFiles(assetsDir, ".yaml")
	if err != nil {
		return []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning assets directory: %v", err)}}
	}
	more, err := FindFiles(assetsDir, ".yml")
	if err != nil {
		return []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning assets directory: %v", err)}}
	}
	files = append(files, more...)
	sort.Strings(files)
	p.AssetFileCount = len(files)

	var errs []error
	seen := make(map[string]bool)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("reading %s: %v", path, err)})
			if mode == LoadModeFailFast {
				return errs
			}
			continue
		}
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		var af assetFile
		decodeErr := dec.Decode(&af)
		f.Close()
		if decodeErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeDecodeFailed, Message: fmt.Sprintf("decoding %s: %v", path, decodeErr)})
			if mode == LoadModeFailFast {
				return errs
			}
			continue
		}

		for _, d := range af.Objects {
			d.File = path
			if declErr := p.checkDecl(d, seen); declErr != nil {
				errs = append(errs, declErr)
				if mode == LoadModeFailFast {
					return errs
				}
				continue
			}
			seen[d.Name] = true
			p.Assets = append(p.Assets, d)
		}
	}
	return errs
}

// checkDecl validates the structural parts of a declaration: its name,
// schema and prototype. Field values are checked later when the object
// store is populated.
func (p *Project) checkDecl(d AssetDecl, seen map[string]bool) *LoadError {
	if d.Name == "" {
		return &LoadError{Code: ErrCodeDecodeFailed, Message: fmt.Sprintf("%s: asset without a name", d.File)}
	}
	if seen[d.Name] {
		return &LoadError{Code: ErrCodeDuplicateAsset, Message: fmt.Sprintf("%s: duplicate asset name %q", d.File, d.Name)}
	}
	if d.Schema == "" {
		return &LoadError{Code: ErrCodeDecodeFailed, Message: fmt.Sprintf("%s: asset %q without a schema", d.File, d.Name)}
	}
	if _, _, ok := p.Registry.LookupName(d.Schema); !ok {
		return &LoadError{Code: ErrCodeUnknownSchema, Message: fmt.Sprintf("%s: asset %q: unknown schema %q", d.File, d.Name, d.Schema)}
	}
	if d.Prototype != "" && !seen[d.Prototype] {
		return &LoadError{Code: ErrCodeUnknownProto, Message: fmt.Sprintf("%s: asset %q: prototype %q not declared earlier", d.File, d.Name, d.Prototype)}
	}
	return nil
}

// assetNamespace scopes name-derived asset ids.
var assetNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("assets.kiln.dev"))

// nameIDs derives object ids from asset names. Stable ids keep the build
// database's declared dependencies usable across CLI invocations; content
// fingerprints never depend on them.
type nameIDs struct {
	next string
}

func (g *nameIDs) NewID() value.ObjectID {
	return value.ObjectID(uuid.NewSHA1(assetNamespace, []byte(g.next)).String())
}

// BuildObjects populates a fresh object store from the project's asset
// declarations and returns the name to id mapping. Declarations are
// created first and field values applied second, so a set may reference
// any declared asset regardless of order.
func (p *Project) BuildObjects(opts ...object.StoreOption) (*object.Store, map[string]value.ObjectID, []error) {
	gen := &nameIDs{}
	storeOpts := append([]object.StoreOption{object.WithIDGenerator(gen)}, opts...)
	objects := object.NewStore(p.Registry, storeOpts...)
	ids := make(map[string]value.ObjectID, len(p.Assets))

	var errs []error
	for _, d := range p.Assets {
		gen.next = d.Name
		_, fp, _ := p.Registry.LookupName(d.Schema)
		proto := value.NilObjectID
		if d.Prototype != "" {
			proto = ids[d.Prototype]
		}
		id, err := objects.Create(fp, proto, d.Name)
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("asset %q: %v", d.Name, err)})
			continue
		}
		ids[d.Name] = id
	}

	for _, d := range p.Assets {
		id, ok := ids[d.Name]
		if !ok {
			continue
		}
		for path, raw := range sortedEntries(d.Set) {
			if err := setAssetField(p, objects, ids, id, path, raw); err != nil {
				errs = append(errs, &LoadError{
					Code:    fieldErrorCode(err),
					Message: fmt.Sprintf("asset %q: set %s: %v", d.Name, path, err),
				})
			}
		}
	}
	return objects, ids, errs
}

// errUnknownRef marks a $ref to a name no declaration carries.
type errUnknownRef struct{ name string }

func (e *errUnknownRef) Error() string {
	return fmt.Sprintf("$ref to undeclared asset %q", e.name)
}

func fieldErrorCode(err error) string {
	if _, ok := err.(*errUnknownRef); ok {
		return ErrCodeUnknownRef
	}
	return ErrCodeInvalidField
}

// setAssetField converts a raw YAML value to a typed value via the
// registry's schema-directed decoder and writes it as an override.
func setAssetField(p *Project, objects *object.Store, ids map[string]value.ObjectID, id value.ObjectID, pathStr string, raw any) error {
	path, err := value.ParsePath(pathStr)
	if err != nil {
		return err
	}
	rec, _, err := objects.Schema(id)
	if err != nil {
		return err
	}
	t, err := p.Registry.TypeAt(rec, path)
	if err != nil {
		return err
	}

	resolved, err := resolveAssetNames(raw, ids)
	if err != nil {
		return err
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return err
	}
	v, err := p.Registry.DecodeValue(t, data)
	if err != nil {
		return err
	}
	return objects.SetOverride(id, path, v)
}

// resolveAssetNames rewrites {$ref: <asset name>} markers to object ids.
func resolveAssetNames(raw any, ids map[string]value.ObjectID) (any, error) {
	switch val := raw.(type) {
	case map[string]any:
		if name, ok := val["$ref"].(string); ok && len(val) == 1 {
			id, found := ids[name]
			if !found {
				return nil, &errUnknownRef{name: name}
			}
			return map[string]any{"$ref": string(id)}, nil
		}
		out := make(map[string]any, len(val))
		for k, v := range val {
			rv, err := resolveAssetNames(v, ids)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			rv, err := resolveAssetNames(v, ids)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return raw, nil
	}
}

// sortedEntries yields map entries in key order so overrides apply in a
// stable sequence.
func sortedEntries(m map[string]any) func(func(string, any) bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(string, any) bool) {
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}
