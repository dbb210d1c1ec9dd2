package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"

	"github.com/kilnworks/kiln/internal/compiler"
	"github.com/kilnworks/kiln/internal/schema"
)

// LoadMode controls how errors are handled during project loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Project is a loaded asset project: compiled schemas plus the asset
// declarations found under the project directory.
//
// Layout on disk:
//
//	<dir>/schemas/*.cue   schema definitions
//	<dir>/assets/*.yaml   asset declarations (optional)
type Project struct {
	Dir          string
	Registry     *schema.Registry
	Defs         []schema.Def
	Fingerprints map[string]schema.Fingerprint
	Assets       []AssetDecl

	SchemaFileCount int
	AssetFileCount  int
}

// LoadError represents an error that occurred during project loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadProject loads schemas and asset declarations from a project directory.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadProject(dir string, mode LoadMode) (*Project, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("project directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing project directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	project := &Project{Dir: dir, Registry: schema.NewRegistry()}

	if errs := loadSchemas(project, mode); len(errs) > 0 {
		return nil, errs
	}

	var errs []error
	if assetErrs := loadAssets(project, mode); len(assetErrs) > 0 {
		errs = append(errs, assetErrs...)
		if mode == LoadModeFailFast {
			return project, errs
		}
	}
	return project, errs
}

// loadSchemas finds, compiles and registers every .cue file under
// <dir>/schemas. Schema files are plain CUE snippets rather than a CUE
// package, so they are concatenated and compiled as one source.
func loadSchemas(p *Project, mode LoadMode) []error {
	schemasDir := filepath.Join(p.Dir, "schemas")
	if _, err := os.Stat(schemasDir); os.IsNotExist(err) {
		return []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schemas directory not found: %s", schemasDir)}}
	}

	files, err := FindFiles(schemasDir, ".cue")
	if err != nil {
		return []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning schemas directory: %v", err)}}
	}
	if len(files) == 0 {
		return []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", schemasDir)}}
	}
	p.SchemaFileCount = len(files)

	var sources []string
	for _, f := range files {
		data, readErr := os.ReadFile(f)
		if readErr != nil {
			return []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("reading %s: %v", f, readErr)}}
		}
		sources = append(sources, string(data))
	}

	value := cuecontext.New().CompileString(strings.Join(sources, "\n"))
	if err := value.Err(); err != nil {
		return []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	defs, err := compiler.CompileSchemas(value)
	if err != nil {
		return []error{convertCompileError(err)}
	}
	fps, err := p.Registry.RegisterSet(defs)
	if err != nil {
		return []error{&LoadError{Code: ErrCodeCompileFailed, Message: fmt.Sprintf("registering schemas: %v", err)}}
	}
	p.Defs = defs
	p.Fingerprints = fps
	return nil
}

// FindFiles walks the directory and returns all file paths with the given
// extension, sorted for a stable load order.
func FindFiles(dir, ext string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ext {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeCompileFailed,
		Message: fmt.Sprintf("compiling schemas: %v", err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric       = "E001" // Generic/unknown error
	ErrCodeScanError     = "E002" // Directory scan error
	ErrCodeNoFiles       = "E003" // No CUE files found
	ErrCodeDecodeFailed  = "E004" // Asset file decode failed
	ErrCodeNotFound      = "E005" // Path not found
	ErrCodeBuildFailed   = "E006" // CUE build failed
	ErrCodeCompileFailed = "E007" // Schema compile failed

	// Schema compile errors
	ErrCodeEnumDef   = "E101" // Malformed enum definition
	ErrCodeRecordDef = "E102" // Malformed record definition
	ErrCodeFieldType = "E103" // Invalid field type expression

	// Asset declaration errors
	ErrCodeUnknownSchema  = "E111" // Asset names an unregistered schema
	ErrCodeUnknownProto   = "E112" // Prototype not declared earlier
	ErrCodeDuplicateAsset = "E113" // Duplicate asset name
	ErrCodeInvalidField   = "E114" // Field value rejected by the schema
	ErrCodeUnknownRef     = "E115" // $ref to an undeclared asset
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case strings.HasPrefix(field, "enum."):
		return ErrCodeEnumDef
	case strings.HasPrefix(field, "record.") && strings.Count(field, ".") >= 2:
		return ErrCodeFieldType
	case strings.HasPrefix(field, "record."):
		return ErrCodeRecordDef
	default:
		return ErrCodeCompileFailed
	}
}
