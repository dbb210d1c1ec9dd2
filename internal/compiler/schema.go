// Package compiler turns CUE schema-definition files into registry
// definitions. Authors write records and enums as CUE structs; the compiler
// parses them with the CUE Go API (not a CLI subprocess), checks the type
// expressions, and resolves names within the compiled set.
package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/kilnworks/kiln/internal/schema"
)

// CompileSchemas parses a CUE value into schema definitions.
//
// The CUE value is the file-level struct, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`
//	    enum: TexFormat: {symbols: ["BC1", "BC7"], default: "BC7"}
//	    record: Texture: {
//	        source: "string"
//	        width:  "int"
//	        format: "TexFormat"
//	    }
//	`)
//	defs, err := CompileSchemas(v)
//
// Field types are expressions over the grammar
//
//	bool | int | float | string | bytes | ref | ref<Name> |
//	array<T> | map<T> | Name
//
// where a bare Name refers to a record or enum compiled in the same set.
// Record fields keep their declaration order; order is significant for
// fingerprinting.
func CompileSchemas(v cue.Value) ([]schema.Def, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	enums, err := parseEnums(v)
	if err != nil {
		return nil, err
	}
	records, err := parseRecords(v)
	if err != nil {
		return nil, err
	}
	if len(enums) == 0 && len(records) == 0 {
		return nil, &CompileError{
			Field:   "schema",
			Message: "no record or enum definitions found",
			Pos:     v.Pos(),
		}
	}

	// Name resolution pass: bare names in field types must refer to a
	// definition in this set, and the kind decides record vs enum.
	names := newNameTable(records, enums)
	defs := make([]schema.Def, 0, len(enums)+len(records))
	for _, e := range enums {
		defs = append(defs, e.def)
	}
	for _, r := range records {
		rec := schema.RecordDef{Name: r.name, Fields: make([]schema.Field, 0, len(r.fields))}
		for _, f := range r.fields {
			t, err := parseTypeExpr(f.expr, names)
			if err != nil {
				return nil, &CompileError{
					Field:   fmt.Sprintf("record.%s.%s", r.name, f.name),
					Message: err.Error(),
					Pos:     f.pos,
				}
			}
			rec.Fields = append(rec.Fields, schema.Field{Name: f.name, Type: t})
		}
		defs = append(defs, rec)
	}
	return defs, nil
}

type parsedEnum struct {
	def schema.EnumDef
}

type parsedField struct {
	name string
	expr string
	pos  token.Pos
}

type parsedRecord struct {
	name   string
	fields []parsedField
}

func parseEnums(v cue.Value) ([]parsedEnum, error) {
	sect := v.LookupPath(cue.ParsePath("enum"))
	if !sect.Exists() {
		return nil, nil
	}
	iter, err := sect.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var enums []parsedEnum
	for iter.Next() {
		name := iter.Label()
		body := iter.Value()

		symsVal := body.LookupPath(cue.ParsePath("symbols"))
		if !symsVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("enum.%s", name),
				Message: "symbols list is required",
				Pos:     body.Pos(),
			}
		}
		symIter, err := symsVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var symbols []string
		for symIter.Next() {
			s, err := symIter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			symbols = append(symbols, s)
		}
		if len(symbols) == 0 {
			return nil, &CompileError{
				Field:   fmt.Sprintf("enum.%s.symbols", name),
				Message: "at least one symbol is required",
				Pos:     symsVal.Pos(),
			}
		}

		// The default symbol is the first one unless stated.
		def := symbols[0]
		defVal := body.LookupPath(cue.ParsePath("default"))
		if defVal.Exists() {
			def, err = defVal.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
		}
		e := schema.EnumDef{Name: name, Symbols: symbols, Default: def}
		if !e.HasSymbol(def) {
			return nil, &CompileError{
				Field:   fmt.Sprintf("enum.%s.default", name),
				Message: fmt.Sprintf("default %q is not a declared symbol", def),
				Pos:     defVal.Pos(),
			}
		}
		enums = append(enums, parsedEnum{def: e})
	}
	return enums, nil
}

func parseRecords(v cue.Value) ([]parsedRecord, error) {
	sect := v.LookupPath(cue.ParsePath("record"))
	if !sect.Exists() {
		return nil, nil
	}
	iter, err := sect.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var records []parsedRecord
	for iter.Next() {
		rec := parsedRecord{name: iter.Label()}

		fieldIter, err := iter.Value().Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for fieldIter.Next() {
			expr, err := fieldIter.Value().String()
			if err != nil {
				return nil, &CompileError{
					Field:   fmt.Sprintf("record.%s.%s", rec.name, fieldIter.Label()),
					Message: "field type must be a type-expression string",
					Pos:     fieldIter.Value().Pos(),
				}
			}
			rec.fields = append(rec.fields, parsedField{
				name: fieldIter.Label(),
				expr: expr,
				pos:  fieldIter.Value().Pos(),
			})
		}
		if len(rec.fields) == 0 {
			return nil, &CompileError{
				Field:   fmt.Sprintf("record.%s", rec.name),
				Message: "at least one field is required",
				Pos:     iter.Value().Pos(),
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// nameTable resolves bare names in type expressions to record or enum kinds.
type nameTable struct {
	records map[string]bool
	enums   map[string]bool
}

func newNameTable(records []parsedRecord, enums []parsedEnum) *nameTable {
	t := &nameTable{
		records: make(map[string]bool, len(records)),
		enums:   make(map[string]bool, len(enums)),
	}
	for _, r := range records {
		t.records[r.name] = true
	}
	for _, e := range enums {
		t.enums[e.def.Name] = true
	}
	return t
}

// parseTypeExpr parses one type expression. The grammar is small enough for
// direct string surgery on the generic brackets.
func parseTypeExpr(expr string, names *nameTable) (schema.Type, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "":
		return schema.Type{}, fmt.Errorf("empty type expression")
	case "bool":
		return schema.Bool(), nil
	case "int":
		return schema.Int(), nil
	case "float":
		return schema.Float(), nil
	case "string":
		return schema.String(), nil
	case "bytes":
		return schema.Bytes(), nil
	case "ref":
		return schema.Ref(""), nil
	}

	if inner, ok := generic(expr, "ref"); ok {
		if names.enums[inner] {
			return schema.Type{}, fmt.Errorf("ref<%s>: references target records, not enums", inner)
		}
		if !names.records[inner] {
			return schema.Type{}, fmt.Errorf("ref<%s>: unknown record", inner)
		}
		return schema.Ref(inner), nil
	}
	if inner, ok := generic(expr, "array"); ok {
		elem, err := parseTypeExpr(inner, names)
		if err != nil {
			return schema.Type{}, err
		}
		return schema.Array(elem), nil
	}
	if inner, ok := generic(expr, "map"); ok {
		elem, err := parseTypeExpr(inner, names)
		if err != nil {
			return schema.Type{}, err
		}
		return schema.Map(elem), nil
	}

	if names.records[expr] {
		return schema.Record(expr), nil
	}
	if names.enums[expr] {
		return schema.Enum(expr), nil
	}
	return schema.Type{}, fmt.Errorf("unknown type %q", expr)
}

// generic matches head<inner> and returns the inner expression.
func generic(expr, head string) (string, bool) {
	if !strings.HasPrefix(expr, head+"<") || !strings.HasSuffix(expr, ">") {
		return "", false
	}
	return strings.TrimSpace(expr[len(head)+1 : len(expr)-1]), true
}

// CompileError is a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
