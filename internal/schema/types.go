package schema

// Fingerprint identifies a named schema definition by the hash of its
// canonical structural serialization. It is stable across processes and
// registration order.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Kind discriminates the structural type of a property.
type Kind int

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindString
	KindBytes
	// KindRef is a nullable reference to another object by id.
	KindRef
	// KindRecord and KindEnum refer to a named definition by name.
	KindRecord
	KindEnum
	// KindArray is a dynamic array of Elem.
	KindArray
	// KindMap is a dynamic string-keyed map of Elem values.
	KindMap
)

// String returns the kind name used in diagnostics and in the canonical
// serialization of type trees. These strings are part of fingerprint inputs
// and must never change.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindRef:
		return "ref"
	case KindRecord:
		return "record"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Type is the structural type of a property.
type Type struct {
	Kind Kind

	// Named is the referenced definition name for KindRecord and KindEnum.
	// For KindRef it optionally constrains the target's record type
	// (empty means any object).
	Named string

	// Elem is the element type for KindArray and the value type for KindMap.
	Elem *Type
}

// Convenience constructors. Field type literals read better through these
// than through struct literals.

func Bool() Type              { return Type{Kind: KindBool} }
func Int() Type               { return Type{Kind: KindInt} }
func Float() Type             { return Type{Kind: KindFloat} }
func String() Type            { return Type{Kind: KindString} }
func Bytes() Type             { return Type{Kind: KindBytes} }
func Ref(named string) Type   { return Type{Kind: KindRef, Named: named} }
func Record(name string) Type { return Type{Kind: KindRecord, Named: name} }
func Enum(name string) Type   { return Type{Kind: KindEnum, Named: name} }

func Array(elem Type) Type {
	return Type{Kind: KindArray, Elem: &elem}
}

func Map(elem Type) Type {
	return Type{Kind: KindMap, Elem: &elem}
}

// Field is one named, typed field of a record. Field order is declaration
// order and is significant for fingerprinting.
type Field struct {
	Name string
	Type Type
}

// Def is a named schema definition: a RecordDef or an EnumDef.
type Def interface {
	DefName() string
	schemaDef() // Sealed
}

// RecordDef is a named record type with ordered fields.
type RecordDef struct {
	Name   string
	Fields []Field
}

func (d RecordDef) DefName() string { return d.Name }
func (RecordDef) schemaDef()        {}

// FieldType returns the type of the named field.
func (d RecordDef) FieldType(name string) (Type, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return Type{}, false
}

// EnumDef is a named enum type. Default must be one of Symbols and is the
// value an unset enum field resolves to.
type EnumDef struct {
	Name    string
	Symbols []string
	Default string
}

func (d EnumDef) DefName() string { return d.Name }
func (EnumDef) schemaDef()        {}

// HasSymbol reports whether the symbol belongs to the enum.
func (d EnumDef) HasSymbol(sym string) bool {
	for _, s := range d.Symbols {
		if s == sym {
			return true
		}
	}
	return false
}
