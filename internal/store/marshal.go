package store

import (
	"encoding/json"
	"fmt"

	"github.com/kilnworks/kiln/internal/schema"
)

// Schema definitions persist as plain JSON documents. The stored form is a
// storage detail only; identity always comes from the structural fingerprint
// recomputed at load time.

type defJSON struct {
	Def     string      `json:"def"` // "record" | "enum"
	Name    string      `json:"name"`
	Fields  []fieldJSON `json:"fields,omitempty"`
	Symbols []string    `json:"symbols,omitempty"`
	Default string      `json:"default,omitempty"`
}

type fieldJSON struct {
	Name string   `json:"name"`
	Type typeJSON `json:"type"`
}

type typeJSON struct {
	Kind  string    `json:"kind"`
	Named string    `json:"named,omitempty"`
	Elem  *typeJSON `json:"elem,omitempty"`
}

func marshalDef(def schema.Def) (string, error) {
	var doc defJSON
	switch d := def.(type) {
	case schema.RecordDef:
		doc = defJSON{Def: "record", Name: d.Name}
		for _, f := range d.Fields {
			doc.Fields = append(doc.Fields, fieldJSON{Name: f.Name, Type: encodeType(f.Type)})
		}
	case schema.EnumDef:
		doc = defJSON{Def: "enum", Name: d.Name, Symbols: d.Symbols, Default: d.Default}
	default:
		return "", fmt.Errorf("marshal def: unknown definition type %T", def)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal def %q: %w", def.DefName(), err)
	}
	return string(data), nil
}

func unmarshalDef(data string) (schema.Def, error) {
	var doc defJSON
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal def: %w", err)
	}

	switch doc.Def {
	case "record":
		rec := schema.RecordDef{Name: doc.Name}
		for _, f := range doc.Fields {
			t, err := decodeType(f.Type)
			if err != nil {
				return nil, fmt.Errorf("unmarshal def %q field %q: %w", doc.Name, f.Name, err)
			}
			rec.Fields = append(rec.Fields, schema.Field{Name: f.Name, Type: t})
		}
		return rec, nil
	case "enum":
		return schema.EnumDef{Name: doc.Name, Symbols: doc.Symbols, Default: doc.Default}, nil
	default:
		return nil, fmt.Errorf("unmarshal def: unknown def kind %q", doc.Def)
	}
}

func encodeType(t schema.Type) typeJSON {
	out := typeJSON{Kind: t.Kind.String(), Named: t.Named}
	if t.Elem != nil {
		elem := encodeType(*t.Elem)
		out.Elem = &elem
	}
	return out
}

func decodeType(t typeJSON) (schema.Type, error) {
	switch t.Kind {
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
		return schema.Ref(t.Named), nil
	case "record":
		return schema.Record(t.Named), nil
	case "enum":
		return schema.Enum(t.Named), nil
	case "array", "map":
		if t.Elem == nil {
			return schema.Type{}, fmt.Errorf("%s without element type", t.Kind)
		}
		elem, err := decodeType(*t.Elem)
		if err != nil {
			return schema.Type{}, err
		}
		if t.Kind == "array" {
			return schema.Array(elem), nil
		}
		return schema.Map(elem), nil
	default:
		return schema.Type{}, fmt.Errorf("unknown type kind %q", t.Kind)
	}
}
