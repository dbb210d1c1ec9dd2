package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilnworks/kiln/internal/value"
)

// DecodeValue parses JSON produced by value.MarshalCanonical (or the display
// marshaler) back into a typed value. The schema type directs the decode:
// canonical JSON alone cannot distinguish a string from an enum symbol or a
// base64 bytes payload.
func (r *Registry) DecodeValue(t Type, data []byte) (value.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return r.decodeAny(t, raw)
}

func (r *Registry) decodeAny(t Type, raw any) (value.Value, error) {
	switch t.Kind {
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		return value.Bool(b), nil
	case KindInt:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int64", ErrTypeMismatch, n)
		}
		return value.Int(i), nil
	case KindFloat:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float64", ErrTypeMismatch, n)
		}
		return value.Float(f), nil
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		return value.String(s), nil
	case KindBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 bytes: %v", ErrTypeMismatch, err)
		}
		return value.Bytes(b), nil
	case KindRef:
		if raw == nil {
			return value.NullRef(), nil
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		target, ok := obj["$ref"].(string)
		if !ok || len(obj) != 1 {
			return nil, fmt.Errorf("%w: ref must be null or {\"$ref\": id}", ErrTypeMismatch)
		}
		return value.Ref{Target: value.ObjectID(target)}, nil
	case KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		sym := value.Enum(s)
		if err := r.CheckValue(t, sym); err != nil {
			return nil, err
		}
		return sym, nil
	case KindRecord:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		def, found := r.lookupDef(t.Named)
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, t.Named)
		}
		rec, isRec := def.(RecordDef)
		if !isRec {
			return nil, fmt.Errorf("%w: %q is not a record", ErrTypeMismatch, t.Named)
		}
		out := make(value.Map, len(rec.Fields))
		for _, f := range rec.Fields {
			fraw, present := obj[f.Name]
			if !present {
				return nil, fmt.Errorf("%w: record %q missing field %q", ErrTypeMismatch, rec.Name, f.Name)
			}
			fv, err := r.decodeAny(f.Type, fraw)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			out[f.Name] = fv
		}
		if len(obj) != len(rec.Fields) {
			return nil, fmt.Errorf("%w: record %q has unexpected fields", ErrTypeMismatch, rec.Name)
		}
		return out, nil
	case KindArray:
		arr, ok := raw.([]any)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		out := make(value.Array, 0, len(arr))
		for i, elem := range arr {
			ev, err := r.decodeAny(*t.Elem, elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, ev)
		}
		return out, nil
	case KindMap:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, decodeMismatch(t, raw)
		}
		out := make(value.Map, len(obj))
		for k, elem := range obj {
			ev, err := r.decodeAny(*t.Elem, elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: invalid kind %d", ErrInvalidSchema, int(t.Kind))
	}
}

func decodeMismatch(t Type, raw any) error {
	kind := fmt.Sprintf("%T", raw)
	if n, ok := raw.(json.Number); ok {
		kind = "number"
		if strings.ContainsAny(n.String(), ".eE") {
			kind = "float"
		}
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, t.Kind, kind)
}
