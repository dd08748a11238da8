package merge

import (
	"encoding/json"
	"fmt"
)

// EncodeEntity renders an entity in wire form: the id as a bare value
// envelope plus every field envelope.
//
//	{"id": {"value": "u1"}, "name": {"value": "Ann", "_meta": {"timestamp": "…"}}}
func EncodeEntity(e Entity) map[string]any {
	out := make(map[string]any, len(e.Fields)+1)
	out["id"] = map[string]any{"value": e.ID}
	for name, f := range e.Fields {
		out[name] = encodeField(f)
	}
	return out
}

func encodeField(f Field) map[string]any {
	m := map[string]any{"value": f.Value}
	if f.Meta != nil && f.Meta.Timestamp != "" {
		m["_meta"] = map[string]any{"timestamp": f.Meta.Timestamp}
	}
	return m
}

// FieldFromAny interprets a decoded JSON value as a field envelope. It
// accepts {"value": …} with an optional {"_meta": {"timestamp": …}}.
func FieldFromAny(v any) (Field, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Field{}, false
	}
	val, ok := m["value"]
	if !ok {
		return Field{}, false
	}
	f := Field{Value: val}
	if rawMeta, ok := m["_meta"].(map[string]any); ok {
		if ts, ok := rawMeta["timestamp"].(string); ok {
			f.Meta = &Meta{Timestamp: ts}
		}
	}
	return f, true
}

// DecodeEntity parses a wire-form entity map back into an Entity. The map
// must carry an id envelope; unknown shapes under other keys are rejected.
// Inverse of EncodeEntity.
func DecodeEntity(m map[string]any) (Entity, error) {
	idField, ok := FieldFromAny(m["id"])
	if !ok {
		return Entity{}, fmt.Errorf("merge: entity payload missing id envelope")
	}
	id, ok := idField.Value.(string)
	if !ok || id == "" {
		return Entity{}, fmt.Errorf("merge: entity id is not a string")
	}
	e := NewEntity(id)
	for name, raw := range m {
		if name == "id" {
			continue
		}
		f, ok := FieldFromAny(raw)
		if !ok {
			return Entity{}, fmt.Errorf("merge: field %q is not a value envelope", name)
		}
		e.Fields[name] = f
	}
	return e, nil
}

// DecodePayload parses raw JSON into a mutation payload, stripping any id.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("merge: invalid payload: %w", err)
	}
	return p.StripID(), nil
}
