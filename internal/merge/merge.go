// Package merge implements the materialized entity model: per-field value
// envelopes carrying a write timestamp, and last-writer-wins merging of
// mutation payloads into entities.
package merge

import (
	"time"
)

// Meta carries the bookkeeping attached to every field write.
type Meta struct {
	// Timestamp is the ISO-8601 time of the write. Empty means unknown,
	// which loses to any timestamped write.
	Timestamp string `json:"timestamp,omitempty"`
}

// Field is the envelope stored per field: the scalar value plus merge
// metadata. Values are JSON-decoded (string, float64, bool, nil, or
// nested map/slice for json-typed fields).
type Field struct {
	Value any   `json:"value"`
	Meta  *Meta `json:"_meta,omitempty"`
}

// Payload is a mutation payload: field name to envelope. It must not
// contain "id"; use StripID before merging untrusted input.
type Payload map[string]Field

// Entity is a materialized entity: an id plus the envelope per field.
type Entity struct {
	ID     string
	Fields Payload
}

// NewEntity returns an empty entity with the given id.
func NewEntity(id string) Entity {
	return Entity{ID: id, Fields: Payload{}}
}

// IsZero reports whether the entity carries no id and no fields.
func (e Entity) IsZero() bool {
	return e.ID == "" && len(e.Fields) == 0
}

// Clone returns a deep-enough copy: the field map is copied, envelope
// values are shared (treated as immutable once stored).
func (e Entity) Clone() Entity {
	out := Entity{ID: e.ID, Fields: make(Payload, len(e.Fields))}
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return out
}

// StripID removes any "id" key from a payload. Entity ids are never mutable;
// the id always comes from the mutation's resourceId.
func (p Payload) StripID() Payload {
	if _, ok := p["id"]; !ok {
		return p
	}
	out := make(Payload, len(p))
	for k, v := range p {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone copies the payload map.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// newer reports whether an incoming write with meta in beats the stored
// write with meta cur. Missing meta is lowest priority; equal timestamps
// accept the incoming write (last writer wins on ties).
func newer(in, cur *Meta) bool {
	switch {
	case cur == nil || cur.Timestamp == "":
		return true
	case in == nil || in.Timestamp == "":
		return false
	}
	it, ierr := time.Parse(time.RFC3339Nano, in.Timestamp)
	ct, cerr := time.Parse(time.RFC3339Nano, cur.Timestamp)
	if ierr != nil || cerr != nil {
		// Unparseable timestamps fall back to lexicographic comparison,
		// which is correct for uniformly formatted ISO-8601 strings.
		return in.Timestamp >= cur.Timestamp
	}
	return !it.Before(ct)
}

// Apply merges a payload into an entity field by field under last-writer-wins
// and returns the merged entity plus the names of the fields that were
// accepted. A field whose timestamp is older than the stored one is dropped.
// Any "id" key in the payload is ignored.
func Apply(e Entity, p Payload) (Entity, []string) {
	merged := e.Clone()
	var accepted []string
	for name, in := range p {
		if name == "id" {
			continue
		}
		cur, exists := merged.Fields[name]
		if exists && !newer(in.Meta, cur.Meta) {
			continue
		}
		merged.Fields[name] = in
		accepted = append(accepted, name)
	}
	return merged, accepted
}

// Accepted filters a payload down to the given accepted field names.
func (p Payload) Accepted(names []string) Payload {
	out := make(Payload, len(names))
	for _, n := range names {
		if f, ok := p[n]; ok {
			out[n] = f
		}
	}
	return out
}

// FieldValue returns the plain value of a field, or nil if absent.
func (e Entity) FieldValue(name string) any {
	if name == "id" {
		return e.ID
	}
	f, ok := e.Fields[name]
	if !ok {
		return nil
	}
	return f.Value
}

// InferValue flattens a materialized entity into a plain map of field name
// to scalar value (with "id" included), the shape predicates evaluate
// against.
func InferValue(e Entity) map[string]any {
	out := make(map[string]any, len(e.Fields)+1)
	out["id"] = e.ID
	for name, f := range e.Fields {
		out[name] = f.Value
	}
	return out
}
