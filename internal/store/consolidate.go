package store

import (
	"fmt"

	"github.com/relstate/relstate/internal/debug"
	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/protocol"
	"github.com/relstate/relstate/internal/schema"
)

// LoadConsolidatedState ingests a server snapshot for one resource. Each
// payload may inline relation values: a one-relation carries a nested
// object, a many-relation an array of nested objects (either shape may be
// wrapped in a {value: …} envelope). Nested objects are split into their
// own INSERT mutations against the target resources, then every resulting
// mutation is applied as authoritative state.
func (s *Store) LoadConsolidatedState(resource string, payloads []map[string]any) error {
	var muts []protocol.Mutation
	for _, p := range payloads {
		if err := s.splitPayload(resource, p, &muts); err != nil {
			return err
		}
	}
	for _, m := range muts {
		s.AddMutation(m, false)
	}
	return nil
}

// splitPayload extracts nested relation shapes out of a raw wire payload,
// appending one INSERT mutation per discovered entity (parent first).
func (s *Store) splitPayload(resource string, raw map[string]any, out *[]protocol.Mutation) error {
	ent := s.schema.Entity(resource)
	if ent == nil {
		return fmt.Errorf("store: unknown resource %q in consolidated state", resource)
	}
	idField, ok := merge.FieldFromAny(raw["id"])
	if !ok {
		return fmt.Errorf("store: %s payload missing id envelope", resource)
	}
	id, ok := idField.Value.(string)
	if !ok || id == "" {
		return fmt.Errorf("store: %s payload id is not a string", resource)
	}

	cleaned := merge.Payload{}
	var nested []func() error
	for name, v := range raw {
		if name == "id" {
			continue
		}
		if rel, isRel := ent.Relations[name]; isRel {
			target := rel.Target
			for _, child := range nestedObjects(rel, v) {
				child := child
				nested = append(nested, func() error {
					return s.splitPayload(target, child, out)
				})
			}
			continue
		}
		f, ok := merge.FieldFromAny(v)
		if !ok {
			debug.Logf("store: dropping malformed field %s.%s in consolidated payload", resource, name)
			continue
		}
		cleaned[name] = f
	}

	*out = append(*out, protocol.Mutation{
		ID:         protocol.NewID(),
		Resource:   resource,
		ResourceID: id,
		Procedure:  protocol.ProcedureInsert,
		Payload:    cleaned,
	})
	for _, split := range nested {
		if err := split(); err != nil {
			return err
		}
	}
	return nil
}

// nestedObjects normalizes the tolerated relation shapes into a list of raw
// entity maps: bare object, {value: obj}, {value: [obj…]}, or [obj…] /
// [{value: obj}…].
func nestedObjects(rel schema.Relation, v any) []map[string]any {
	unwrapOne := func(item any) (map[string]any, bool) {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		// A {value: obj} wrapper is unwrapped; an entity map (has an id
		// envelope) passes through.
		if inner, ok := m["value"].(map[string]any); ok && len(m) == 1 {
			m = inner
		}
		if _, hasID := m["id"]; !hasID {
			return nil, false
		}
		return m, true
	}

	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		if arr, ok := t["value"].([]any); ok && len(t) == 1 {
			items = arr
		} else {
			items = []any{t}
		}
	default:
		return nil
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := unwrapOne(item); ok {
			out = append(out, m)
		}
	}
	return out
}
