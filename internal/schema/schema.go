// Package schema defines the relational schema shared by the client store and
// the server engine: entity types, scalar field specs, and one/many relations.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// FieldType enumerates the scalar types a field can carry on the wire.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeJSON      FieldType = "json"
)

// RelationKind distinguishes the owning side of a foreign key.
type RelationKind string

const (
	// One means this entity carries the foreign key (LocalColumn) pointing
	// at a single row of the target resource.
	One RelationKind = "one"
	// Many means rows of the target resource point back at this entity
	// through ForeignColumn.
	Many RelationKind = "many"
)

// FieldSpec describes a single scalar field.
type FieldSpec struct {
	Type    FieldType `yaml:"type"`
	Default any       `yaml:"default,omitempty"`
}

// Relation describes one edge of the relational graph as seen from the
// entity that declares it.
type Relation struct {
	Kind   RelationKind `yaml:"kind"`
	Target string       `yaml:"target"`
	// LocalColumn is the FK column on this entity (one side only).
	LocalColumn string `yaml:"localColumn,omitempty"`
	// ForeignColumn is the FK column on the target entity (many side only).
	ForeignColumn string `yaml:"foreignColumn,omitempty"`
}

// Entity declares a resource type: its name, scalar fields, and relations.
// Every entity implicitly exposes an opaque string primary key named "id";
// it must not appear in Fields.
type Entity struct {
	Name      string
	Fields    map[string]FieldSpec
	Relations map[string]Relation
}

// Schema is the full set of entities, keyed by resource name.
type Schema struct {
	entities map[string]*Entity
}

// New builds a schema from entity declarations and validates relation
// targets and FK columns.
func New(entities ...*Entity) (*Schema, error) {
	s := &Schema{entities: make(map[string]*Entity, len(entities))}
	for _, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("schema: entity with empty name")
		}
		if _, dup := s.entities[e.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate entity %q", e.Name)
		}
		if _, hasID := e.Fields["id"]; hasID {
			return nil, fmt.Errorf("schema: entity %q declares reserved field \"id\"", e.Name)
		}
		s.entities[e.Name] = e
	}
	for _, e := range s.entities {
		for relName, rel := range e.Relations {
			if _, ok := s.entities[rel.Target]; !ok {
				return nil, fmt.Errorf("schema: %s.%s targets unknown entity %q", e.Name, relName, rel.Target)
			}
			switch rel.Kind {
			case One:
				if rel.LocalColumn == "" {
					return nil, fmt.Errorf("schema: one relation %s.%s missing localColumn", e.Name, relName)
				}
			case Many:
				if rel.ForeignColumn == "" {
					return nil, fmt.Errorf("schema: many relation %s.%s missing foreignColumn", e.Name, relName)
				}
			default:
				return nil, fmt.Errorf("schema: relation %s.%s has invalid kind %q", e.Name, relName, rel.Kind)
			}
		}
	}
	return s, nil
}

// Entity returns the declaration for a resource, or nil if unknown.
func (s *Schema) Entity(name string) *Entity {
	return s.entities[name]
}

// Has reports whether the resource exists in the schema.
func (s *Schema) Has(name string) bool {
	_, ok := s.entities[name]
	return ok
}

// Resources returns all resource names in sorted order. The order matters
// for deterministic bootstrap queries and hashing.
func (s *Schema) Resources() []string {
	names := make([]string, 0, len(s.entities))
	for name := range s.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IncomingMany returns the source resource names that hold a many-edge into
// the given resource. Graph nodes of this type pre-seed their reverse-edge
// map with one empty set per returned name.
func (s *Schema) IncomingMany(resource string) []string {
	e := s.entities[resource]
	if e == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, rel := range e.Relations {
		if rel.Kind == Many {
			seen[rel.Target] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OneRelationsByColumn maps each local FK column of the resource to the name
// of the one-relation it implements. Used by the store to maintain graph
// links when a mutation touches an FK field.
func (s *Schema) OneRelationsByColumn(resource string) map[string]string {
	e := s.entities[resource]
	if e == nil {
		return nil
	}
	cols := make(map[string]string)
	for relName, rel := range e.Relations {
		if rel.Kind == One {
			cols[rel.LocalColumn] = relName
		}
	}
	return cols
}

// Hash returns a stable content hash of the schema, computed from sorted
// entity names and field specs. The sqlite backend resets its state when
// this changes; the store's client cache interface is not given the hash.
func (s *Schema) Hash() string {
	h := sha256.New()
	for _, name := range s.Resources() {
		e := s.entities[name]
		fmt.Fprintf(h, "entity:%s\n", name)
		fields := make([]string, 0, len(e.Fields))
		for f := range e.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			spec := e.Fields[f]
			fmt.Fprintf(h, "field:%s:%s:%v\n", f, spec.Type, spec.Default)
		}
		rels := make([]string, 0, len(e.Relations))
		for r := range e.Relations {
			rels = append(rels, r)
		}
		sort.Strings(rels)
		for _, r := range rels {
			rel := e.Relations[r]
			fmt.Fprintf(h, "rel:%s:%s:%s:%s:%s\n", r, rel.Kind, rel.Target, rel.LocalColumn, rel.ForeignColumn)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String renders a short human-readable summary, useful in debug output.
func (s *Schema) String() string {
	var b strings.Builder
	for i, name := range s.Resources() {
		if i > 0 {
			b.WriteString(", ")
		}
		e := s.entities[name]
		fmt.Fprintf(&b, "%s(%d fields, %d relations)", name, len(e.Fields), len(e.Relations))
	}
	return b.String()
}
