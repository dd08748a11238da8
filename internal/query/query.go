// Package query defines the query model shared by the client store, the
// wire protocol, and the server planner: where predicates, include trees,
// sort keys, and stable query hashing.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/relstate/relstate/internal/schema"
)

// Where is a predicate tree. Keys are field names or the logical operators
// $and / $or / $not; field values are bare scalars (equality), operator maps
// ({$gt: 3}), or nested predicates on relation values.
type Where map[string]any

// Include selects relations to inline under query results. Values are true
// or a nested Include for deeper traversal.
type Include map[string]any

// SortKey orders results by one field.
type SortKey struct {
	Key       string `json:"key"`
	Direction string `json:"direction"` // "asc" or "desc"
}

// Query is a normalized query against one resource.
type Query struct {
	Resource string    `json:"resource"`
	Where    Where     `json:"where,omitempty"`
	Include  Include   `json:"include,omitempty"`
	Sort     []SortKey `json:"sort,omitempty"`
	Limit    *int      `json:"limit,omitempty"`
}

// Key returns the stable hash of the normalized query, used to key
// collection subscriptions and snapshots. encoding/json emits map keys in
// sorted order, so equal queries always hash identically.
func (q Query) Key() string {
	data, err := json.Marshal(q)
	if err != nil {
		// Queries come from JSON; marshaling back cannot fail in practice.
		data = []byte(fmt.Sprintf("%#v", q))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// LimitValue returns the limit and whether one was set.
func (q Query) LimitValue() (int, bool) {
	if q.Limit == nil {
		return 0, false
	}
	return *q.Limit, true
}

// FlatIncludeResources returns the set of resource names reachable from the
// query's include tree, plus resources referenced by relation-valued where
// subtrees. A mutation to any of these can change the query's result.
func (q Query) FlatIncludeResources(s *schema.Schema) map[string]bool {
	out := make(map[string]bool)
	flattenInclude(s, q.Resource, q.Include, out)
	flattenWhereRelations(s, q.Resource, q.Where, out)
	return out
}

func flattenInclude(s *schema.Schema, resource string, inc Include, out map[string]bool) {
	ent := s.Entity(resource)
	if ent == nil {
		return
	}
	for relName, sub := range inc {
		rel, ok := ent.Relations[relName]
		if !ok {
			continue
		}
		if !out[rel.Target] {
			out[rel.Target] = true
			if nested, ok := asInclude(sub); ok {
				flattenInclude(s, rel.Target, nested, out)
			}
		} else if nested, ok := asInclude(sub); ok {
			flattenInclude(s, rel.Target, nested, out)
		}
	}
}

func asInclude(v any) (Include, bool) {
	switch t := v.(type) {
	case Include:
		return t, true
	case map[string]any:
		return Include(t), true
	}
	return nil, false
}

// flattenWhereRelations walks a where tree (flattening $and/$or/$not) and
// collects the targets of relation-valued subclauses, so that a change to a
// joined entity re-runs queries whose predicate reads it.
func flattenWhereRelations(s *schema.Schema, resource string, w Where, out map[string]bool) {
	ent := s.Entity(resource)
	if ent == nil || len(w) == 0 {
		return
	}
	for key, clause := range w {
		switch key {
		case "$and", "$or":
			for _, sub := range toSlice(clause) {
				if m, ok := sub.(map[string]any); ok {
					flattenWhereRelations(s, resource, Where(m), out)
				}
			}
		case "$not":
			if m, ok := clause.(map[string]any); ok {
				flattenWhereRelations(s, resource, Where(m), out)
			}
		default:
			rel, isRel := ent.Relations[key]
			if !isRel {
				continue
			}
			if m, ok := clause.(map[string]any); ok && !isOperatorMap(m) {
				out[rel.Target] = true
				flattenWhereRelations(s, rel.Target, Where(m), out)
			}
		}
	}
}

func toSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []Where:
		out := make([]any, len(t))
		for i, w := range t {
			out[i] = map[string]any(w)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, w := range t {
			out[i] = w
		}
		return out
	}
	return nil
}

// StripRelationClauses returns the first-level projection of a where tree:
// logical operators are kept (recursively) but field clauses whose value is
// a nested relation predicate are dropped. The server subscription filter
// evaluates mutations against this projection only.
func StripRelationClauses(w Where) Where {
	if len(w) == 0 {
		return w
	}
	out := make(Where, len(w))
	for key, clause := range w {
		switch key {
		case "$and", "$or":
			var kept []any
			for _, sub := range toSlice(clause) {
				if m, ok := sub.(map[string]any); ok {
					if stripped := StripRelationClauses(Where(m)); len(stripped) > 0 {
						kept = append(kept, map[string]any(stripped))
					}
				}
			}
			if len(kept) > 0 {
				out[key] = kept
			}
		case "$not":
			if m, ok := clause.(map[string]any); ok {
				if stripped := StripRelationClauses(Where(m)); len(stripped) > 0 {
					out[key] = map[string]any(stripped)
				}
			}
		default:
			if m, ok := clause.(map[string]any); ok && !isOperatorMap(m) {
				continue // relation-valued subclause
			}
			out[key] = clause
		}
	}
	return out
}

// And combines two predicates; either may be empty.
func And(a, b Where) Where {
	switch {
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	return Where{"$and": []any{map[string]any(a), map[string]any(b)}}
}
