package store

import (
	"reflect"
	"sort"

	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/schema"
)

// Get evaluates a query against the optimistic pool: candidate ids from the
// where clause's id shape, include materialization through the graph, then
// sort, filter, and limit. Results are memoized per query key while a
// subscription for that key is live.
func (s *Store) Get(q query.Query) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(q, q.Key(), false)
}

func (s *Store) getLocked(q query.Query, key string, force bool) []map[string]any {
	if !force {
		if snap, ok := s.snapshots[key]; ok {
			return snap
		}
	}

	ids := s.candidateIDsLocked(q)
	result := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		obj := s.materializeLocked(q.Resource, id, q.Include)
		if obj == nil {
			continue
		}
		result = append(result, obj)
	}

	query.ApplySort(result, q.Sort)

	limit, hasLimit := q.LimitValue()
	if len(q.Where) > 0 || hasLimit {
		filtered := make([]map[string]any, 0, len(result))
		for _, obj := range result {
			if hasLimit && len(filtered) >= limit {
				break
			}
			if len(q.Where) > 0 && !query.Evaluate(q.Where, obj) {
				continue
			}
			filtered = append(filtered, obj)
		}
		result = filtered
	}

	if !force {
		if _, subscribed := s.subs[key]; subscribed {
			s.snapshots[key] = result
		}
	}
	return result
}

// candidateIDsLocked derives the id set to materialize: the whole optimistic
// pool unless where.id narrows it to a scalar, $eq, or $in list.
func (s *Store) candidateIDsLocked(q query.Query) []string {
	if q.Where != nil {
		switch idClause := q.Where["id"].(type) {
		case string:
			return []string{idClause}
		case map[string]any:
			if eq, ok := idClause["$eq"].(string); ok {
				return []string{eq}
			}
			if in, ok := idClause["$in"].([]any); ok {
				ids := make([]string, 0, len(in))
				for _, v := range in {
					if id, ok := v.(string); ok {
						ids = append(ids, id)
					}
				}
				return ids
			}
		}
	}
	pool := s.optimistic[q.Resource]
	ids := make([]string, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// materializeLocked builds the plain-object tree for one entity: scalar
// fields flattened, one-includes inlined as {value: obj|nil}, many-includes
// as {value: [obj…]}. Missing entities yield nil.
func (s *Store) materializeLocked(resource, id string, include query.Include) map[string]any {
	e, ok := s.optimistic[resource][id]
	if !ok {
		return nil
	}
	obj := make(map[string]any, len(e.Fields)+len(include)+1)
	obj["id"] = id
	for name, f := range e.Fields {
		obj[name] = f.Value
	}

	ent := s.schema.Entity(resource)
	if ent == nil {
		return obj
	}
	for relName, sub := range include {
		rel, ok := ent.Relations[relName]
		if !ok {
			continue
		}
		nested, _ := includeOf(sub)
		switch rel.Kind {
		case schema.One:
			var child map[string]any
			if targetID, ok := e.FieldValue(rel.LocalColumn).(string); ok && targetID != "" {
				child = s.materializeLocked(rel.Target, targetID, nested)
			}
			if child == nil {
				obj[relName] = map[string]any{"value": nil}
			} else {
				obj[relName] = map[string]any{"value": child}
			}
		case schema.Many:
			sources := s.graph.ReferencedBy(id, rel.Target)
			sort.Strings(sources)
			children := make([]any, 0, len(sources))
			for _, srcID := range sources {
				if child := s.materializeLocked(rel.Target, srcID, nested); child != nil {
					children = append(children, child)
				}
			}
			obj[relName] = map[string]any{"value": children}
		}
	}
	return obj
}

func includeOf(v any) (query.Include, bool) {
	switch t := v.(type) {
	case query.Include:
		return t, true
	case map[string]any:
		return query.Include(t), true
	}
	return nil, false
}

// notifyCollections recomputes every subscription whose root resource or
// flat include set covers the mutated resource, updates snapshots, and
// fires callbacks for results that actually changed. Snapshots are stored
// before any listener runs, so a listener never observes state older than a
// snapshot it already received.
func (s *Store) notifyCollections(resource string) {
	type pending struct {
		cbs    []func([]map[string]any)
		result []map[string]any
	}
	var fire []pending

	s.mu.Lock()
	for key, sub := range s.subs {
		if sub.query.Resource != resource && !sub.flatIncludes[resource] {
			continue
		}
		next := s.getLocked(sub.query, key, true)
		if prev, ok := s.snapshots[key]; ok && reflect.DeepEqual(prev, next) {
			continue
		}
		s.snapshots[key] = next
		cbs := make([]func([]map[string]any), 0, len(sub.callbacks))
		for _, cb := range sub.callbacks {
			cbs = append(cbs, cb)
		}
		fire = append(fire, pending{cbs: cbs, result: next})
	}
	s.mu.Unlock()

	for _, p := range fire {
		for _, cb := range p.cbs {
			cb(p.result)
		}
	}
}

// Subscribe registers a collection callback for the query. The flat include
// set (resources reachable through the include tree and relation-valued
// where subtrees) is precomputed once. The returned unsubscribe is
// idempotent; dropping the last callback removes the entry and its snapshot.
func (s *Store) Subscribe(q query.Query, cb func(result []map[string]any)) func() {
	key := q.Key()
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		sub = &collectionSub{
			query:        q,
			callbacks:    make(map[int]func([]map[string]any)),
			flatIncludes: q.FlatIncludeResources(s.schema),
		}
		s.subs[key] = sub
	}
	s.nextCallback++
	token := s.nextCallback
	sub.callbacks[token] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sub, ok := s.subs[key]
		if !ok {
			return
		}
		delete(sub.callbacks, token)
		if len(sub.callbacks) == 0 {
			delete(s.subs, key)
			delete(s.snapshots, key)
		}
	}
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
