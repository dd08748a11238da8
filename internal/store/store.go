// Package store implements the optimistic client store: a reactive replica
// of the schema-defined dataset that layers in-flight local mutations over
// authoritative server state, maintains the FK-driven object graph, and
// serves queries with filters, sorts, and includes.
package store

import (
	"log"
	"sync"

	"github.com/relstate/relstate/internal/debug"
	"github.com/relstate/relstate/internal/graph"
	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/protocol"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/schema"
)

// CustomRef ties an optimistic default mutation back to the custom mutation
// message that produced it.
type CustomRef struct {
	Resource   string `json:"resource"`
	MutationID string `json:"mutationId"`
}

// UndoneRef identifies one mutation reverted by undoing a custom message.
type UndoneRef struct {
	Resource   string
	ResourceID string
	MutationID string
}

type collectionSub struct {
	query        query.Query
	callbacks    map[int]func(result []map[string]any)
	flatIncludes map[string]bool
}

// Store holds the authoritative and optimistic entity pools, the mutation
// stacks, the object graph, and the collection subscriptions. All state is
// guarded by a single mutex; subscription callbacks run outside it, after
// the triggering mutation fully applies.
type Store struct {
	schema *schema.Schema
	cache  Cache

	mu            sync.Mutex
	authoritative map[string]map[string]merge.Entity
	optimistic    map[string]map[string]merge.Entity
	stack         map[string][]protocol.Mutation
	customStack   []*protocol.Message
	customIndex   map[string][]CustomRef
	graph         *graph.Graph
	subs          map[string]*collectionSub
	snapshots     map[string][]map[string]any
	nextCallback  int

	// persistQueue serializes cache writes so a later stack snapshot can
	// never be overwritten by an earlier one.
	persistQueue chan func()
}

// New creates a store for the given schema. cache may be nil; when present,
// persisted entities and mutation stacks are loaded before first use.
func New(s *schema.Schema, cache Cache) *Store {
	st := &Store{
		schema:        s,
		cache:         cache,
		authoritative: make(map[string]map[string]merge.Entity),
		optimistic:    make(map[string]map[string]merge.Entity),
		stack:         make(map[string][]protocol.Mutation),
		customIndex:   make(map[string][]CustomRef),
		graph:         graph.New(),
		subs:          make(map[string]*collectionSub),
		snapshots:     make(map[string][]map[string]any),
	}
	if cache != nil {
		st.persistQueue = make(chan func(), 1024)
		go func() {
			for job := range st.persistQueue {
				job()
			}
		}()
		st.loadFromCache()
	}
	return st
}

// Close stops the cache persistence worker after draining queued writes.
// Stores without a cache need no cleanup.
func (s *Store) Close() {
	if s.persistQueue != nil {
		close(s.persistQueue)
	}
}

// Schema returns the schema the store was built with.
func (s *Store) Schema() *schema.Schema {
	return s.schema
}

// Graph exposes the object graph for per-node subscriptions.
func (s *Store) Graph() *graph.Graph {
	return s.graph
}

// AddMutation applies a default mutation. When optimistic, the mutation is
// appended to the per-resource stack without touching authoritative state;
// otherwise it confirms (pops any stack entry with the same id) and merges
// into the authoritative pool under last-writer-wins.
func (s *Store) AddMutation(mut protocol.Mutation, optimistic bool) {
	s.mu.Lock()
	if optimistic {
		s.stack[mut.Resource] = append(s.stack[mut.Resource], mut)
	} else {
		s.popStackEntryLocked(mut.Resource, mut.ID)
		pool := s.authoritative[mut.Resource]
		if pool == nil {
			pool = make(map[string]merge.Entity)
			s.authoritative[mut.Resource] = pool
		}
		cur, ok := pool[mut.ResourceID]
		if !ok {
			cur = merge.NewEntity(mut.ResourceID)
		}
		merged, accepted := merge.Apply(cur, mut.Payload.StripID())
		if len(accepted) > 0 {
			pool[mut.ResourceID] = merged
			s.persistEntity(mut.Resource, mut.ResourceID, merged.Fields)
		}
	}
	s.persistStacks()
	linkOps, changed := s.recomputeLocked(mut.Resource, mut.ResourceID)
	s.mu.Unlock()

	s.applyLinkOps(mut.Resource, mut.ResourceID, linkOps)
	if changed {
		s.graph.Notify(mut.ResourceID)
	}
	s.notifyCollections(mut.Resource)
}

// UndoMutation splices the identified optimistic mutation out of the stack
// and recomputes the affected entity from the shortened stack.
func (s *Store) UndoMutation(resource, mutationID string) {
	s.mu.Lock()
	popped, ok := s.popStackEntryLocked(resource, mutationID)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.persistStacks()
	linkOps, changed := s.recomputeLocked(resource, popped.ResourceID)
	s.mu.Unlock()

	s.applyLinkOps(resource, popped.ResourceID, linkOps)
	if changed {
		s.graph.Notify(popped.ResourceID)
	}
	s.notifyCollections(resource)
}

// PendingMutations returns every unconfirmed default mutation, per-resource
// FIFO order preserved, resources in sorted order. Used for reconnect replay.
func (s *Store) PendingMutations() []protocol.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Mutation
	for _, resource := range s.schema.Resources() {
		out = append(out, s.stack[resource]...)
	}
	return out
}

// Authoritative returns the server-confirmed entity, if present.
func (s *Store) Authoritative(resource, id string) (merge.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.authoritative[resource][id]
	return e, ok
}

// Optimistic returns the overlay entity, if present.
func (s *Store) Optimistic(resource, id string) (merge.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.optimistic[resource][id]
	return e, ok
}

// popStackEntryLocked splices the entry with the given mutation id out of
// the resource's stack.
func (s *Store) popStackEntryLocked(resource, mutationID string) (protocol.Mutation, bool) {
	entries := s.stack[resource]
	for i, m := range entries {
		if m.ID == mutationID {
			s.stack[resource] = append(entries[:i:i], entries[i+1:]...)
			return m, true
		}
	}
	return protocol.Mutation{}, false
}

// linkOp is a deferred graph edge update computed under the store lock and
// applied outside it.
type linkOp struct {
	targetType   string
	targetID     string // "" means remove only
	removeOld    bool
	createTarget bool
}

// recomputeLocked folds the resource's mutation stack over the authoritative
// entity to rebuild the optimistic view of (resource, id), and diffs FK
// columns to produce the graph link updates. Returns whether the optimistic
// entity changed.
func (s *Store) recomputeLocked(resource, id string) ([]linkOp, bool) {
	prev, hadPrev := s.optimistic[resource][id]

	base, hasAuth := s.authoritative[resource][id]
	next := merge.NewEntity(id)
	if hasAuth {
		next = base.Clone()
	}
	applied := hasAuth
	for _, m := range s.stack[resource] {
		if m.ResourceID != id {
			continue
		}
		next, _ = merge.Apply(next, m.Payload.StripID())
		applied = true
	}

	pool := s.optimistic[resource]
	if pool == nil {
		pool = make(map[string]merge.Entity)
		s.optimistic[resource] = pool
	}
	if applied {
		pool[id] = next
	} else {
		delete(pool, id)
		next = merge.NewEntity(id)
	}

	changed := !hadPrev && applied || hadPrev && !entitiesEqual(prev, next)

	// FK columns whose merged value moved get their links rewired.
	var ops []linkOp
	ent := s.schema.Entity(resource)
	if ent == nil {
		return nil, changed
	}
	for col, relName := range s.schema.OneRelationsByColumn(resource) {
		rel := ent.Relations[relName]
		prevID, _ := prev.FieldValue(col).(string)
		nextID, _ := next.FieldValue(col).(string)
		if prevID == nextID {
			continue
		}
		op := linkOp{targetType: rel.Target, targetID: nextID, removeOld: prevID != ""}
		if nextID != "" && !s.graph.Has(nextID) {
			op.createTarget = true
		}
		ops = append(ops, op)
	}
	return ops, changed
}

// applyLinkOps ensures the source node exists and applies the edge diffs.
// Target nodes are created lazily, seeded with their own incoming many-edges.
func (s *Store) applyLinkOps(resource, id string, ops []linkOp) {
	if !s.graph.Has(id) {
		if err := s.graph.CreateNode(id, resource, s.schema.IncomingMany(resource)); err != nil {
			debug.Logf("store: create node %s/%s: %v", resource, id, err)
		}
	}
	for _, op := range ops {
		if op.removeOld {
			if err := s.graph.RemoveLink(id, op.targetType); err != nil {
				debug.Logf("store: remove link %s -> %s: %v", id, op.targetType, err)
			}
		}
		if op.targetID == "" {
			continue
		}
		if op.createTarget && !s.graph.Has(op.targetID) {
			if err := s.graph.CreateNode(op.targetID, op.targetType, s.schema.IncomingMany(op.targetType)); err != nil {
				debug.Logf("store: create node %s/%s: %v", op.targetType, op.targetID, err)
			}
		}
		if err := s.graph.CreateLink(id, op.targetID); err != nil {
			debug.Logf("store: create link %s -> %s: %v", id, op.targetID, err)
		}
	}
}

func entitiesEqual(a, b merge.Entity) bool {
	if a.ID != b.ID || len(a.Fields) != len(b.Fields) {
		return false
	}
	for k, av := range a.Fields {
		bv, ok := b.Fields[k]
		if !ok || !fieldsEqual(av, bv) {
			return false
		}
	}
	return true
}

func fieldsEqual(a, b merge.Field) bool {
	if (a.Meta == nil) != (b.Meta == nil) {
		return false
	}
	if a.Meta != nil && a.Meta.Timestamp != b.Meta.Timestamp {
		return false
	}
	return valuesEqual(a.Value, b.Value)
}

func (s *Store) persistEntity(resource, id string, fields merge.Payload) {
	if s.cache == nil {
		return
	}
	s.persistQueue <- func() {
		if err := s.cache.PutEntity(resource, id, fields); err != nil {
			log.Printf("store: cache write %s/%s: %v", resource, id, err)
		}
	}
}

func (s *Store) persistStacks() {
	if s.cache == nil {
		return
	}
	snap := PersistedStacks{
		Mutations:   make(map[string][]protocol.Mutation, len(s.stack)),
		Custom:      append([]*protocol.Message(nil), s.customStack...),
		CustomIndex: make(map[string][]CustomRef, len(s.customIndex)),
	}
	for res, entries := range s.stack {
		snap.Mutations[res] = append([]protocol.Mutation(nil), entries...)
	}
	for id, refs := range s.customIndex {
		snap.CustomIndex[id] = append([]CustomRef(nil), refs...)
	}
	s.persistQueue <- func() {
		if err := s.cache.SaveStacks(snap); err != nil {
			log.Printf("store: cache stack write: %v", err)
		}
	}
}

func (s *Store) loadFromCache() {
	entities, err := s.cache.LoadAll()
	if err != nil {
		log.Printf("store: cache load: %v", err)
	}
	for resource, byID := range entities {
		if !s.schema.Has(resource) {
			continue
		}
		for id, fields := range byID {
			s.mu.Lock()
			pool := s.authoritative[resource]
			if pool == nil {
				pool = make(map[string]merge.Entity)
				s.authoritative[resource] = pool
			}
			e := merge.NewEntity(id)
			e, _ = merge.Apply(e, fields)
			pool[id] = e
			ops, _ := s.recomputeLocked(resource, id)
			s.mu.Unlock()
			s.applyLinkOps(resource, id, ops)
		}
	}
	stacks, err := s.cache.LoadStacks()
	if err != nil {
		log.Printf("store: cache stack load: %v", err)
		return
	}
	for resource, entries := range stacks.Mutations {
		if !s.schema.Has(resource) {
			continue
		}
		for _, m := range entries {
			s.mu.Lock()
			s.stack[resource] = append(s.stack[resource], m)
			ops, _ := s.recomputeLocked(resource, m.ResourceID)
			s.mu.Unlock()
			s.applyLinkOps(resource, m.ResourceID, ops)
		}
	}
	s.mu.Lock()
	s.customStack = append(s.customStack, stacks.Custom...)
	for id, refs := range stacks.CustomIndex {
		s.customIndex[id] = refs
	}
	s.mu.Unlock()
}
