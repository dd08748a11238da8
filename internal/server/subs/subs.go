// Package subs implements the server subscription manager: a per-resource
// registry of live queries that re-evaluates each mutation against the
// first level of the query's where clause plus the subscriber's
// authorization clause, and publishes per-mutation notifications.
package subs

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/protocol"
	"github.com/relstate/relstate/internal/query"
)

// Callback receives the mutation to forward to one subscriber. Errors are
// logged; a failing subscriber never blocks the rest of the fan-out.
type Callback func(mut protocol.Mutation) error

type entry struct {
	id         string
	query      query.Query
	firstLevel query.Where
	authWhere  query.Where
	callbacks  map[int]Callback
}

// Manager is the per-resource subscription registry.
type Manager struct {
	mu         sync.Mutex
	notifyMu   sync.Mutex
	byResource map[string]map[string]*entry
	nextToken  int
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{byResource: make(map[string]map[string]*entry)}
}

// SubscribeToMutations registers a live query. Relation-valued subclauses
// of the where tree are projected out once at registration; they are
// re-evaluated only by re-running the full query. The optional
// authorizationWhere is evaluated alongside the query's own clause.
// Returns the subscription id and an idempotent unsubscribe.
func (m *Manager) SubscribeToMutations(q query.Query, cb Callback, authorizationWhere query.Where) (string, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.byResource[q.Resource]
	if byID == nil {
		byID = make(map[string]*entry)
		m.byResource[q.Resource] = byID
	}
	e := &entry{
		id:         uuid.NewString(),
		query:      q,
		firstLevel: query.StripRelationClauses(q.Where),
		authWhere:  authorizationWhere,
		callbacks:  make(map[int]Callback),
	}
	m.nextToken++
	token := m.nextToken
	e.callbacks[token] = cb
	byID[e.id] = e

	var once sync.Once
	return e.id, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if byID, ok := m.byResource[q.Resource]; ok {
				if cur, ok := byID[e.id]; ok {
					delete(cur.callbacks, token)
					if len(cur.callbacks) == 0 {
						delete(byID, e.id)
					}
				}
				if len(byID) == 0 {
					delete(m.byResource, q.Resource)
				}
			}
		})
	}
}

// Count reports the live subscription count for a resource.
func (m *Manager) Count(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byResource[resource])
}

// NotifySubscribers fans a mutation out to the resource's subscribers.
// before is the entity state prior to the merge (zero if it did not exist),
// after the merged state. The emitted procedure encodes the match
// transition: a newly matching entity goes out as an INSERT carrying the
// full current payload, a still-matching or no-longer-matching one as an
// UPDATE carrying just the mutation's payload (the client's own where
// filtering removes departures from its view).
//
// Fan-out for one mutation completes before the next mutation's fan-out
// begins; within it, callbacks run sequentially and exceptions are isolated
// per subscriber.
func (m *Manager) NotifySubscribers(mut protocol.Mutation, before, after merge.Entity) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.byResource[mut.Resource]))
	for _, e := range m.byResource[mut.Resource] {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	beforeVal := merge.InferValue(before)
	afterVal := merge.InferValue(after)

	for _, e := range entries {
		prevMatch := !before.IsZero() && e.matches(beforeVal)
		nowMatch := e.matches(afterVal)
		if !prevMatch && !nowMatch {
			continue
		}

		out := mut
		if !prevMatch && nowMatch {
			out.Procedure = protocol.ProcedureInsert
			out.Payload = after.Fields.Clone()
		}

		m.mu.Lock()
		cbs := make([]Callback, 0, len(e.callbacks))
		for _, cb := range e.callbacks {
			cbs = append(cbs, cb)
		}
		m.mu.Unlock()
		for _, cb := range cbs {
			if err := safeCall(cb, out); err != nil {
				log.Printf("subs: subscriber %s callback: %v", e.id, err)
			}
		}
	}
}

func (e *entry) matches(value map[string]any) bool {
	if len(e.firstLevel) > 0 && !query.Evaluate(e.firstLevel, value) {
		return false
	}
	if len(e.authWhere) > 0 && !query.Evaluate(e.authWhere, value) {
		return false
	}
	return true
}

func safeCall(cb Callback, mut protocol.Mutation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r}
		}
	}()
	return cb(mut)
}

type panicError struct{ val any }

func (p *panicError) Error() string {
	return fmt.Sprintf("panic in subscriber callback: %v", p.val)
}
