// Package memory provides the in-memory storage backend used by tests and
// ephemeral servers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/storage"
)

// Store keeps every entity in process memory, keyed resource then id.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]merge.Entity
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string]map[string]merge.Entity)}
}

func (s *Store) FindMany(ctx context.Context, resource string, where query.Where) ([]merge.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := s.data[resource]
	ids := make([]string, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []merge.Entity
	for _, id := range ids {
		e := pool[id]
		if storage.MatchScalar(e, where) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) FindByID(ctx context.Context, resource, id string) (merge.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[resource][id]
	if !ok {
		return merge.Entity{}, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, resource, id)
	}
	return e.Clone(), nil
}

func (s *Store) Insert(ctx context.Context, resource string, e merge.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := s.data[resource]
	if pool == nil {
		pool = make(map[string]merge.Entity)
		s.data[resource] = pool
	}
	if _, ok := pool[e.ID]; ok {
		return fmt.Errorf("%w: %s/%s", storage.ErrAlreadyExists, resource, e.ID)
	}
	pool[e.ID] = e.Clone()
	return nil
}

func (s *Store) Update(ctx context.Context, resource string, e merge.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := s.data[resource]
	if _, ok := pool[e.ID]; !ok {
		return fmt.Errorf("%w: %s/%s", storage.ErrNotFound, resource, e.ID)
	}
	pool[e.ID] = e.Clone()
	return nil
}

func (s *Store) Close() error {
	return nil
}
