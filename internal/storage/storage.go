// Package storage defines the interface for server entity storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/query"
)

// ErrNotFound is returned when an entity id does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned on insert of an existing id.
var ErrAlreadyExists = errors.New("storage: already exists")

// Store is the persistence surface the query planner and the mutation
// dispatcher consume. Backends evaluate the scalar (first-level) portion of
// a where clause and ignore relation-valued subclauses, which can arrive
// with the root query's where; the planner applies those after assembly.
type Store interface {
	// FindMany returns entities of the resource matching the where clause.
	FindMany(ctx context.Context, resource string, where query.Where) ([]merge.Entity, error)
	// FindByID returns one entity or ErrNotFound.
	FindByID(ctx context.Context, resource, id string) (merge.Entity, error)
	// Insert stores a new entity; ErrAlreadyExists if the id is taken.
	Insert(ctx context.Context, resource string, e merge.Entity) error
	// Update replaces a stored entity; ErrNotFound if absent.
	Update(ctx context.Context, resource string, e merge.Entity) error
	// Close releases backend resources.
	Close() error
}

// MatchScalar evaluates the scalar projection of a where clause against an
// entity, the shared filtering rule for backends without native predicate
// pushdown.
func MatchScalar(e merge.Entity, where query.Where) bool {
	if len(where) == 0 {
		return true
	}
	return query.Evaluate(query.StripRelationClauses(where), merge.InferValue(e))
}
