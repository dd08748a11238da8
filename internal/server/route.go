// Package server hosts the request side of the engine: the route registry
// with per-resource authorization, the mutation dispatcher, the websocket
// endpoint, and the HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/storage"
)

// Dispatcher-level errors. Messages are part of the protocol surface; they
// travel to clients in REJECT messages and HTTP error bodies.
var (
	ErrNotAuthorized    = errors.New("Not authorized")
	ErrAlreadyExists    = errors.New("Resource already exists")
	ErrNotFound         = errors.New("Resource not found")
	ErrMutationRejected = errors.New("Mutation rejected")
	ErrInvalidRequest   = errors.New("Invalid request")
	ErrInvalidResource  = errors.New("Invalid resource")
)

// Ctx carries one request through authorization hooks and procedure
// handlers. Principal is whatever the transport's authentication layer
// attached (nil when unauthenticated).
type Ctx struct {
	Context   context.Context
	Principal any
}

// AuthResult is the outcome of an authorization hook: an outright
// allow/deny, or a where clause the affected entity must satisfy.
type AuthResult struct {
	Allowed bool
	Where   query.Where
}

// Allow grants unconditionally.
func Allow() AuthResult { return AuthResult{Allowed: true} }

// Deny refuses unconditionally.
func Deny() AuthResult { return AuthResult{} }

// WhereClause grants only if the entity satisfies the clause. Clauses that
// reference relations trigger a deep re-fetch with those relations included
// before evaluation.
func WhereClause(w query.Where) AuthResult { return AuthResult{Allowed: true, Where: w} }

// ReadAuthFunc authorizes reads of a resource. The returned where clause is
// ANDed into every storage fetch for that resource's planner steps and into
// subscription filtering.
type ReadAuthFunc func(ctx *Ctx) AuthResult

// MutationAuthFunc authorizes one mutation against a materialized preview
// of the affected entity.
type MutationAuthFunc func(ctx *Ctx, entity map[string]any) AuthResult

// UpdateAuth splits update authorization around the merge: PreMutation sees
// the entity with the merge applied (the preview), PostMutation the stored
// result.
type UpdateAuth struct {
	PreMutation  MutationAuthFunc
	PostMutation MutationAuthFunc
}

// ProcedureRequest is handed to a custom procedure handler.
type ProcedureRequest struct {
	Resource   string
	ResourceID string
	Input      json.RawMessage
	DB         storage.Store
}

// Procedure is a custom mutation registered on a route. Validate runs
// before the handler; a nil Validate accepts any input.
type Procedure struct {
	Validate func(input json.RawMessage) error
	Handle   func(ctx *Ctx, req ProcedureRequest) (any, error)
}

// Route configures one resource: authorization hooks plus custom
// procedures. All fields are optional; a nil hook allows everything.
type Route struct {
	Resource   string
	Read       ReadAuthFunc
	Insert     MutationAuthFunc
	Update     UpdateAuth
	Procedures map[string]*Procedure
}
