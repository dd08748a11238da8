package server

import (
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/metrics"
	"github.com/relstate/relstate/internal/protocol"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/server/planner"
	"github.com/relstate/relstate/internal/server/subs"
	"github.com/relstate/relstate/internal/storage"
)

// Router validates and dispatches queries and mutations against storage,
// enforces per-route authorization, and publishes mutation notifications
// to the subscription manager.
type Router struct {
	schema  *schema.Schema
	storage storage.Store
	planner *planner.Planner
	subs    *subs.Manager
	routes  map[string]*Route
	metrics *metrics.Collector
}

// NewRouter builds a router. Routes are optional per resource; resources
// without a route get no authorization and no custom procedures.
func NewRouter(s *schema.Schema, st storage.Store, sm *subs.Manager, col *metrics.Collector, routes ...*Route) (*Router, error) {
	r := &Router{
		schema:  s,
		storage: st,
		planner: planner.New(s),
		subs:    sm,
		routes:  make(map[string]*Route, len(routes)),
		metrics: col,
	}
	for _, route := range routes {
		if !s.Has(route.Resource) {
			return nil, fmt.Errorf("server: route for unknown resource %q", route.Resource)
		}
		if _, dup := r.routes[route.Resource]; dup {
			return nil, fmt.Errorf("server: duplicate route for %q", route.Resource)
		}
		r.routes[route.Resource] = route
	}
	return r, nil
}

// Subs exposes the subscription manager for transport endpoints.
func (r *Router) Subs() *subs.Manager {
	return r.subs
}

// Schema returns the schema the router serves.
func (r *Router) Schema() *schema.Schema {
	return r.schema
}

// readAuth resolves the planner's per-resource authorization from routes.
func (r *Router) readAuth(ctx *Ctx) planner.ReadAuth {
	return func(resource string) (query.Where, bool) {
		route := r.routes[resource]
		if route == nil || route.Read == nil {
			return nil, true
		}
		res := route.Read(ctx)
		if !res.Allowed {
			return nil, false
		}
		return res.Where, true
	}
}

// ReadAuthWhere returns the authorization clause for subscribing to a
// resource, or an error when reads are denied outright.
func (r *Router) ReadAuthWhere(ctx *Ctx, resource string) (query.Where, error) {
	where, allowed := r.readAuth(ctx)(resource)
	if !allowed {
		return nil, ErrNotAuthorized
	}
	return where, nil
}

// HandleQuery plans and executes a query, returning root entities in wire
// form.
func (r *Router) HandleQuery(ctx *Ctx, q query.Query) ([]map[string]any, error) {
	if !r.schema.Has(q.Resource) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResource, q.Resource)
	}
	done := r.metrics.StartRequest("query." + q.Resource)
	rows, err := r.planner.Execute(ctx.Context, r.storage, q, r.readAuth(ctx))
	done(err)
	if errors.Is(err, planner.ErrNotAuthorized) {
		return nil, ErrNotAuthorized
	}
	return rows, err
}

// HandleMutation dispatches a MUTATE message: INSERT/UPDATE flow through
// the merge-and-authorize path; any other procedure name routes to the
// resource's registered custom procedure. The returned value is non-nil
// only for custom procedures (their REPLY data).
func (r *Router) HandleMutation(ctx *Ctx, m *protocol.Message) (any, error) {
	if !r.schema.Has(m.Resource) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResource, m.Resource)
	}
	if m.Procedure == "" {
		return nil, fmt.Errorf("%w: procedure required", ErrInvalidRequest)
	}
	tctx, span := otel.Tracer("relstate/server").Start(ctx.Context, "mutation")
	span.SetAttributes(
		attribute.String("resource", m.Resource),
		attribute.String("procedure", m.Procedure),
	)
	defer span.End()
	ctx = &Ctx{Context: tctx, Principal: ctx.Principal}

	if m.IsDefaultProcedure() {
		done := r.metrics.StartRequest("mutate." + m.Resource)
		err := r.handleDefaultMutation(ctx, m)
		done(err)
		return nil, err
	}
	done := r.metrics.StartRequest("procedure." + m.Procedure)
	out, err := r.handleCustomMutation(ctx, m)
	done(err)
	return out, err
}

func (r *Router) handleDefaultMutation(ctx *Ctx, m *protocol.Message) error {
	mut, err := m.DecodeMutation()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	route := r.routes[mut.Resource]

	switch mut.Procedure {
	case protocol.ProcedureInsert:
		return r.applyInsert(ctx, route, mut)
	case protocol.ProcedureUpdate:
		return r.applyUpdate(ctx, route, mut)
	}
	return fmt.Errorf("%w: procedure %q", ErrInvalidRequest, mut.Procedure)
}

func (r *Router) applyInsert(ctx *Ctx, route *Route, mut protocol.Mutation) error {
	_, err := r.storage.FindByID(ctx.Context, mut.Resource, mut.ResourceID)
	switch {
	case err == nil:
		return ErrAlreadyExists
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	preview, accepted := merge.Apply(merge.NewEntity(mut.ResourceID), mut.Payload)
	if len(accepted) == 0 {
		return ErrMutationRejected
	}
	if route != nil && route.Insert != nil {
		if err := r.checkMutationAuth(ctx, route.Insert, mut.Resource, preview, false); err != nil {
			return err
		}
	}
	if err := r.storage.Insert(ctx.Context, mut.Resource, preview); err != nil {
		return err
	}
	r.subs.NotifySubscribers(mut, merge.Entity{}, preview)
	return nil
}

func (r *Router) applyUpdate(ctx *Ctx, route *Route, mut protocol.Mutation) error {
	before, err := r.storage.FindByID(ctx.Context, mut.Resource, mut.ResourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	merged, accepted := merge.Apply(before, mut.Payload)
	if len(accepted) == 0 {
		return ErrMutationRejected
	}
	mut.Payload = mut.Payload.Accepted(accepted)

	if route != nil && route.Update.PreMutation != nil {
		if err := r.checkMutationAuth(ctx, route.Update.PreMutation, mut.Resource, merged, true); err != nil {
			return err
		}
	}
	if err := r.storage.Update(ctx.Context, mut.Resource, merged); err != nil {
		return err
	}
	if route != nil && route.Update.PostMutation != nil {
		if err := r.checkMutationAuth(ctx, route.Update.PostMutation, mut.Resource, merged, true); err != nil {
			return err
		}
	}
	r.subs.NotifySubscribers(mut, before, merged)
	return nil
}

// checkMutationAuth runs one authorization hook against the entity preview.
// A returned where clause that references relations triggers a deep
// re-fetch of the entity with those relations included; stored reports
// whether such a fetch can see the entity.
func (r *Router) checkMutationAuth(ctx *Ctx, hook MutationAuthFunc, resource string, preview merge.Entity, stored bool) error {
	res := hook(ctx, merge.InferValue(preview))
	if !res.Allowed {
		return ErrNotAuthorized
	}
	if len(res.Where) == 0 {
		return nil
	}

	rels := r.relationNames(resource, res.Where)
	if len(rels) == 0 || !stored {
		if !query.Evaluate(query.StripRelationClauses(res.Where), merge.InferValue(preview)) {
			return ErrNotAuthorized
		}
		return nil
	}

	include := query.Include{}
	for _, rel := range rels {
		include[rel] = true
	}
	rows, err := r.planner.Execute(ctx.Context, r.storage, query.Query{
		Resource: resource,
		Where:    query.Where{"id": preview.ID},
		Include:  include,
	}, planner.AllowAll)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotAuthorized
	}
	// Judge the preview's own fields, with the fetched relations beside them.
	row := merge.EncodeEntity(preview)
	for _, rel := range rels {
		row[rel] = rows[0][rel]
	}
	if !query.Evaluate(res.Where, row) {
		return ErrNotAuthorized
	}
	return nil
}

// relationNames collects the resource's relation names referenced anywhere
// in a where tree, recursively flattening $and/$or/$not before looking at
// field keys.
func (r *Router) relationNames(resource string, w query.Where) []string {
	ent := r.schema.Entity(resource)
	if ent == nil {
		return nil
	}
	found := make(map[string]bool)
	var walk func(w query.Where)
	walk = func(w query.Where) {
		for key, clause := range w {
			switch key {
			case "$and", "$or":
				if items, ok := clause.([]any); ok {
					for _, item := range items {
						if m, ok := item.(map[string]any); ok {
							walk(query.Where(m))
						}
					}
				}
			case "$not":
				if m, ok := clause.(map[string]any); ok {
					walk(query.Where(m))
				}
			default:
				if _, ok := ent.Relations[key]; ok {
					found[key] = true
				}
			}
		}
	}
	walk(w)
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) handleCustomMutation(ctx *Ctx, m *protocol.Message) (any, error) {
	route := r.routes[m.Resource]
	if route == nil {
		return nil, fmt.Errorf("%w: no procedures for %s", ErrInvalidRequest, m.Resource)
	}
	proc, ok := route.Procedures[m.Procedure]
	if !ok {
		return nil, fmt.Errorf("%w: unknown procedure %q", ErrInvalidRequest, m.Procedure)
	}
	if proc.Validate != nil {
		if err := proc.Validate(m.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return proc.Handle(ctx, ProcedureRequest{
		Resource:   m.Resource,
		ResourceID: m.ResourceID,
		Input:      m.Payload,
		DB:         r.storage,
	})
}
