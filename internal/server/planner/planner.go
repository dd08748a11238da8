// Package planner decomposes a nested-include query into an ordered list of
// per-resource steps, executes them against storage with batched fetches,
// and assembles the tree result in wire form.
package planner

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relstate/relstate/internal/debug"
	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/storage"
)

// ErrNotAuthorized is returned when the root resource's read authorization
// denies the request outright.
var ErrNotAuthorized = fmt.Errorf("planner: not authorized")

// ReadAuth resolves the read-authorization clause for a resource. allowed
// false denies the resource entirely; a non-empty where is ANDed into every
// storage fetch for that resource's steps.
type ReadAuth func(resource string) (where query.Where, allowed bool)

// AllowAll is the ReadAuth used when no authorization is configured.
func AllowAll(string) (query.Where, bool) {
	return nil, true
}

// step is one per-resource fetch in the plan. The root step has an empty
// prevID; child steps derive their where clause from each parent row.
type step struct {
	id         string
	prevID     string
	resource   string
	isMany     bool
	collection string // relation name on the parent
	localCol   string // one side: FK column on the parent
	foreignCol string // many side: FK column on this resource
	included   []includedRel
}

type includedRel struct {
	name   string
	isMany bool
}

// Planner plans and executes queries for one schema.
type Planner struct {
	schema *schema.Schema
}

// New returns a planner over the schema.
func New(s *schema.Schema) *Planner {
	return &Planner{schema: s}
}

// plan builds the ordered step list: root first, then depth-first over the
// include tree. Unknown relations in the include tree are rejected.
func (p *Planner) plan(q query.Query) ([]step, error) {
	if !p.schema.Has(q.Resource) {
		return nil, fmt.Errorf("planner: unknown resource %q", q.Resource)
	}
	steps := []step{{id: q.Resource, resource: q.Resource}}
	if err := p.planInclude(&steps, q.Resource, q.Resource, q.Include); err != nil {
		return nil, err
	}
	return steps, nil
}

func (p *Planner) planInclude(steps *[]step, stepID, resource string, inc query.Include) error {
	ent := p.schema.Entity(resource)
	names := make([]string, 0, len(inc))
	for name := range inc {
		names = append(names, name)
	}
	sort.Strings(names)

	parentIdx := -1
	for i := range *steps {
		if (*steps)[i].id == stepID {
			parentIdx = i
			break
		}
	}

	for _, relName := range names {
		rel, ok := ent.Relations[relName]
		if !ok {
			return fmt.Errorf("planner: %s has no relation %q", resource, relName)
		}
		childID := stepID + "." + relName
		child := step{
			id:         childID,
			prevID:     stepID,
			resource:   rel.Target,
			collection: relName,
		}
		switch rel.Kind {
		case schema.One:
			child.localCol = rel.LocalColumn
		case schema.Many:
			child.isMany = true
			child.foreignCol = rel.ForeignColumn
		}
		(*steps)[parentIdx].included = append((*steps)[parentIdx].included,
			includedRel{name: relName, isMany: child.isMany})
		*steps = append(*steps, child)

		var nested query.Include
		switch t := inc[relName].(type) {
		case map[string]any:
			nested = query.Include(t)
		case query.Include:
			nested = t
		}
		if len(nested) > 0 {
			if err := p.planInclude(steps, childID, rel.Target, nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// row pairs a fetched entity with its wire payload under assembly.
type row struct {
	entity merge.Entity
	wire   map[string]any
}

// Execute runs the plan against storage and returns the root entities in
// wire form, children inlined under their relation names. Sort, the full
// where clause (including relation-valued subtrees), and limit are applied
// to the assembled roots.
func (p *Planner) Execute(ctx context.Context, st storage.Store, q query.Query, auth ReadAuth) ([]map[string]any, error) {
	ctx, span := otel.Tracer("relstate/planner").Start(ctx, "planner.execute")
	span.SetAttributes(attribute.String("resource", q.Resource))
	defer span.End()

	steps, err := p.plan(q)
	if err != nil {
		return nil, err
	}
	b := newBatcher(st)

	// results[stepID][parentEntityID] holds the rows fetched for that
	// parent; the root uses the empty parent id.
	results := make(map[string]map[string][]*row, len(steps))

	for i := range steps {
		s := &steps[i]
		authWhere, allowed := auth(s.resource)
		if !allowed {
			if s.prevID == "" {
				return nil, ErrNotAuthorized
			}
			debug.Logf("planner: read denied for %s, step %s skipped", s.resource, s.id)
			results[s.id] = map[string][]*row{}
			continue
		}

		if s.prevID == "" {
			entities, err := b.fetch(ctx, s.resource, query.And(q.Where, authWhere))
			if err != nil {
				return nil, err
			}
			results[s.id] = map[string][]*row{"": toRows(entities)}
			continue
		}

		parents := flatRows(results[s.prevID])
		fetched := b.fetchForParents(ctx, s, parents, authWhere)
		results[s.id] = fetched
	}

	// Assemble in reverse: attach each step's rows under the matching
	// parent field, then fill empty included shapes.
	for i := len(steps) - 1; i >= 1; i-- {
		s := &steps[i]
		byParent := results[s.id]
		for _, parent := range flatRows(results[s.prevID]) {
			children := byParent[parent.entity.ID]
			if s.isMany {
				vals := make([]any, 0, len(children))
				for _, c := range children {
					vals = append(vals, c.wire)
				}
				parent.wire[s.collection] = map[string]any{"value": vals}
			} else {
				if len(children) > 0 {
					parent.wire[s.collection] = map[string]any{"value": children[0].wire}
				} else {
					parent.wire[s.collection] = map[string]any{"value": nil}
				}
			}
		}
	}
	for i := range steps {
		for _, r := range flatRows(results[steps[i].id]) {
			for _, inc := range steps[i].included {
				if _, ok := r.wire[inc.name]; ok {
					continue
				}
				if inc.isMany {
					r.wire[inc.name] = map[string]any{"value": []any{}}
				} else {
					r.wire[inc.name] = map[string]any{"value": nil}
				}
			}
		}
	}

	roots := flatRows(results[steps[0].id])
	out := make([]map[string]any, 0, len(roots))
	for _, r := range roots {
		if len(q.Where) > 0 && !query.Evaluate(q.Where, r.wire) {
			continue
		}
		out = append(out, r.wire)
	}
	query.ApplySort(out, q.Sort)
	if limit, ok := q.LimitValue(); ok && len(out) > limit {
		out = out[:limit]
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

func toRows(entities []merge.Entity) []*row {
	out := make([]*row, len(entities))
	for i, e := range entities {
		out[i] = &row{entity: e, wire: merge.EncodeEntity(e)}
	}
	return out
}

func flatRows(byParent map[string][]*row) []*row {
	parents := make([]string, 0, len(byParent))
	for id := range byParent {
		parents = append(parents, id)
	}
	sort.Strings(parents)
	var out []*row
	for _, id := range parents {
		out = append(out, byParent[id]...)
	}
	return out
}
