package planner

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/storage"
	"github.com/relstate/relstate/internal/storage/memory"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		&schema.Entity{
			Name:   "orgs",
			Fields: map[string]schema.FieldSpec{"name": {Type: schema.TypeString}},
			Relations: map[string]schema.Relation{
				"users": {Kind: schema.Many, Target: "users", ForeignColumn: "orgId"},
			},
		},
		&schema.Entity{
			Name: "users",
			Fields: map[string]schema.FieldSpec{
				"name":  {Type: schema.TypeString},
				"orgId": {Type: schema.TypeString},
			},
			Relations: map[string]schema.Relation{
				"org":   {Kind: schema.One, Target: "orgs", LocalColumn: "orgId"},
				"posts": {Kind: schema.Many, Target: "posts", ForeignColumn: "authorId"},
			},
		},
		&schema.Entity{
			Name: "posts",
			Fields: map[string]schema.FieldSpec{
				"title":    {Type: schema.TypeString},
				"authorId": {Type: schema.TypeString},
			},
			Relations: map[string]schema.Relation{
				"author": {Kind: schema.One, Target: "users", LocalColumn: "authorId"},
			},
		},
	)
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()
	put := func(resource, id string, fields map[string]any) {
		e := merge.NewEntity(id)
		for k, v := range fields {
			e.Fields[k] = merge.Field{Value: v, Meta: &merge.Meta{Timestamp: "2024-01-01T00:00:00Z"}}
		}
		require.NoError(t, st.Insert(ctx, resource, e))
	}
	put("orgs", "o1", map[string]any{"name": "Acme"})
	put("orgs", "o2", map[string]any{"name": "Empty Org"})
	put("users", "u1", map[string]any{"name": "Ann", "orgId": "o1"})
	put("users", "u2", map[string]any{"name": "Ben", "orgId": "o1"})
	put("posts", "p1", map[string]any{"title": "hello", "authorId": "u1"})
	put("posts", "p2", map[string]any{"title": "world", "authorId": "u2"})
}

func TestExecuteRootOnly(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	rows, err := p.Execute(context.Background(), st, query.Query{Resource: "users"}, AllowAll)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Wire form: envelopes everywhere, no include keys.
	id := rows[0]["id"].(map[string]any)
	assert.Equal(t, "u1", id["value"])
	_, hasOrg := rows[0]["org"]
	assert.False(t, hasOrg)
}

func TestExecuteNestedIncludeMany(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	rows, err := p.Execute(context.Background(), st, query.Query{
		Resource: "orgs",
		Include:  query.Include{"users": map[string]any{"posts": true}},
	}, AllowAll)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]map[string]any{}
	for _, r := range rows {
		byID[r["id"].(map[string]any)["value"].(string)] = r
	}

	users := byID["o1"]["users"].(map[string]any)["value"].([]any)
	require.Len(t, users, 2)
	u1 := users[0].(map[string]any)
	assert.Equal(t, "u1", u1["id"].(map[string]any)["value"])
	posts := u1["posts"].(map[string]any)["value"].([]any)
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0].(map[string]any)["title"].(map[string]any)["value"])

	// An org with no users keeps the empty-collection shape.
	empty := byID["o2"]["users"].(map[string]any)["value"].([]any)
	assert.Empty(t, empty)
}

func TestExecuteIncludeOne(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	rows, err := p.Execute(context.Background(), st, query.Query{
		Resource: "posts",
		Include:  query.Include{"author": true},
	}, AllowAll)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	author := rows[0]["author"].(map[string]any)["value"].(map[string]any)
	assert.Equal(t, "u1", author["id"].(map[string]any)["value"])
}

func TestExecuteIncludeOneMissingTarget(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	e := merge.NewEntity("p9")
	e.Fields["title"] = merge.Field{Value: "orphan", Meta: &merge.Meta{Timestamp: "2024-01-01T00:00:00Z"}}
	require.NoError(t, st.Insert(ctx, "posts", e))
	p := New(testSchema(t))

	rows, err := p.Execute(ctx, st, query.Query{
		Resource: "posts",
		Include:  query.Include{"author": true},
	}, AllowAll)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	author := rows[0]["author"].(map[string]any)
	assert.Nil(t, author["value"])
}

func TestExecuteWhereSortLimit(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	limit := 1
	rows, err := p.Execute(context.Background(), st, query.Query{
		Resource: "users",
		Where:    query.Where{"orgId": "o1"},
		Sort:     []query.SortKey{{Key: "name", Direction: "desc"}},
		Limit:    &limit,
	}, AllowAll)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ben", rows[0]["name"].(map[string]any)["value"])
}

func TestExecuteRelationValuedWhere(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	// Root where on a joined resource is applied after assembly.
	rows, err := p.Execute(context.Background(), st, query.Query{
		Resource: "posts",
		Where:    query.Where{"author": map[string]any{"name": "Ann"}},
		Include:  query.Include{"author": true},
	}, AllowAll)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0]["title"].(map[string]any)["value"])
}

func TestExecuteAuthWhere(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	auth := func(resource string) (query.Where, bool) {
		if resource == "users" {
			return query.Where{"name": "Ann"}, true
		}
		return nil, true
	}
	rows, err := p.Execute(context.Background(), st, query.Query{Resource: "users"}, auth)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["name"].(map[string]any)["value"])
}

func TestExecuteRootDenied(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	auth := func(resource string) (query.Where, bool) {
		return nil, resource != "users"
	}
	_, err := p.Execute(context.Background(), st, query.Query{Resource: "users"}, auth)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestExecuteChildDeniedYieldsEmptyShape(t *testing.T) {
	st := memory.New()
	seed(t, st)
	p := New(testSchema(t))

	auth := func(resource string) (query.Where, bool) {
		return nil, resource != "users"
	}
	rows, err := p.Execute(context.Background(), st, query.Query{
		Resource: "orgs",
		Include:  query.Include{"users": true},
	}, auth)
	require.NoError(t, err)
	for _, r := range rows {
		users := r["users"].(map[string]any)["value"].([]any)
		assert.Empty(t, users)
	}
}

func TestExecuteUnknownRelation(t *testing.T) {
	st := memory.New()
	p := New(testSchema(t))
	_, err := p.Execute(context.Background(), st, query.Query{
		Resource: "orgs",
		Include:  query.Include{"nope": true},
	}, AllowAll)
	assert.Error(t, err)
}

// countingStore wraps the memory backend to observe fetch coalescing.
type countingStore struct {
	storage.Store
	calls atomic.Int64
}

func (c *countingStore) FindMany(ctx context.Context, resource string, where query.Where) ([]merge.Entity, error) {
	c.calls.Add(1)
	return c.Store.FindMany(ctx, resource, where)
}

func TestBatcherCoalescesIdenticalFetches(t *testing.T) {
	inner := memory.New()
	seed(t, inner)
	st := &countingStore{Store: inner}

	b := newBatcher(st)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.fetch(ctx, "users", query.Where{"orgId": "o1"})
		require.NoError(t, err)
	}
	_, err := b.fetch(ctx, "users", query.Where{"orgId": "o2"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), st.calls.Load())
}
