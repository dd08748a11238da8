package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relstate/relstate/internal/schema"
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
			Name:   "users",
			Fields: map[string]schema.FieldSpec{"name": {Type: schema.TypeString}, "orgId": {Type: schema.TypeString}},
			Relations: map[string]schema.Relation{
				"org":   {Kind: schema.One, Target: "orgs", LocalColumn: "orgId"},
				"posts": {Kind: schema.Many, Target: "posts", ForeignColumn: "authorId"},
			},
		},
		&schema.Entity{
			Name:   "posts",
			Fields: map[string]schema.FieldSpec{"title": {Type: schema.TypeString}, "authorId": {Type: schema.TypeString}},
			Relations: map[string]schema.Relation{
				"author": {Kind: schema.One, Target: "users", LocalColumn: "authorId"},
			},
		},
	)
	require.NoError(t, err)
	return s
}

func TestKeyStability(t *testing.T) {
	limit := 10
	a := Query{
		Resource: "posts",
		Where:    Where{"title": "x", "likes": map[string]any{"$gt": float64(3)}},
		Include:  Include{"author": true},
		Sort:     []SortKey{{Key: "title", Direction: "asc"}},
		Limit:    &limit,
	}
	limitB := 10
	b := Query{
		Resource: "posts",
		Where:    Where{"likes": map[string]any{"$gt": float64(3)}, "title": "x"},
		Include:  Include{"author": true},
		Sort:     []SortKey{{Key: "title", Direction: "asc"}},
		Limit:    &limitB,
	}
	assert.Equal(t, a.Key(), b.Key())

	c := a
	c.Where = Where{"title": "y"}
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestFlatIncludeResources(t *testing.T) {
	s := testSchema(t)

	q := Query{
		Resource: "orgs",
		Include:  Include{"users": map[string]any{"posts": true}},
	}
	flat := q.FlatIncludeResources(s)
	assert.Equal(t, map[string]bool{"users": true, "posts": true}, flat)
}

func TestFlatIncludeResourcesFromWhere(t *testing.T) {
	s := testSchema(t)

	// A relation-valued where subtree makes the joined resource part of
	// the dependency set even without an include.
	q := Query{
		Resource: "posts",
		Where: Where{"$and": []any{
			map[string]any{"author": map[string]any{"org": map[string]any{"name": "acme"}}},
		}},
	}
	flat := q.FlatIncludeResources(s)
	assert.Equal(t, map[string]bool{"users": true, "orgs": true}, flat)
}

func TestStripRelationClauses(t *testing.T) {
	w := Where{
		"title":  "x",
		"author": map[string]any{"name": "Ann"},
		"$and": []any{
			map[string]any{"likes": map[string]any{"$gt": float64(3)}},
			map[string]any{"author": map[string]any{"name": "Ben"}},
		},
	}
	got := StripRelationClauses(w)
	assert.Equal(t, Where{
		"title": "x",
		"$and":  []any{map[string]any{"likes": map[string]any{"$gt": float64(3)}}},
	}, got)

	// A tree that is all relation clauses strips to empty.
	assert.Empty(t, StripRelationClauses(Where{"author": map[string]any{"name": "Ann"}}))
}

func TestAnd(t *testing.T) {
	a := Where{"x": float64(1)}
	b := Where{"y": float64(2)}
	assert.Equal(t, a, And(a, nil))
	assert.Equal(t, b, And(nil, b))
	combined := And(a, b)
	assert.True(t, Evaluate(combined, map[string]any{"x": float64(1), "y": float64(2)}))
	assert.False(t, Evaluate(combined, map[string]any{"x": float64(1), "y": float64(3)}))
}
