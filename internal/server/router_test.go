package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/metrics"
	"github.com/relstate/relstate/internal/protocol"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/server/subs"
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
				"role":  {Type: schema.TypeString},
				"orgId": {Type: schema.TypeString},
			},
			Relations: map[string]schema.Relation{
				"org": {Kind: schema.One, Target: "orgs", LocalColumn: "orgId"},
			},
		},
	)
	require.NoError(t, err)
	return s
}

func newTestRouter(t *testing.T, routes ...*Route) (*Router, *memory.Store) {
	t.Helper()
	st := memory.New()
	r, err := NewRouter(testSchema(t), st, subs.New(), metrics.New(), routes...)
	require.NoError(t, err)
	return r, st
}

func testCtx() *Ctx {
	return &Ctx{Context: context.Background()}
}

func insertMsg(id, resource, resourceID string, fields map[string]any) *protocol.Message {
	payload := map[string]any{}
	for k, v := range fields {
		payload[k] = map[string]any{"value": v, "_meta": map[string]any{"timestamp": "2024-01-01T00:00:00Z"}}
	}
	raw, _ := json.Marshal(payload)
	return &protocol.Message{
		ID:         id,
		Type:       protocol.TypeMutate,
		Resource:   resource,
		ResourceID: resourceID,
		Procedure:  protocol.ProcedureInsert,
		Payload:    raw,
	}
}

func updateMsg(id, resource, resourceID, ts string, fields map[string]any) *protocol.Message {
	payload := map[string]any{}
	for k, v := range fields {
		payload[k] = map[string]any{"value": v, "_meta": map[string]any{"timestamp": ts}}
	}
	raw, _ := json.Marshal(payload)
	m := insertMsg(id, resource, resourceID, nil)
	m.Procedure = protocol.ProcedureUpdate
	m.Payload = raw
	return m
}

func TestInsertAndQuery(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1", map[string]any{"name": "Ann"}))
	require.NoError(t, err)

	rows, err := r.HandleQuery(testCtx(), query.Query{Resource: "users"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["name"].(map[string]any)["value"])
}

func TestInsertDuplicate(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1", map[string]any{"name": "Ann"}))
	require.NoError(t, err)
	_, err = r.HandleMutation(testCtx(), insertMsg("m2", "users", "u1", map[string]any{"name": "Ann"}))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUpdateMissing(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.HandleMutation(testCtx(),
		updateMsg("m1", "users", "ghost", "2024-01-02T00:00:00Z", map[string]any{"name": "x"}))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMergeRejection(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1", map[string]any{"name": "Ann"}))
	require.NoError(t, err)

	// All fields stale: LWW drops everything, the mutation is rejected.
	_, err = r.HandleMutation(testCtx(),
		updateMsg("m2", "users", "u1", "2023-12-01T00:00:00Z", map[string]any{"name": "Old"}))
	assert.ErrorIs(t, err, ErrMutationRejected)
}

func TestMissingProcedure(t *testing.T) {
	r, _ := newTestRouter(t)
	m := insertMsg("m1", "users", "u1", map[string]any{"name": "Ann"})
	m.Procedure = ""
	_, err := r.HandleMutation(testCtx(), m)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUnknownResource(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "ghosts", "g1", nil))
	assert.ErrorIs(t, err, ErrInvalidResource)
	_, err = r.HandleQuery(testCtx(), query.Query{Resource: "ghosts"})
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestInsertAuthorizationDeny(t *testing.T) {
	r, _ := newTestRouter(t, &Route{
		Resource: "users",
		Insert: func(ctx *Ctx, entity map[string]any) AuthResult {
			return Deny()
		},
	})
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1", map[string]any{"name": "Ann"}))
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestInsertAuthorizationWhereClause(t *testing.T) {
	r, _ := newTestRouter(t, &Route{
		Resource: "users",
		Insert: func(ctx *Ctx, entity map[string]any) AuthResult {
			return WhereClause(query.Where{"role": "member"})
		},
	})
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1",
		map[string]any{"name": "Ann", "role": "member"}))
	require.NoError(t, err)
	_, err = r.HandleMutation(testCtx(), insertMsg("m2", "users", "u2",
		map[string]any{"name": "Eve", "role": "admin"}))
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestUpdateAuthorizationPrePost(t *testing.T) {
	preCalls, postCalls := 0, 0
	r, _ := newTestRouter(t, &Route{
		Resource: "users",
		Update: UpdateAuth{
			PreMutation: func(ctx *Ctx, entity map[string]any) AuthResult {
				preCalls++
				// The preview already carries the merge applied.
				if entity["name"] == "blocked" {
					return Deny()
				}
				return Allow()
			},
			PostMutation: func(ctx *Ctx, entity map[string]any) AuthResult {
				postCalls++
				return WhereClause(query.Where{"role": "member"})
			},
		},
	})
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1",
		map[string]any{"name": "Ann", "role": "member"}))
	require.NoError(t, err)

	_, err = r.HandleMutation(testCtx(),
		updateMsg("m2", "users", "u1", "2024-01-02T00:00:00Z", map[string]any{"name": "Ann B"}))
	require.NoError(t, err)
	assert.Equal(t, 1, preCalls)
	assert.Equal(t, 1, postCalls)

	_, err = r.HandleMutation(testCtx(),
		updateMsg("m3", "users", "u1", "2024-01-03T00:00:00Z", map[string]any{"name": "blocked"}))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = r.HandleMutation(testCtx(),
		updateMsg("m4", "users", "u1", "2024-01-04T00:00:00Z", map[string]any{"role": "admin"}))
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestDeepWhereAuthorization(t *testing.T) {
	r, _ := newTestRouter(t, &Route{
		Resource: "users",
		Update: UpdateAuth{
			PreMutation: func(ctx *Ctx, entity map[string]any) AuthResult {
				// References the org relation: triggers a deep re-fetch.
				return WhereClause(query.Where{"org": map[string]any{"name": "Acme"}})
			},
		},
	})
	_, err := r.HandleMutation(testCtx(), insertMsg("o", "orgs", "o1", map[string]any{"name": "Acme"}))
	require.NoError(t, err)
	_, err = r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1",
		map[string]any{"name": "Ann", "orgId": "o1"}))
	require.NoError(t, err)

	_, err = r.HandleMutation(testCtx(),
		updateMsg("m2", "users", "u1", "2024-01-02T00:00:00Z", map[string]any{"name": "Ann B"}))
	assert.NoError(t, err)

	// A user outside Acme fails the deep clause.
	_, err = r.HandleMutation(testCtx(), insertMsg("o2", "orgs", "o2", map[string]any{"name": "Other"}))
	require.NoError(t, err)
	_, err = r.HandleMutation(testCtx(), insertMsg("m3", "users", "u2",
		map[string]any{"name": "Eve", "orgId": "o2"}))
	require.NoError(t, err)
	_, err = r.HandleMutation(testCtx(),
		updateMsg("m4", "users", "u2", "2024-01-02T00:00:00Z", map[string]any{"name": "Eve B"}))
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestReadAuthorization(t *testing.T) {
	r, _ := newTestRouter(t, &Route{
		Resource: "users",
		Read: func(ctx *Ctx) AuthResult {
			return WhereClause(query.Where{"role": "member"})
		},
	})
	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1",
		map[string]any{"name": "Ann", "role": "member"}))
	require.NoError(t, err)
	_, err = r.HandleMutation(testCtx(), insertMsg("m2", "users", "u2",
		map[string]any{"name": "Eve", "role": "admin"}))
	require.NoError(t, err)

	rows, err := r.HandleQuery(testCtx(), query.Query{Resource: "users"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["name"].(map[string]any)["value"])
}

func TestMutationNotifiesSubscribers(t *testing.T) {
	r, _ := newTestRouter(t)
	var received []protocol.Mutation
	_, unsub := r.Subs().SubscribeToMutations(query.Query{Resource: "users"},
		func(mut protocol.Mutation) error {
			received = append(received, mut)
			return nil
		}, nil)
	defer unsub()

	_, err := r.HandleMutation(testCtx(), insertMsg("m1", "users", "u1", map[string]any{"name": "Ann"}))
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "m1", received[0].ID)
	assert.Equal(t, protocol.ProcedureInsert, received[0].Procedure)
}

func TestCustomProcedure(t *testing.T) {
	called := false
	r, _ := newTestRouter(t, &Route{
		Resource: "users",
		Procedures: map[string]*Procedure{
			"promote": {
				Validate: func(input json.RawMessage) error {
					var in struct {
						Level string `json:"level"`
					}
					if err := json.Unmarshal(input, &in); err != nil {
						return err
					}
					if in.Level == "" {
						return errors.New("level required")
					}
					return nil
				},
				Handle: func(ctx *Ctx, req ProcedureRequest) (any, error) {
					called = true
					assert.NotNil(t, req.DB)
					return map[string]any{"ok": true}, nil
				},
			},
		},
	})

	m := &protocol.Message{
		ID:        "c1",
		Type:      protocol.TypeMutate,
		Resource:  "users",
		Procedure: "promote",
		Payload:   json.RawMessage(`{"level":"admin"}`),
	}
	out, err := r.HandleMutation(testCtx(), m)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, map[string]any{"ok": true}, out)

	// Validation failure surfaces as an invalid request.
	m2 := &protocol.Message{
		ID:        "c2",
		Type:      protocol.TypeMutate,
		Resource:  "users",
		Procedure: "promote",
		Payload:   json.RawMessage(`{}`),
	}
	_, err = r.HandleMutation(testCtx(), m2)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Unknown procedures are rejected.
	m3 := &protocol.Message{ID: "c3", Type: protocol.TypeMutate, Resource: "users", Procedure: "nope"}
	_, err = r.HandleMutation(testCtx(), m3)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
