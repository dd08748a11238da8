// Package protocol defines the JSON wire messages exchanged between client
// and server over the websocket, and the error shape of the HTTP surface.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/query"
)

// Message types.
const (
	TypeQuery       = "QUERY"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypeMutate      = "MUTATE"
	TypeReject      = "REJECT"
	TypeReply       = "REPLY"
)

// Default mutation procedures. Any other procedure name routes to a custom
// procedure registered on the resource.
const (
	ProcedureInsert = "INSERT"
	ProcedureUpdate = "UPDATE"
)

// Error codes carried by HTTP error bodies. REJECT messages carry only a
// message, no code.
const (
	CodeInvalidQuery        = "INVALID_QUERY"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidResource     = "INVALID_RESOURCE"
	CodeNotFound            = "NOT_FOUND"
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

// Message is the single envelope for every wire message. Fields are
// populated according to Type; unused fields are omitted.
type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Query / subscribe / mutate target.
	Resource string `json:"resource,omitempty"`

	// Query shape (QUERY / SUBSCRIBE / UNSUBSCRIBE).
	Where   query.Where     `json:"where,omitempty"`
	Include query.Include   `json:"include,omitempty"`
	Sort    []query.SortKey `json:"sort,omitempty"`
	Limit   *int            `json:"limit,omitempty"`

	// Mutation fields (MUTATE).
	ResourceID string          `json:"resourceId,omitempty"`
	Procedure  string          `json:"procedure,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Reply / reject fields.
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Mutation is a decoded default mutation record: the unit held on the
// optimistic stack and published to subscribers.
type Mutation struct {
	ID         string
	Resource   string
	ResourceID string
	Procedure  string // INSERT or UPDATE
	Payload    merge.Payload
}

// NewID returns an opaque unique message id.
func NewID() string {
	return uuid.NewString()
}

// Query extracts the query shape from a QUERY/SUBSCRIBE/UNSUBSCRIBE message.
func (m *Message) Query() query.Query {
	return query.Query{
		Resource: m.Resource,
		Where:    m.Where,
		Include:  m.Include,
		Sort:     m.Sort,
		Limit:    m.Limit,
	}
}

// IsDefaultProcedure reports whether the message carries an INSERT/UPDATE
// rather than a custom procedure.
func (m *Message) IsDefaultProcedure() bool {
	return m.Procedure == ProcedureInsert || m.Procedure == ProcedureUpdate
}

// DecodeMutation converts a MUTATE message into a Mutation record. The
// payload's id key, if any, is stripped; the id always comes from
// resourceId.
func (m *Message) DecodeMutation() (Mutation, error) {
	if m.Type != TypeMutate {
		return Mutation{}, fmt.Errorf("protocol: %s is not a MUTATE message", m.Type)
	}
	if m.Resource == "" || m.ResourceID == "" {
		return Mutation{}, fmt.Errorf("protocol: mutation missing resource or resourceId")
	}
	if !m.IsDefaultProcedure() {
		return Mutation{}, fmt.Errorf("protocol: %q is not a default procedure", m.Procedure)
	}
	payload, err := merge.DecodePayload(m.Payload)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{
		ID:         m.ID,
		Resource:   m.Resource,
		ResourceID: m.ResourceID,
		Procedure:  m.Procedure,
		Payload:    payload,
	}, nil
}

// EncodeMutation renders a Mutation as a MUTATE message.
func EncodeMutation(mut Mutation) (*Message, error) {
	payload, err := json.Marshal(mut.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return &Message{
		ID:         mut.ID,
		Type:       TypeMutate,
		Resource:   mut.Resource,
		ResourceID: mut.ResourceID,
		Procedure:  mut.Procedure,
		Payload:    payload,
	}, nil
}

// QueryMessage builds a QUERY message for the given query.
func QueryMessage(q query.Query) *Message {
	return &Message{
		ID:       NewID(),
		Type:     TypeQuery,
		Resource: q.Resource,
		Where:    q.Where,
		Include:  q.Include,
		Sort:     q.Sort,
		Limit:    q.Limit,
	}
}

// SubscribeMessage builds a SUBSCRIBE message for the given query.
func SubscribeMessage(q query.Query) *Message {
	m := QueryMessage(q)
	m.Type = TypeSubscribe
	return m
}

// UnsubscribeMessage builds the UNSUBSCRIBE matching a prior SUBSCRIBE.
func UnsubscribeMessage(q query.Query) *Message {
	m := QueryMessage(q)
	m.Type = TypeUnsubscribe
	return m
}

// SyncReply is the payload of a REPLY answering a QUERY: the resource plus
// its entity payloads in wire form.
type SyncReply struct {
	Resource string           `json:"resource"`
	Data     []map[string]any `json:"data"`
}

// ErrorBody is the HTTP error shape.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}
