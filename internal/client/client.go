// Package client owns the client side of the sync protocol: the websocket
// lifecycle with bounded reconnect, bootstrap and replay on open, refcounted
// remote subscriptions, and reply futures for custom procedures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relstate/relstate/internal/debug"
	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/protocol"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/store"
)

// ErrReplyTimeout is returned when a custom mutation's REPLY does not arrive
// within the reply timeout.
var ErrReplyTimeout = errors.New("client: reply timeout")

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("client: connection closed")

// Transport is the minimal surface the connection needs from a websocket.
type Transport interface {
	WriteJSON(v any) error
	// ReadMessage blocks until the next text message or a transport error.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a Transport to the given URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Options tune the connection's reconnect and reply behavior.
type Options struct {
	// ReconnectMaxAttempts bounds automatic reconnects after a drop.
	// Zero disables automatic reconnection.
	ReconnectMaxAttempts int
	// ReconnectInitialInterval seeds the exponential backoff schedule.
	ReconnectInitialInterval time.Duration
	// ReplyTimeout bounds the wait for a custom mutation REPLY.
	ReplyTimeout time.Duration
}

// DefaultOptions returns the stock reconnect and reply settings.
func DefaultOptions() Options {
	return Options{
		ReconnectMaxAttempts:     5,
		ReconnectInitialInterval: 500 * time.Millisecond,
		ReplyTimeout:             5 * time.Second,
	}
}

type remoteSub struct {
	query    query.Query
	refcount int
}

type pendingReply struct {
	ch    chan replyOutcome
	timer *time.Timer
}

type replyOutcome struct {
	data json.RawMessage
	err  error
}

// Conn is a client connection bound to an optimistic store. Inbound
// authoritative mutations, rejections, and replies flow into the store;
// outbound mutations are applied optimistically before they are sent.
type Conn struct {
	url   string
	dial  Dialer
	store *store.Store
	opts  Options

	mu        sync.Mutex
	transport Transport
	closed    bool
	pending   map[string]*pendingReply
	remote    map[string]*remoteSub
}

// New builds a connection. Dial does not happen until Connect.
func New(url string, dial Dialer, st *store.Store, opts Options) *Conn {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultOptions().ReplyTimeout
	}
	if opts.ReconnectInitialInterval <= 0 {
		opts.ReconnectInitialInterval = DefaultOptions().ReconnectInitialInterval
	}
	return &Conn{
		url:     url,
		dial:    dial,
		store:   st,
		opts:    opts,
		pending: make(map[string]*pendingReply),
		remote:  make(map[string]*remoteSub),
	}
}

// Store returns the optimistic store the connection feeds.
func (c *Conn) Store() *store.Store {
	return c.store
}

// Connect dials the server and starts the read loop. On open (first connect
// and every reconnect) the connection bootstraps a QUERY per schema
// resource, re-issues live SUBSCRIBEs, and replays the optimistic stack in
// order.
func (c *Conn) Connect(ctx context.Context) error {
	t, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	c.transport = t
	c.mu.Unlock()

	c.onOpen()
	go c.readLoop(t)
	return nil
}

// Close shuts the connection down; queued mutations remain on the stack.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	t := c.transport
	c.transport = nil
	pending := c.pending
	c.pending = make(map[string]*pendingReply)
	c.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		p.ch <- replyOutcome{err: ErrClosed}
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

// onOpen runs the open sequence: bootstrap queries, re-subscribe, replay.
func (c *Conn) onOpen() {
	for _, resource := range c.store.Schema().Resources() {
		c.send(protocol.QueryMessage(query.Query{Resource: resource}))
	}
	c.mu.Lock()
	subs := make([]query.Query, 0, len(c.remote))
	for _, sub := range c.remote {
		if sub.refcount > 0 {
			subs = append(subs, sub.query)
		}
	}
	c.mu.Unlock()
	for _, q := range subs {
		c.send(protocol.SubscribeMessage(q))
	}
	for _, mut := range c.store.PendingMutations() {
		if m, err := protocol.EncodeMutation(mut); err == nil {
			c.send(m)
		}
	}
	for _, m := range c.store.PendingCustomMessages() {
		c.send(m)
	}
}

// send writes a message if a transport is attached; while disconnected the
// write is skipped and the state it carries replays on the next open.
func (c *Conn) send(m *protocol.Message) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		debug.Logf("client: dropping %s %s while disconnected", m.Type, m.ID)
		return
	}
	if err := t.WriteJSON(m); err != nil {
		debug.Logf("client: write %s: %v", m.Type, err)
	}
}

// readLoop consumes inbound messages until the transport fails, then
// attempts a bounded reconnect. On exhaustion the connection stays closed
// and the optimistic stack persists for the next explicit Connect.
func (c *Conn) readLoop(t Transport) {
	for {
		raw, err := t.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed || c.transport != t
			if c.transport == t {
				c.transport = nil
			}
			c.mu.Unlock()
			if closed {
				return
			}
			debug.Logf("client: connection lost: %v", err)
			c.reconnect()
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Conn) reconnect() {
	if c.opts.ReconnectMaxAttempts <= 0 {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInitialInterval
	err := backoff.Retry(func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(ErrClosed)
		}
		c.mu.Unlock()
		return c.Connect(context.Background())
	}, backoff.WithMaxRetries(bo, uint64(c.opts.ReconnectMaxAttempts-1)))
	if err != nil {
		log.Printf("client: reconnect abandoned: %v", err)
	}
}

// handleMessage routes one inbound message. Protocol failures are logged
// and dropped; the connection stays open.
func (c *Conn) handleMessage(raw []byte) {
	var m protocol.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("client: invalid message: %v", err)
		return
	}
	switch m.Type {
	case protocol.TypeMutate:
		mut, err := m.DecodeMutation()
		if err != nil {
			log.Printf("client: invalid mutation %s: %v", m.ID, err)
			return
		}
		c.store.AddMutation(mut, false)
	case protocol.TypeReject:
		if p := c.takePending(m.ID); p != nil {
			p.timer.Stop()
			c.store.UndoCustomMutation(m.ID)
			p.ch <- replyOutcome{err: fmt.Errorf("client: rejected: %s", m.Message)}
			return
		}
		c.store.UndoMutation(m.Resource, m.ID)
	case protocol.TypeReply:
		if p := c.takePending(m.ID); p != nil {
			p.timer.Stop()
			c.store.ConfirmCustomMutation(m.ID)
			p.ch <- replyOutcome{data: m.Data}
			return
		}
		c.handleSyncReply(&m)
	default:
		debug.Logf("client: ignoring message type %q", m.Type)
	}
}

func (c *Conn) handleSyncReply(m *protocol.Message) {
	var reply protocol.SyncReply
	if err := json.Unmarshal(m.Data, &reply); err != nil {
		log.Printf("client: invalid sync reply %s: %v", m.ID, err)
		return
	}
	if reply.Resource == "" {
		return
	}
	if err := c.store.LoadConsolidatedState(reply.Resource, reply.Data); err != nil {
		log.Printf("client: consolidated state for %s: %v", reply.Resource, err)
	}
}

func (c *Conn) takePending(id string) *pendingReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// Mutate applies a default mutation optimistically and sends it. The
// returned mutation id confirms or rejects asynchronously via the stream.
func (c *Conn) Mutate(resource, resourceID, procedure string, payload merge.Payload) (string, error) {
	if procedure != protocol.ProcedureInsert && procedure != protocol.ProcedureUpdate {
		return "", fmt.Errorf("client: %q is not a default procedure", procedure)
	}
	mut := protocol.Mutation{
		ID:         protocol.NewID(),
		Resource:   resource,
		ResourceID: resourceID,
		Procedure:  procedure,
		Payload:    payload.StripID(),
	}
	c.store.AddMutation(mut, true)
	m, err := protocol.EncodeMutation(mut)
	if err != nil {
		return "", err
	}
	c.send(m)
	return mut.ID, nil
}

// GenericMutate sends a custom procedure and blocks until the REPLY, a
// REJECT, the reply timeout, or ctx cancellation.
func (c *Conn) GenericMutate(ctx context.Context, resource, procedure string, input any) (json.RawMessage, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("client: encode input: %w", err)
	}
	m := &protocol.Message{
		ID:        protocol.NewID(),
		Type:      protocol.TypeMutate,
		Resource:  resource,
		Procedure: procedure,
		Payload:   payload,
	}

	p := &pendingReply{ch: make(chan replyOutcome, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[m.ID] = p
	p.timer = time.AfterFunc(c.opts.ReplyTimeout, func() {
		if taken := c.takePending(m.ID); taken != nil {
			taken.ch <- replyOutcome{err: ErrReplyTimeout}
		}
	})
	c.mu.Unlock()

	c.store.AddCustomMutationMessage(m)
	c.send(m)

	select {
	case out := <-p.ch:
		return out.data, out.err
	case <-ctx.Done():
		if taken := c.takePending(m.ID); taken != nil {
			taken.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// Load installs a live remote subscription for the query and returns an
// unsubscribe closure. SUBSCRIBE goes out only on the 0→1 refcount
// transition; UNSUBSCRIBE on 1→0.
func (c *Conn) Load(q query.Query) func() {
	key := q.Key()
	c.mu.Lock()
	sub, ok := c.remote[key]
	if !ok {
		sub = &remoteSub{query: q}
		c.remote[key] = sub
	}
	sub.refcount++
	first := sub.refcount == 1
	c.mu.Unlock()

	if first {
		c.send(protocol.SubscribeMessage(q))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			sub, ok := c.remote[key]
			if !ok {
				c.mu.Unlock()
				return
			}
			sub.refcount--
			last := sub.refcount == 0
			if last {
				delete(c.remote, key)
			}
			c.mu.Unlock()
			if last {
				c.send(protocol.UnsubscribeMessage(q))
			}
		})
	}
}

// SubscriptionRefcount reports the current refcount for a query, used by
// tests to pin the 0→1/1→0 transitions.
func (c *Conn) SubscriptionRefcount(q query.Query) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.remote[q.Key()]; ok {
		return sub.refcount
	}
	return 0
}
