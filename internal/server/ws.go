package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relstate/relstate/internal/debug"
	"github.com/relstate/relstate/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is the embedding application's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoCap bounds the per-session set of recently echoed mutation ids used
// to suppress double delivery to the mutation's originator.
const echoCap = 1024

// wsSession serves one websocket client: queries, live subscriptions, and
// mutations.
type wsSession struct {
	router    *Router
	conn      *websocket.Conn
	principal any

	writeMu sync.Mutex
	mu      sync.Mutex
	unsubs  map[string]func()
	echoed  map[string]bool
}

// HandleWS upgrades the request and serves the sync protocol until the
// client disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return
	}
	sess := &wsSession{
		router:    s.router,
		conn:      conn,
		principal: s.principal(req),
		unsubs:    make(map[string]func()),
		echoed:    make(map[string]bool),
	}
	sess.run(req)
}

func (sess *wsSession) run(req *http.Request) {
	defer func() {
		sess.mu.Lock()
		unsubs := sess.unsubs
		sess.unsubs = map[string]func(){}
		sess.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		_ = sess.conn.Close()
	}()

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			debug.Logf("server: session closed: %v", err)
			return
		}
		var m protocol.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("server: invalid message: %v", err)
			continue
		}
		ctx := &Ctx{Context: req.Context(), Principal: sess.principal}
		sess.handle(ctx, &m)
	}
}

func (sess *wsSession) handle(ctx *Ctx, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeQuery:
		sess.handleQuery(ctx, m)
	case protocol.TypeSubscribe:
		sess.handleSubscribe(ctx, m)
	case protocol.TypeUnsubscribe:
		sess.handleUnsubscribe(m)
	case protocol.TypeMutate:
		sess.handleMutate(ctx, m)
	default:
		debug.Logf("server: ignoring message type %q", m.Type)
	}
}

func (sess *wsSession) handleQuery(ctx *Ctx, m *protocol.Message) {
	rows, err := sess.router.HandleQuery(ctx, m.Query())
	if err != nil {
		sess.reject(m, err)
		return
	}
	sess.reply(m.ID, protocol.SyncReply{Resource: m.Resource, Data: rows})
}

// handleSubscribe answers with the current snapshot, then installs the live
// subscription that forwards matching mutations as authoritative MUTATEs.
func (sess *wsSession) handleSubscribe(ctx *Ctx, m *protocol.Message) {
	q := m.Query()
	authWhere, err := sess.router.ReadAuthWhere(ctx, q.Resource)
	if err != nil {
		sess.reject(m, err)
		return
	}
	rows, err := sess.router.HandleQuery(ctx, q)
	if err != nil {
		sess.reject(m, err)
		return
	}
	sess.reply(m.ID, protocol.SyncReply{Resource: q.Resource, Data: rows})

	_, unsub := sess.router.Subs().SubscribeToMutations(q, func(mut protocol.Mutation) error {
		if sess.wasEchoed(mut.ID) {
			return nil
		}
		out, err := protocol.EncodeMutation(mut)
		if err != nil {
			return err
		}
		return sess.write(out)
	}, authWhere)

	sess.mu.Lock()
	if prev, ok := sess.unsubs[q.Key()]; ok {
		prev()
	}
	sess.unsubs[q.Key()] = unsub
	sess.mu.Unlock()
}

func (sess *wsSession) handleUnsubscribe(m *protocol.Message) {
	key := m.Query().Key()
	sess.mu.Lock()
	unsub, ok := sess.unsubs[key]
	delete(sess.unsubs, key)
	sess.mu.Unlock()
	if ok {
		unsub()
	}
}

// handleMutate dispatches the mutation. Success on a default procedure
// echoes the authoritative MUTATE back to the sender (its confirmation),
// while the subscription fan-out reaches everyone else; custom procedures
// answer with a REPLY. Failures come back as REJECT.
func (sess *wsSession) handleMutate(ctx *Ctx, m *protocol.Message) {
	if m.IsDefaultProcedure() {
		sess.markEchoed(m.ID)
		if _, err := sess.router.HandleMutation(ctx, m); err != nil {
			sess.unmarkEchoed(m.ID)
			sess.reject(m, err)
			return
		}
		if err := sess.write(m); err != nil {
			debug.Logf("server: echo mutation %s: %v", m.ID, err)
		}
		return
	}

	data, err := sess.router.HandleMutation(ctx, m)
	if err != nil {
		sess.reject(m, err)
		return
	}
	sess.reply(m.ID, data)
}

func (sess *wsSession) reply(id string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("server: encode reply %s: %v", id, err)
		return
	}
	if err := sess.write(&protocol.Message{ID: id, Type: protocol.TypeReply, Data: raw}); err != nil {
		debug.Logf("server: write reply %s: %v", id, err)
	}
}

func (sess *wsSession) reject(m *protocol.Message, err error) {
	out := &protocol.Message{
		ID:       m.ID,
		Type:     protocol.TypeReject,
		Resource: m.Resource,
		Message:  err.Error(),
	}
	if werr := sess.write(out); werr != nil {
		debug.Logf("server: write reject %s: %v", m.ID, werr)
	}
}

func (sess *wsSession) write(m *protocol.Message) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteJSON(m)
}

func (sess *wsSession) markEchoed(id string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.echoed) >= echoCap {
		sess.echoed = make(map[string]bool)
	}
	sess.echoed[id] = true
}

func (sess *wsSession) unmarkEchoed(id string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	delete(sess.echoed, id)
}

func (sess *wsSession) wasEchoed(id string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.echoed[id]
}
