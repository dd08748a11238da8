// Package graph maintains the directed multigraph of entity ids: typed
// forward references (one per target type), reverse edges (a set per
// incoming many-edge, a single id otherwise), and per-node subscribers.
//
// The graph is intentionally cyclic; nodes are addressed by id and edges by
// type name, never by pointer.
package graph

import (
	"fmt"
	"sync"
)

// ErrNodeExists is returned by CreateNode for a duplicate id.
var ErrNodeExists = fmt.Errorf("graph: node already exists")

// ErrNodeMissing is returned when an operation names an unknown node.
var ErrNodeMissing = fmt.Errorf("graph: node not found")

// reverseRef is one entry in a node's referencedBy map. Incoming many-edges
// hold a set of source ids; incoming one-edges hold a single id.
type reverseRef struct {
	many bool
	set  map[string]struct{}
	one  string
}

type node struct {
	id   string
	typ  string
	refs map[string]string // targetType -> targetID
	by   map[string]*reverseRef
	subs map[int]func(nodeID string)
}

// Graph is the id-addressed entity graph. All methods are safe for
// concurrent use; callbacks run synchronously while the triggering
// operation holds no lock.
type Graph struct {
	mu      sync.Mutex
	nodes   map[string]*node
	nextSub int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// CreateNode adds a node of the given type. incomingMany lists the source
// type names that hold many-edges into this type; each gets an empty
// reverse set so later link writes know set-vs-single without consulting
// the schema.
func (g *Graph) CreateNode(id, typ string, incomingMany []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	n := &node{
		id:   id,
		typ:  typ,
		refs: make(map[string]string),
		by:   make(map[string]*reverseRef),
		subs: make(map[int]func(string)),
	}
	for _, src := range incomingMany {
		n.by[src] = &reverseRef{many: true, set: make(map[string]struct{})}
	}
	g.nodes[id] = n
	return nil
}

// Has reports whether a node exists.
func (g *Graph) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nodes[id]
	return ok
}

// NodeType returns the type of a node, or "" if missing.
func (g *Graph) NodeType(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		return n.typ
	}
	return ""
}

// CreateLink records source --(target's type)--> target and the reverse
// entry on the target, then notifies the target's subscribers. Re-linking
// the same (source, targetType) overwrites the forward edge; the caller is
// expected to RemoveLink the old edge first to keep reverse sets exact.
func (g *Graph) CreateLink(sourceID, targetID string) error {
	g.mu.Lock()
	src, ok := g.nodes[sourceID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: source %s", ErrNodeMissing, sourceID)
	}
	tgt, ok := g.nodes[targetID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: target %s", ErrNodeMissing, targetID)
	}
	src.refs[tgt.typ] = targetID
	if ref, ok := tgt.by[src.typ]; ok && ref.many {
		ref.set[sourceID] = struct{}{}
	} else {
		tgt.by[src.typ] = &reverseRef{one: sourceID}
	}
	cbs := tgt.callbacks()
	g.mu.Unlock()
	fire(cbs, targetID)
	return nil
}

// RemoveLink deletes the forward edge from source to the given target type
// and the matching reverse entry, then notifies both endpoints.
func (g *Graph) RemoveLink(sourceID, targetType string) error {
	g.mu.Lock()
	src, ok := g.nodes[sourceID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: source %s", ErrNodeMissing, sourceID)
	}
	targetID, ok := src.refs[targetType]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	delete(src.refs, targetType)
	var tgtCbs []func(string)
	if tgt, ok := g.nodes[targetID]; ok {
		if ref, ok := tgt.by[src.typ]; ok {
			if ref.many {
				delete(ref.set, sourceID)
			} else if ref.one == sourceID {
				ref.one = ""
			}
		}
		tgtCbs = tgt.callbacks()
	}
	srcCbs := src.callbacks()
	g.mu.Unlock()
	fire(tgtCbs, targetID)
	fire(srcCbs, sourceID)
	return nil
}

// Reference returns the forward edge of source for the given target type.
func (g *Graph) Reference(sourceID, targetType string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[sourceID]
	if !ok {
		return "", false
	}
	id, ok := n.refs[targetType]
	return id, ok
}

// ReferencedBy returns the ids holding an edge into the node from the given
// source type. For a many-edge this is the full set; for a one-edge it is a
// zero- or one-element slice.
func (g *Graph) ReferencedBy(id, sourceType string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	ref, ok := n.by[sourceType]
	if !ok {
		return nil
	}
	if !ref.many {
		if ref.one == "" {
			return nil
		}
		return []string{ref.one}
	}
	out := make([]string, 0, len(ref.set))
	for s := range ref.set {
		out = append(out, s)
	}
	return out
}

// Subscribe registers a callback invoked with the node id whenever the node,
// a forward reference, or a reverse edge touching it changes. Returns an
// idempotent unsubscribe. Fails if the node does not exist.
func (g *Graph) Subscribe(id string, cb func(nodeID string)) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeMissing, id)
	}
	g.nextSub++
	token := g.nextSub
	n.subs[token] = cb
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if n, ok := g.nodes[id]; ok {
			delete(n.subs, token)
		}
	}, nil
}

// Notify invokes the node's subscribers. The store calls this after a field
// mutation that changed the entity without touching any edge.
func (g *Graph) Notify(id string) {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	cbs := n.callbacks()
	g.mu.Unlock()
	fire(cbs, id)
}

// RemoveNode clears reverse entries pointing at the node (notifying the
// affected sources), detaches its own reverse edges, and deletes it.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	n, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	var notify []string
	// Sources still pointing at this node lose their forward edge.
	for _, ref := range n.by {
		var sources []string
		if ref.many {
			for s := range ref.set {
				sources = append(sources, s)
			}
		} else if ref.one != "" {
			sources = []string{ref.one}
		}
		for _, s := range sources {
			if src, ok := g.nodes[s]; ok {
				delete(src.refs, n.typ)
				notify = append(notify, s)
			}
		}
	}
	// Drop this node from reverse entries of its forward targets.
	for _, targetID := range n.refs {
		if tgt, ok := g.nodes[targetID]; ok {
			if ref, ok := tgt.by[n.typ]; ok {
				if ref.many {
					delete(ref.set, id)
				} else if ref.one == id {
					ref.one = ""
				}
			}
		}
	}
	delete(g.nodes, id)
	cbMap := make(map[string][]func(string), len(notify))
	for _, s := range notify {
		if src, ok := g.nodes[s]; ok {
			cbMap[s] = src.callbacks()
		}
	}
	g.mu.Unlock()
	for s, cbs := range cbMap {
		fire(cbs, s)
	}
}

func (n *node) callbacks() []func(string) {
	if len(n.subs) == 0 {
		return nil
	}
	out := make([]func(string), 0, len(n.subs))
	for _, cb := range n.subs {
		out = append(out, cb)
	}
	return out
}

func fire(cbs []func(string), id string) {
	for _, cb := range cbs {
		cb(id)
	}
}
