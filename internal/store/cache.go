package store

import (
	"sync"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/protocol"
)

// PersistedStacks is the meta record persisted alongside entities: the
// default mutation stacks plus the custom message stack and its index.
type PersistedStacks struct {
	Mutations   map[string][]protocol.Mutation `json:"mutations"`
	Custom      []*protocol.Message            `json:"custom"`
	CustomIndex map[string][]CustomRef         `json:"customIndex"`
}

// Cache is the client disk cache the store persists through. Implementations
// live outside the core; writes are fire-and-forget and must never block
// store progress. The interface carries no schema content hash, and the
// store does not reset or version a cache when the schema changes.
type Cache interface {
	// PutEntity upserts the merged fields of one entity.
	PutEntity(resource, id string, fields merge.Payload) error
	// LoadAll returns every persisted entity, keyed resource then id.
	LoadAll() (map[string]map[string]merge.Payload, error)
	// SaveStacks replaces the persisted meta record.
	SaveStacks(stacks PersistedStacks) error
	// LoadStacks returns the persisted meta record (zero value if none).
	LoadStacks() (PersistedStacks, error)
}

// MemoryCache is an in-memory Cache used in tests. A store built with a nil
// cache persists nothing.
type MemoryCache struct {
	mu       sync.Mutex
	entities map[string]map[string]merge.Payload
	stacks   PersistedStacks
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entities: make(map[string]map[string]merge.Payload)}
}

func (c *MemoryCache) PutEntity(resource, id string, fields merge.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.entities[resource]
	if byID == nil {
		byID = make(map[string]merge.Payload)
		c.entities[resource] = byID
	}
	byID[id] = fields.Clone()
	return nil
}

func (c *MemoryCache) LoadAll() (map[string]map[string]merge.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]merge.Payload, len(c.entities))
	for resource, byID := range c.entities {
		m := make(map[string]merge.Payload, len(byID))
		for id, fields := range byID {
			m[id] = fields.Clone()
		}
		out[resource] = m
	}
	return out, nil
}

func (c *MemoryCache) SaveStacks(stacks PersistedStacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stacks = stacks
	return nil
}

func (c *MemoryCache) LoadStacks() (PersistedStacks, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stacks, nil
}
