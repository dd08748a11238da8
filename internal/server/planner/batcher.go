package planner

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relstate/relstate/internal/debug"
	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/storage"
)

// fetchConcurrency bounds the parallel storage fetches of one planner run.
const fetchConcurrency = 8

// batcher coalesces storage fetches for identical (resource, where) shapes
// within a single planner run.
type batcher struct {
	storage storage.Store

	mu       sync.Mutex
	inflight map[string]*sharedFetch
}

type sharedFetch struct {
	once     sync.Once
	entities []merge.Entity
	err      error
}

func newBatcher(st storage.Store) *batcher {
	return &batcher{storage: st, inflight: make(map[string]*sharedFetch)}
}

// fetch runs (or joins) the storage fetch for the given shape.
func (b *batcher) fetch(ctx context.Context, resource string, where query.Where) ([]merge.Entity, error) {
	key := fetchKey(resource, where)
	b.mu.Lock()
	f, ok := b.inflight[key]
	if !ok {
		f = &sharedFetch{}
		b.inflight[key] = f
	}
	b.mu.Unlock()
	f.once.Do(func() {
		f.entities, f.err = b.storage.FindMany(ctx, resource, where)
	})
	return f.entities, f.err
}

// fetchForParents resolves one child step for every distinct parent row,
// concurrently. Results are keyed by parent entity id. Per-parent failures
// are discarded in this pass; the parent simply keeps an empty collection.
func (b *batcher) fetchForParents(ctx context.Context, s *step, parents []*row, authWhere query.Where) map[string][]*row {
	out := make(map[string][]*row, len(parents))
	var outMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	seen := make(map[string]bool, len(parents))
	for _, parent := range parents {
		parentID := parent.entity.ID
		if seen[parentID] {
			continue
		}
		seen[parentID] = true

		var where query.Where
		if s.isMany {
			where = query.Where{s.foreignCol: parentID}
		} else {
			targetID, _ := parent.entity.FieldValue(s.localCol).(string)
			if targetID == "" {
				continue
			}
			where = query.Where{"id": targetID}
		}
		where = query.And(where, authWhere)

		g.Go(func() error {
			entities, err := b.fetch(ctx, s.resource, where)
			if err != nil {
				debug.Logf("planner: step %s fetch for parent %s: %v", s.id, parentID, err)
				return nil
			}
			outMu.Lock()
			out[parentID] = toRows(entities)
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fetchKey canonicalizes a fetch shape; encoding/json sorts map keys, so
// equal shapes always produce equal keys.
func fetchKey(resource string, where query.Where) string {
	data, err := json.Marshal(where)
	if err != nil {
		data = []byte("{}")
	}
	return resource + "\x00" + string(data)
}
