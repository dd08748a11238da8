// Package factory opens a storage backend from configuration.
package factory

import (
	"fmt"

	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/storage"
	"github.com/relstate/relstate/internal/storage/memory"
	"github.com/relstate/relstate/internal/storage/sqlite"
)

// Open returns a backend by name: "memory" or "sqlite". The dsn is the
// database path for sqlite and ignored for memory.
func Open(backend, dsn string, s *schema.Schema) (storage.Store, error) {
	switch backend {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("factory: sqlite backend requires a dsn")
		}
		return sqlite.Open(dsn, s)
	}
	return nil, fmt.Errorf("factory: unknown storage backend %q", backend)
}
