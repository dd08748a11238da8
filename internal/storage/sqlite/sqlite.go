// Package sqlite provides the durable storage backend. Each resource gets
// its own table with the entity's field envelopes stored as a JSON blob; a
// meta table pins the schema content hash so a schema change resets state
// instead of serving stale shapes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/relstate/relstate/internal/merge"
	"github.com/relstate/relstate/internal/query"
	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/storage"
)

// Store is the sqlite-backed storage.
type Store struct {
	db     *sql.DB
	schema *schema.Schema
}

// Open opens (or creates) the database at path and ensures one table per
// resource. If the stored schema hash differs from the current one, all
// resource tables are dropped and recreated.
func Open(path string, s *schema.Schema) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	st := &Store{db: db, schema: s}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS relstate_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlite: create meta table: %w", err)
	}

	wantHash := s.schema.Hash()
	var haveHash string
	err := s.db.QueryRow(`SELECT value FROM relstate_meta WHERE key = 'schema_hash'`).Scan(&haveHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Fresh database.
	case err != nil:
		return fmt.Errorf("sqlite: read schema hash: %w", err)
	case haveHash != wantHash:
		log.Printf("sqlite: schema hash changed, resetting storage")
		for _, resource := range s.schema.Resources() {
			if _, err := s.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableName(resource))); err != nil {
				return fmt.Errorf("sqlite: drop %s: %w", resource, err)
			}
		}
	}

	for _, resource := range s.schema.Resources() {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			fields TEXT NOT NULL
		)`, tableName(resource))
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: create table for %s: %w", resource, err)
		}
	}
	if _, err := s.db.Exec(`INSERT INTO relstate_meta (key, value) VALUES ('schema_hash', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, wantHash); err != nil {
		return fmt.Errorf("sqlite: store schema hash: %w", err)
	}
	return nil
}

// tableName namespaces resource tables away from the meta table. Resource
// names come from the validated schema, not user input.
func tableName(resource string) string {
	return `"res_` + resource + `"`
}

func (s *Store) checkResource(resource string) error {
	if !s.schema.Has(resource) {
		return fmt.Errorf("sqlite: unknown resource %q", resource)
	}
	return nil
}

func (s *Store) FindMany(ctx context.Context, resource string, where query.Where) ([]merge.Entity, error) {
	if err := s.checkResource(resource); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, fields FROM %s ORDER BY id`, tableName(resource)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: query %s: %w", resource, err)
	}
	defer rows.Close()

	var out []merge.Entity
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", resource, err)
		}
		e, err := decodeRow(id, blob)
		if err != nil {
			return nil, err
		}
		if storage.MatchScalar(e, where) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func (s *Store) FindByID(ctx context.Context, resource, id string) (merge.Entity, error) {
	if err := s.checkResource(resource); err != nil {
		return merge.Entity{}, err
	}
	var blob string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT fields FROM %s WHERE id = ?`, tableName(resource)), id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return merge.Entity{}, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, resource, id)
	}
	if err != nil {
		return merge.Entity{}, fmt.Errorf("sqlite: find %s/%s: %w", resource, id, err)
	}
	return decodeRow(id, blob)
}

func (s *Store) Insert(ctx context.Context, resource string, e merge.Entity) error {
	if err := s.checkResource(resource); err != nil {
		return err
	}
	blob, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("sqlite: encode %s/%s: %w", resource, e.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, fields) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, tableName(resource)),
		e.ID, string(blob))
	if err != nil {
		return fmt.Errorf("sqlite: insert %s/%s: %w", resource, e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", storage.ErrAlreadyExists, resource, e.ID)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, resource string, e merge.Entity) error {
	if err := s.checkResource(resource); err != nil {
		return err
	}
	blob, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("sqlite: encode %s/%s: %w", resource, e.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET fields = ? WHERE id = ?`, tableName(resource)),
		string(blob), e.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update %s/%s: %w", resource, e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", storage.ErrNotFound, resource, e.ID)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decodeRow(id, blob string) (merge.Entity, error) {
	var fields merge.Payload
	if err := json.Unmarshal([]byte(blob), &fields); err != nil {
		return merge.Entity{}, fmt.Errorf("sqlite: decode entity %s: %w", id, err)
	}
	return merge.Entity{ID: id, Fields: fields}, nil
}
