// Package sqlitestore is a modernc.org/sqlite-backed docstore.Store
// implementation. Each collection maps to a dedicated
// (id TEXT PRIMARY KEY, data TEXT, updated_at INTEGER) table, and
// subscription is implemented by polling for rows whose updated_at
// advances past a high-water mark, so no component depends on a
// particular document-store vendor's change-stream feature set.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/routespark/core/internal/database"
	"github.com/routespark/core/internal/docstore"
)

// tableFor maps a logical collection name to its backing table. Using an
// allowlist (rather than string-formatting the collection name directly
// into SQL) avoids any possibility of SQL injection through a caller-
// supplied collection name.
var tableFor = map[string]string{
	"routes_status":        "docstore_routes_status",
	"forecasts":            "docstore_forecasts",
	"jobs":                 "docstore_jobs",
	"route_locks":          "docstore_route_locks",
	"transfer_suggestions": "docstore_transfer_suggestions",
	"push_tokens":          "docstore_push_tokens",
	"route_groups":         "docstore_route_groups",
}

// PollInterval is how often Subscribe checks for new changes.
const PollInterval = 500 * time.Millisecond

// Store is a SQLite-backed docstore.Store.
type Store struct {
	db *database.DB
}

// New wraps an already-migrated *database.DB as a docstore.Store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

func table(collection string) (string, error) {
	t, ok := tableFor[collection]
	if !ok {
		return "", fmt.Errorf("sqlitestore: unknown collection %q", collection)
	}
	return t, nil
}

func decode(raw string) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	var raw string
	err = s.db.Conn().QueryRowContext(ctx, "SELECT data FROM "+t+" WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, &docstore.NotFoundError{Collection: collection, ID: id}
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Set implements docstore.Store.
func (s *Store) Set(ctx context.Context, collection, id string, doc docstore.Document) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO `+t+` (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, id, string(raw), time.Now().UnixNano())
	return err
}

// Update implements docstore.Store via read-modify-write.
func (s *Store) Update(ctx context.Context, collection, id string, patch docstore.Document) error {
	return s.TxnReadModifyWrite(ctx, collection, id, func(current docstore.Document) (docstore.Document, bool, error) {
		if current == nil {
			current = docstore.Document{}
		}
		for k, v := range patch {
			current[k] = v
		}
		return current, true, nil
	})
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	_, err = s.db.Conn().ExecContext(ctx, "DELETE FROM "+t+" WHERE id = ?", id)
	return err
}

// StreamCollection implements docstore.Store.
func (s *Store) StreamCollection(ctx context.Context, collection string) ([]docstore.Document, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Conn().QueryContext(ctx, "SELECT data FROM "+t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []docstore.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// TxnReadModifyWrite implements docstore.Store by reading and writing the
// document inside one SQLite transaction. The transaction is opened in the
// driver's default (deferred) mode, so the write lock is taken at the
// write, not at the read.
func (s *Store) TxnReadModifyWrite(ctx context.Context, collection, id string, fn func(current docstore.Document) (docstore.Document, bool, error)) error {
	t, err := table(collection)
	if err != nil {
		return err
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	var current docstore.Document
	err = tx.QueryRowContext(ctx, "SELECT data FROM "+t+" WHERE id = ?", id).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		current = nil
	case err != nil:
		return err
	default:
		current, err = decode(raw)
		if err != nil {
			return err
		}
	}

	next, ok, err := fn(current)
	if err != nil {
		return err
	}
	if !ok {
		return tx.Rollback()
	}

	nextRaw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+t+` (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, id, string(nextRaw), time.Now().UnixNano()); err != nil {
		return err
	}

	return tx.Commit()
}

// Subscribe implements docstore.Store by polling for rows whose
// updated_at advances past the high-water mark observed at subscribe
// time. Delivery is at-least-once: a poll that observes more than one
// change to the same document between ticks only emits the latest state,
// which downstream dedup (by document id + update time) handles per the
// change-stream contract.
func (s *Store) Subscribe(ctx context.Context, collection string) (<-chan docstore.ChangeEvent, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}

	ch := make(chan docstore.ChangeEvent, 256)
	go func() {
		defer close(ch)
		highWater := time.Now().UnixNano()
		known := make(map[string]bool)
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rows, err := s.db.Conn().QueryContext(ctx, "SELECT id, data, updated_at FROM "+t+" WHERE updated_at > ? ORDER BY updated_at ASC", highWater)
				if err != nil {
					continue
				}
				type change struct {
					id  string
					doc docstore.Document
				}
				var changes []change
				for rows.Next() {
					var id, raw string
					var updatedAt int64
					if err := rows.Scan(&id, &raw, &updatedAt); err != nil {
						continue
					}
					doc, err := decode(raw)
					if err != nil {
						continue
					}
					if updatedAt > highWater {
						highWater = updatedAt
					}
					changes = append(changes, change{id: id, doc: doc})
				}
				rows.Close()

				for _, c := range changes {
					changeType := docstore.Modified
					if !known[c.id] {
						changeType = docstore.Added
						known[c.id] = true
					}
					select {
					case ch <- docstore.ChangeEvent{Type: changeType, ID: c.id, Document: c.doc}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// ServerTimestamp implements docstore.Store.
func (s *Store) ServerTimestamp() time.Time {
	return time.Now()
}
