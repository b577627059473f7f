// Package sqlite provides a SQLite-backed document store.
//
// It assumes a single writer process: change notification is in-process via
// the store hub, with commits serialized so notifications fan out in commit
// order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/concord/internal/store"
	"github.com/louisbranch/concord/internal/store/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists documents in SQLite and implements store.Store and
// store.Versioned.
type Store struct {
	mu    sync.Mutex
	sqlDB *sql.DB
	hub   *store.Hub
	now   func() time.Time
}

// Open opens a SQLite document store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, hub: store.NewHub(), now: time.Now}, nil
}

// Close releases the SQLite handle and closes every open subscription.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.hub.CloseAll()
	return s.sqlDB.Close()
}

// Read returns the current value at key, or nil when the key is absent.
func (s *Store) Read(ctx context.Context, key string) (store.Document, error) {
	doc, _, err := s.ReadRev(ctx, key)
	return doc, err
}

// ReadRev returns the current value and revision at key.
func (s *Store) ReadRev(ctx context.Context, key string) (store.Document, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, 0, fmt.Errorf("storage is not configured")
	}
	var body string
	var rev int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT body, rev FROM documents WHERE key = ?`, key,
	).Scan(&body, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read document: %w", err)
	}
	doc, err := decodeBody(body)
	if err != nil {
		return nil, 0, err
	}
	return doc, uint64(rev), nil
}

// Write merges doc into the value at key.
func (s *Store) Write(ctx context.Context, key string, doc store.Document) error {
	normalized, err := store.Normalize(doc)
	if err != nil {
		return err
	}
	_, err = s.commit(ctx, key, func(current store.Document, _ uint64) (store.Document, error) {
		return store.Merge(current, normalized), nil
	})
	return err
}

// Transact atomically applies fn to the current value at key.
func (s *Store) Transact(ctx context.Context, key string, fn store.TxFunc) (store.Document, error) {
	if fn == nil {
		return nil, fmt.Errorf("transaction function is required")
	}
	var committed store.Document
	_, err := s.commit(ctx, key, func(current store.Document, _ uint64) (store.Document, error) {
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			committed = current
			return nil, nil
		}
		committed = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// CompareAndSwap replaces the value at key only if its revision still equals
// rev.
func (s *Store) CompareAndSwap(ctx context.Context, key string, rev uint64, doc store.Document) (uint64, error) {
	normalized, err := store.Normalize(doc)
	if err != nil {
		return 0, err
	}
	committed, err := s.commit(ctx, key, func(_ store.Document, currentRev uint64) (store.Document, error) {
		if currentRev != rev {
			return nil, store.ErrRevMismatch
		}
		return normalized, nil
	})
	if err != nil {
		return 0, err
	}
	return committed, nil
}

// Delete removes the key and any pushed children beneath it as one removal.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	prefix := key + "/"
	rows, err := tx.QueryContext(ctx,
		`SELECT key FROM documents WHERE key = ? OR key LIKE ?`, key, prefix+"%",
	)
	if err != nil {
		return fmt.Errorf("list subtree: %w", err)
	}
	var removed []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return fmt.Errorf("scan key: %w", err)
		}
		removed = append(removed, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate subtree: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE key = ? OR key LIKE ?`, key, prefix+"%",
	); err != nil {
		return fmt.Errorf("delete subtree: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	// The parent key sorts before its children, so the root deletion is
	// observed first.
	sort.Strings(removed)
	for _, k := range removed {
		s.hub.Publish(k, nil)
	}
	return nil
}

// Subscribe registers for changes at key, delivering the current value
// immediately.
func (s *Store) Subscribe(ctx context.Context, key string) (*store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _, err := s.ReadRev(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.hub.Attach(key, current), nil
}

// Push writes doc under a freshly allocated child key of parent.
func (s *Store) Push(ctx context.Context, parent string, doc store.Document) (string, error) {
	normalized, err := store.Normalize(doc)
	if err != nil {
		return "", err
	}
	key := store.ChildKey(parent, store.NewPushID(s.now()))
	if _, err := s.commit(ctx, key, func(store.Document, uint64) (store.Document, error) {
		return normalized, nil
	}); err != nil {
		return "", err
	}
	return key, nil
}

// List returns all pushed children of parent keyed by child key.
func (s *Store) List(ctx context.Context, parent string) (map[string]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT key, body FROM documents WHERE key LIKE ?`, parent+"/%",
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]store.Document)
	for rows.Next() {
		var k, body string
		if err := rows.Scan(&k, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		out[k] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// commit runs fn against the current row for key and, unless fn returns nil,
// replaces the row and notifies subscribers. The store mutex serializes
// commits so the hub observes them in commit order.
func (s *Store) commit(ctx context.Context, key string, fn func(current store.Document, rev uint64) (store.Document, error)) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var body string
	var rev int64
	var current store.Document
	err = tx.QueryRowContext(ctx,
		`SELECT body, rev FROM documents WHERE key = ?`, key,
	).Scan(&body, &rev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("read document: %w", err)
	default:
		current, err = decodeBody(body)
		if err != nil {
			return 0, err
		}
	}

	next, err := fn(current, uint64(rev))
	if err != nil {
		return 0, err
	}
	if next == nil {
		return uint64(rev), nil
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}
	newRev := rev + 1
	if _, err := tx.ExecContext(ctx, `
INSERT INTO documents (key, rev, body, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET rev = excluded.rev, body = excluded.body, updated_at = excluded.updated_at
`, key, newRev, string(encoded), s.now().UTC().UnixMilli()); err != nil {
		return 0, fmt.Errorf("write document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit write: %w", err)
	}

	s.hub.Publish(key, next)
	return uint64(newRev), nil
}

func decodeBody(body string) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	return doc, nil
}

// applyMigrations executes embedded .sql files once each, in name order.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	if _, err := sqlDB.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		if err := sqlDB.QueryRow(
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name,
		).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := sqlDB.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := sqlDB.Exec(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}
