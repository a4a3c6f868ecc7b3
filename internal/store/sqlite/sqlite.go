// Package sqlite is the embedded durable backend: SQLite tables for every
// role and in-process cosine ranking for similarity search.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentos/internal/bus"
	"github.com/nextlevelbuilder/agentos/internal/store"
)

// Store implements store.Storage on a SQLite file.
type Store struct {
	db       *sqlx.DB
	mu       sync.Mutex // serializes writers
	embedMu  sync.RWMutex
	embedder store.EmbeddingProvider
	events   *bus.MessageBus
	now      func() time.Time
}

var _ store.Storage = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: a single writer and a consistent view for :memory: databases.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, events: bus.New(), now: store.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding TEXT NOT NULL DEFAULT '[]',
			importance REAL NOT NULL DEFAULT 0.5,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			priority INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			page_count INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_owner ON checkpoints(owner_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS context_pages (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			has_embedding INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_owner ON context_pages(owner_id)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_owner ON audit_log(owner_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS task_queue (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			claimed_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			claimed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue(queue, status, priority, created_at)`,
		`CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error {
	s.events.Close()
	return s.db.Close()
}

func (s *Store) SetEmbeddingProvider(provider store.EmbeddingProvider) {
	s.embedMu.Lock()
	defer s.embedMu.Unlock()
	s.embedder = provider
}

func (s *Store) embeddingProvider() store.EmbeddingProvider {
	s.embedMu.RLock()
	defer s.embedMu.RUnlock()
	return s.embedder
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}
