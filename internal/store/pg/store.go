// Package pg is the server backend: every storage role on PostgreSQL, with
// pgvector similarity search, SKIP LOCKED queues and LISTEN/NOTIFY events.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// Store implements store.Storage on PostgreSQL.
type Store struct {
	db      *sql.DB
	vectors bool
	dims    int
	now     func() time.Time

	mu       sync.RWMutex
	embedder store.EmbeddingProvider

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ store.Storage = (*Store)(nil)

// Open connects to cfg.PostgresDSN and migrates the schema.
func Open(ctx context.Context, cfg store.StoreConfig) (*Store, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres: dsn is empty")
	}
	db, err := OpenDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := MigrateUp(db, cfg.VectorEnabled); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, cfg), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, cfg store.StoreConfig) *Store {
	return &Store{
		db:      db,
		vectors: cfg.VectorEnabled,
		dims:    cfg.EmbeddingDims,
		now:     store.Now,
		subs:    make(map[*subscription]struct{}),
	}
}

// DB exposes the underlying handle for migrations and diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) SetEmbeddingProvider(provider store.EmbeddingProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedder = provider
}

func (s *Store) embeddingProvider() store.EmbeddingProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder
}

func (s *Store) Close() error {
	s.subsMu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return s.db.Close()
}

// checkDims rejects embeddings of the wrong width when a width is configured.
func (s *Store) checkDims(v []float32) error {
	if s.dims > 0 && len(v) > 0 && len(v) != s.dims {
		return fmt.Errorf("embedding has %d dims, store expects %d", len(v), s.dims)
	}
	return nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return wrap(kind, id, store.ErrNotFound)
	}
	return wrap(kind, id, err)
}
