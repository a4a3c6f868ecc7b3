// Package composite assembles a store.Storage from per-role backends, e.g.
// Postgres for state with Redis for coordination.
package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/store/mem"
	"github.com/nextlevelbuilder/agentos/internal/store/pg"
	"github.com/nextlevelbuilder/agentos/internal/store/redis"
	"github.com/nextlevelbuilder/agentos/internal/store/sqlite"
)

// Store routes each role to its backend.
type Store struct {
	memory       store.MemoryStore
	state        store.StateStore
	index        store.IndexStore
	coordination store.CoordinationStore
	audit        store.AuditStore
	closers      []io.Closer
}

var _ store.Storage = (*Store)(nil)

// Option overrides the backend for one role.
type Option func(*Store)

func WithMemory(m store.MemoryStore) Option { return func(s *Store) { s.memory = m } }
func WithState(st store.StateStore) Option { return func(s *Store) { s.state = st } }
func WithIndex(i store.IndexStore) Option { return func(s *Store) { s.index = i } }
func WithAudit(a store.AuditStore) Option { return func(s *Store) { s.audit = a } }
func WithCoordination(c store.CoordinationStore) Option {
	return func(s *Store) { s.coordination = c }
}

// New serves every role from base unless an option replaces it. Close
// closes base and every distinct override that is an io.Closer.
func New(base store.Storage, opts ...Option) *Store {
	s := &Store{
		memory:       base,
		state:        base,
		index:        base,
		coordination: base,
		audit:        base,
	}
	for _, opt := range opts {
		opt(s)
	}
	seen := make(map[any]bool)
	for _, role := range []any{base, s.memory, s.state, s.index, s.coordination, s.audit} {
		c, ok := role.(io.Closer)
		if !ok || seen[role] {
			continue
		}
		seen[role] = true
		s.closers = append(s.closers, c)
	}
	return s
}

// Open builds the storage described by cfg: the primary backend for every
// role, with coordination moved to Redis when RedisAddr is set.
func Open(ctx context.Context, cfg store.StoreConfig) (*Store, error) {
	var base store.Storage
	switch cfg.Backend {
	case "", store.BackendMemory:
		base = mem.New()
	case store.BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite backend: path is empty")
		}
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		base = s
	case store.BackendPostgres:
		s, err := pg.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		base = s
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	var opts []Option
	if cfg.RedisAddr != "" {
		r, err := redis.Open(ctx, cfg.RedisAddr)
		if err != nil {
			base.Close()
			return nil, err
		}
		opts = append(opts, WithCoordination(r))
	}
	slog.Info("storage opened", "backend", cfg.Backend, "redis", cfg.RedisAddr != "")
	return New(base, opts...), nil
}

func (s *Store) SaveMemory(ctx context.Context, rec store.MemoryRecord) (string, error) {
	return s.memory.SaveMemory(ctx, rec)
}

func (s *Store) RetrieveMemories(ctx context.Context, ownerID, category string, limit int) ([]store.MemoryRecord, error) {
	return s.memory.RetrieveMemories(ctx, ownerID, category, limit)
}

func (s *Store) SaveProcess(ctx context.Context, proc *store.Process) error {
	return s.state.SaveProcess(ctx, proc)
}

func (s *Store) LoadProcess(ctx context.Context, pid string) (*store.Process, error) {
	return s.state.LoadProcess(ctx, pid)
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) (string, error) {
	return s.state.SaveCheckpoint(ctx, cp)
}

func (s *Store) LoadCheckpoint(ctx context.Context, id string) (*store.Checkpoint, error) {
	return s.state.LoadCheckpoint(ctx, id)
}

func (s *Store) ListCheckpoints(ctx context.Context, ownerID string) ([]store.CheckpointInfo, error) {
	return s.state.ListCheckpoints(ctx, ownerID)
}

func (s *Store) SaveContextPage(ctx context.Context, page *store.Page) error {
	return s.index.SaveContextPage(ctx, page)
}

func (s *Store) LoadContextPage(ctx context.Context, pageID string) (*store.Page, error) {
	return s.index.LoadContextPage(ctx, pageID)
}

func (s *Store) SemanticSearch(ctx context.Context, ownerID string, embedding []float32, limit int) ([]store.ScoredPage, error) {
	return s.index.SemanticSearch(ctx, ownerID, embedding, limit)
}

func (s *Store) FindSimilarMemories(ctx context.Context, ownerID, content string, limit int) ([]store.ScoredMemory, error) {
	return s.index.FindSimilarMemories(ctx, ownerID, content, limit)
}

// SetEmbeddingProvider reaches the index role and, when it differs and can
// take one, the memory role so saved memories get embedded.
func (s *Store) SetEmbeddingProvider(provider store.EmbeddingProvider) {
	s.index.SetEmbeddingProvider(provider)
	if m, ok := s.memory.(interface {
		SetEmbeddingProvider(store.EmbeddingProvider)
	}); ok && any(m) != any(s.index) {
		m.SetEmbeddingProvider(provider)
	}
}

func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return s.coordination.AcquireLock(ctx, name, holder, ttl)
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	return s.coordination.ReleaseLock(ctx, name, holder)
}

func (s *Store) EnqueueTask(ctx context.Context, queue string, priority int, payload json.RawMessage) (string, error) {
	return s.coordination.EnqueueTask(ctx, queue, priority, payload)
}

func (s *Store) DequeueTask(ctx context.Context, queue, worker string) (*store.QueueTask, error) {
	return s.coordination.DequeueTask(ctx, queue, worker)
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, failed bool) error {
	return s.coordination.CompleteTask(ctx, taskID, failed)
}

func (s *Store) PublishEvent(ctx context.Context, ev store.Event) error {
	return s.coordination.PublishEvent(ctx, ev)
}

func (s *Store) SubscribeEvents(ctx context.Context, channel string, handler store.EventHandler) (func(), error) {
	return s.coordination.SubscribeEvents(ctx, channel, handler)
}

func (s *Store) LogAction(ctx context.Context, entry store.AuditEntry) (string, error) {
	return s.audit.LogAction(ctx, entry)
}

func (s *Store) GetAuditTrail(ctx context.Context, ownerID string, limit int) ([]store.AuditEntry, error) {
	return s.audit.GetAuditTrail(ctx, ownerID, limit)
}

func (s *Store) ReplayActions(ctx context.Context, ownerID, fromCheckpointID string) ([]store.AuditEntry, error) {
	return s.audit.ReplayActions(ctx, ownerID, fromCheckpointID)
}

func (s *Store) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
