// Package mem is the volatile storage backend: every role held in process
// memory. Nothing survives a restart.
package mem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/bus"
	"github.com/nextlevelbuilder/agentos/internal/store"
)

type lockEntry struct {
	holder  string
	expires time.Time
}

// Store implements store.Storage in memory. Saved values are copied in and
// out so callers never alias stored state.
type Store struct {
	mu          sync.RWMutex
	memories    []store.MemoryRecord
	processes   map[string]*store.Process
	checkpoints map[string]*store.Checkpoint
	pages       map[string]*store.Page
	locks       map[string]lockEntry
	tasks       map[string]*store.QueueTask
	taskSeq     map[string]uint64
	seq         uint64
	audit       []store.AuditEntry
	embedder    store.EmbeddingProvider

	events *bus.MessageBus
	now    func() time.Time
}

var _ store.Storage = (*Store)(nil)

func New() *Store {
	return &Store{
		processes:   make(map[string]*store.Process),
		checkpoints: make(map[string]*store.Checkpoint),
		pages:       make(map[string]*store.Page),
		locks:       make(map[string]lockEntry),
		tasks:       make(map[string]*store.QueueTask),
		taskSeq:     make(map[string]uint64),
		events:      bus.New(),
		now:         store.Now,
	}
}

// --- memory ---

func (s *Store) SaveMemory(ctx context.Context, rec store.MemoryRecord) (string, error) {
	if err := store.ValidateOwnerID(rec.OwnerID); err != nil {
		return "", err
	}
	s.mu.RLock()
	embedder := s.embedder
	s.mu.RUnlock()
	if len(rec.Embedding) == 0 && embedder != nil {
		if vec, err := store.EmbedOne(ctx, embedder, rec.Content); err == nil {
			rec.Embedding = vec
		} else {
			slog.Warn("mem: memory embedding failed", "owner", rec.OwnerID, "error", err)
		}
	}
	if rec.ID == "" {
		rec.ID = store.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories = append(s.memories, store.CloneMemory(rec))
	return rec.ID, nil
}

func (s *Store) RetrieveMemories(_ context.Context, ownerID, category string, limit int) ([]store.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.MemoryRecord
	for i := len(s.memories) - 1; i >= 0; i-- {
		r := s.memories[i]
		if r.OwnerID != ownerID || (category != "" && r.Category != category) {
			continue
		}
		out = append(out, store.CloneMemory(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- state ---

func (s *Store) SaveProcess(_ context.Context, proc *store.Process) error {
	if proc == nil || proc.ID == "" {
		return fmt.Errorf("save process: id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[proc.ID] = proc.Clone()
	return nil
}

func (s *Store) LoadProcess(_ context.Context, pid string) (*store.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[pid]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", pid, store.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp *store.Checkpoint) (string, error) {
	if cp == nil || cp.ProcessState == nil {
		return "", fmt.Errorf("save checkpoint: missing process state")
	}
	cp.Prepare()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[cp.ID]; ok {
		return "", fmt.Errorf("checkpoint %s: %w", cp.ID, store.ErrCheckpointExists)
	}
	s.checkpoints[cp.ID] = cp.Clone()
	return cp.ID, nil
}

func (s *Store) LoadCheckpoint(_ context.Context, id string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, store.ErrNotFound)
	}
	return cp.Clone(), nil
}

func (s *Store) ListCheckpoints(_ context.Context, ownerID string) ([]store.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CheckpointInfo
	for _, cp := range s.checkpoints {
		if cp.OwnerID == ownerID {
			out = append(out, cp.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// --- index ---

func (s *Store) SaveContextPage(_ context.Context, page *store.Page) error {
	if err := store.ValidatePage(page); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.ID] = page.Clone()
	return nil
}

func (s *Store) LoadContextPage(_ context.Context, pageID string) (*store.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, store.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) SemanticSearch(_ context.Context, ownerID string, embedding []float32, limit int) ([]store.ScoredPage, error) {
	s.mu.RLock()
	var pages []*store.Page
	for _, p := range s.pages {
		if p.OwnerID == ownerID {
			pages = append(pages, p.Clone())
		}
	}
	s.mu.RUnlock()
	return store.RankPages(pages, embedding, limit), nil
}

func (s *Store) FindSimilarMemories(ctx context.Context, ownerID, content string, limit int) ([]store.ScoredMemory, error) {
	s.mu.RLock()
	embedder := s.embedder
	s.mu.RUnlock()
	if embedder == nil {
		return nil, nil
	}
	query, err := store.EmbedOne(ctx, embedder, content)
	if err != nil {
		return nil, err
	}
	recs, _ := s.RetrieveMemories(ctx, ownerID, "", 0)
	return store.RankMemories(recs, query, limit), nil
}

func (s *Store) SetEmbeddingProvider(provider store.EmbeddingProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedder = provider
}

// --- coordination ---

func (s *Store) AcquireLock(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.locks[name]; ok && now.Before(l.expires) {
		return false, nil
	}
	s.locks[name] = lockEntry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[name]; ok && l.holder == holder {
		delete(s.locks, name)
	}
	return nil
}

func (s *Store) EnqueueTask(_ context.Context, queue string, priority int, payload json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &store.QueueTask{
		ID:        store.NewID(),
		Queue:     queue,
		Priority:  priority,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    store.TaskPending,
		CreatedAt: s.now(),
	}
	s.tasks[t.ID] = t
	s.taskSeq[t.ID] = s.seq
	return t.ID, nil
}

func (s *Store) DequeueTask(_ context.Context, queue, worker string) (*store.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.QueueTask
	for _, t := range s.tasks {
		if t.Queue != queue || t.Status != store.TaskPending {
			continue
		}
		if best == nil || t.Priority < best.Priority ||
			(t.Priority == best.Priority && s.taskSeq[t.ID] < s.taskSeq[best.ID]) {
			best = t
		}
	}
	if best == nil {
		return nil, store.ErrQueueEmpty
	}
	now := s.now()
	best.Status = store.TaskProcessing
	best.ClaimedBy = worker
	best.ClaimedAt = &now
	out := *best
	out.Payload = append(json.RawMessage(nil), best.Payload...)
	return &out, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	t.Status = store.TaskCompleted
	if failed {
		t.Status = store.TaskFailed
	}
	return nil
}

func (s *Store) PublishEvent(_ context.Context, ev store.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.events.Broadcast(ev)
	return nil
}

func (s *Store) SubscribeEvents(ctx context.Context, channel string, handler store.EventHandler) (func(), error) {
	id := s.events.Subscribe(channel, handler)
	var once sync.Once
	cancel := func() { once.Do(func() { s.events.Unsubscribe(channel, id) }) }
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}
	return cancel, nil
}

// --- audit ---

func (s *Store) LogAction(_ context.Context, entry store.AuditEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = store.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Metadata = maps.Clone(entry.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return entry.ID, nil
}

func (s *Store) GetAuditTrail(_ context.Context, ownerID string, limit int) ([]store.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AuditEntry
	for _, e := range s.audit {
		if e.OwnerID == ownerID {
			out = append(out, copyEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReplayActions(_ context.Context, ownerID, fromCheckpointID string) ([]store.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var since time.Time
	if cp, ok := s.checkpoints[fromCheckpointID]; ok {
		since = cp.Timestamp
	}
	var out []store.AuditEntry
	for _, e := range s.audit {
		if e.OwnerID == ownerID && e.Timestamp.After(since) {
			out = append(out, copyEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func copyEntry(e store.AuditEntry) store.AuditEntry {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

func (s *Store) Close() error {
	s.events.Close()
	return nil
}
