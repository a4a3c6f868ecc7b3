// Package storetest is the behavioural contract every storage backend must
// pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// Options toggles capabilities a backend may legitimately lack.
type Options struct {
	Vectors bool // SemanticSearch returns ranked results
}

// Factory opens a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Storage

// Run executes the full contract against backends produced by open.
func Run(t *testing.T, open Factory, opts Options) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Storage, opts Options)
	}{
		{"Memories", testMemories},
		{"Processes", testProcesses},
		{"Checkpoints", testCheckpoints},
		{"Pages", testPages},
		{"SemanticSearch", testSemanticSearch},
		{"SimilarMemories", testSimilarMemories},
		{"Locks", testLocks},
		{"Queue", testQueue},
		{"QueueExactlyOnce", testQueueExactlyOnce},
		{"Events", testEvents},
		{"Audit", testAudit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s, opts)
		})
	}
}

// Coordination runs only the coordination-role subset, for backends that
// implement nothing else.
func Coordination(t *testing.T, open func(t *testing.T) store.CoordinationStore) {
	wrap := func(fn func(*testing.T, store.Storage, Options)) func(*testing.T) {
		return func(t *testing.T) {
			fn(t, coordOnly{open(t)}, Options{})
		}
	}
	t.Run("Locks", wrap(testLocks))
	t.Run("Queue", wrap(testQueue))
	t.Run("QueueExactlyOnce", wrap(testQueueExactlyOnce))
	t.Run("Events", wrap(testEvents))
}

// coordOnly lets coordination tests take a store.Storage.
type coordOnly struct {
	store.CoordinationStore
}

func (coordOnly) SaveMemory(context.Context, store.MemoryRecord) (string, error) { return "", nil }
func (coordOnly) RetrieveMemories(context.Context, string, string, int) ([]store.MemoryRecord, error) {
	return nil, nil
}
func (coordOnly) SaveProcess(context.Context, *store.Process) error { return nil }
func (coordOnly) LoadProcess(context.Context, string) (*store.Process, error) {
	return nil, store.ErrNotFound
}
func (coordOnly) SaveCheckpoint(context.Context, *store.Checkpoint) (string, error) { return "", nil }
func (coordOnly) LoadCheckpoint(context.Context, string) (*store.Checkpoint, error) {
	return nil, store.ErrNotFound
}
func (coordOnly) ListCheckpoints(context.Context, string) ([]store.CheckpointInfo, error) {
	return nil, nil
}
func (coordOnly) SaveContextPage(context.Context, *store.Page) error { return nil }
func (coordOnly) LoadContextPage(context.Context, string) (*store.Page, error) {
	return nil, store.ErrNotFound
}
func (coordOnly) SemanticSearch(context.Context, string, []float32, int) ([]store.ScoredPage, error) {
	return nil, nil
}
func (coordOnly) FindSimilarMemories(context.Context, string, string, int) ([]store.ScoredMemory, error) {
	return nil, nil
}
func (coordOnly) SetEmbeddingProvider(store.EmbeddingProvider)                   {}
func (coordOnly) LogAction(context.Context, store.AuditEntry) (string, error) { return "", nil }
func (coordOnly) GetAuditTrail(context.Context, string, int) ([]store.AuditEntry, error) {
	return nil, nil
}
func (coordOnly) ReplayActions(context.Context, string, string) ([]store.AuditEntry, error) {
	return nil, nil
}
func (coordOnly) Close() error { return nil }

// KeywordEmbedder embeds text as a bag of fixed keywords, enough to rank
// similarity deterministically in tests.
type KeywordEmbedder struct {
	Keywords []string
}

func (KeywordEmbedder) Name() string  { return "keyword" }
func (KeywordEmbedder) Model() string { return "test" }

func (k KeywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, len(k.Keywords))
		for j, kw := range k.Keywords {
			vec[j] = float32(strings.Count(text, kw))
		}
		out[i] = vec
	}
	return out, nil
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMemories(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	for i, cat := range []string{"fact", "episode", "fact"} {
		_, err := s.SaveMemory(ctx, store.MemoryRecord{
			OwnerID:    "agent-1",
			Category:   cat,
			Content:    fmt.Sprintf("memory %d", i),
			Importance: 0.5,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			Metadata:   map[string]string{"i": fmt.Sprint(i)},
		})
		if err != nil {
			t.Fatalf("save memory %d: %v", i, err)
		}
	}
	s.SaveMemory(ctx, store.MemoryRecord{OwnerID: "agent-2", Category: "fact", Content: "other", CreatedAt: base})

	all, err := s.RetrieveMemories(ctx, "agent-1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Content != "memory 2" || all[2].Content != "memory 0" {
		t.Fatalf("all memories = %+v", all)
	}
	if all[0].Metadata["i"] != "2" {
		t.Errorf("metadata = %v", all[0].Metadata)
	}
	facts, _ := s.RetrieveMemories(ctx, "agent-1", "fact", 1)
	if len(facts) != 1 || facts[0].Content != "memory 2" {
		t.Errorf("limited facts = %+v", facts)
	}
}

func testProcesses(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	p := store.NewProcess("researcher", "find papers")
	p.Priority = 20
	p.ChildIDs = []string{"child-1"}
	p.Metadata["team"] = "blue"
	if err := s.SaveProcess(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.TokenUsage = 42
	if err := s.SaveProcess(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.LoadProcess(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Name != "researcher" || got.Priority != 20 || got.TokenUsage != 42 || got.Metadata["team"] != "blue" || len(got.ChildIDs) != 1 {
		t.Errorf("loaded = %+v", got)
	}
	if _, err := s.LoadProcess(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func testCheckpoints(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	p := store.NewProcess("writer", "draft")
	var ids []string
	for v := 1; v <= 3; v++ {
		cp := &store.Checkpoint{
			OwnerID:      p.ID,
			ProcessState: p,
			Pages: []*store.Page{{
				ID: fmt.Sprintf("pg-%d", v), OwnerID: p.ID, Content: "content", Tokens: 1,
				Importance: 0.9, Category: store.CategoryTask, Status: store.PageSwapped,
				CreatedAt: base, LastAccessed: base,
			}},
			Description: fmt.Sprintf("v%d", v),
			Timestamp:   base.Add(time.Duration(v) * time.Second),
			Version:     v,
		}
		if v > 1 {
			cp.ParentID = ids[len(ids)-1]
		}
		id, err := s.SaveCheckpoint(ctx, cp)
		if err != nil {
			t.Fatalf("save v%d: %v", v, err)
		}
		ids = append(ids, id)
	}

	got, err := s.LoadCheckpoint(ctx, ids[1])
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 2 || got.ParentID != ids[0] || got.Description != "v2" || got.ProcessState.Name != "writer" {
		t.Errorf("loaded checkpoint = %+v", got)
	}
	if len(got.Pages) != 1 || got.Pages[0].Content != "content" || !got.Timestamp.Equal(base.Add(2*time.Second)) {
		t.Errorf("loaded pages/timestamp = %+v %v", got.Pages, got.Timestamp)
	}

	dup := &store.Checkpoint{ID: ids[0], OwnerID: p.ID, ProcessState: p, Version: 9}
	if _, err := s.SaveCheckpoint(ctx, dup); !errors.Is(err, store.ErrCheckpointExists) {
		t.Errorf("overwrite err = %v, want ErrCheckpointExists", err)
	}

	list, err := s.ListCheckpoints(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Errorf("list = %+v", list)
	}
	if _, err := s.LoadCheckpoint(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func testPages(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	p := &store.Page{
		ID: store.NewID(), OwnerID: "agent-1", Content: "first", Tokens: 1, Importance: 0.5,
		Category: store.CategoryWorking, Status: store.PageSwapped, CreatedAt: base, LastAccessed: base,
		Metadata: map[string]string{"k": "v"},
	}
	if err := s.SaveContextPage(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.Content = "second"
	p.AccessCount = 3
	if err := s.SaveContextPage(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.LoadContextPage(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Content != "second" || got.AccessCount != 3 || got.OwnerID != "agent-1" || got.Metadata["k"] != "v" || got.Category != store.CategoryWorking {
		t.Errorf("loaded page = %+v", got)
	}
	if _, err := s.LoadContextPage(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func testSemanticSearch(t *testing.T, s store.Storage, opts Options) {
	ctx := context.Background()
	vecs := map[string][]float32{
		"north": {1, 0, 0},
		"east":  {0, 1, 0},
		"nne":   {0.9, 0.1, 0},
	}
	for name, v := range vecs {
		err := s.SaveContextPage(ctx, &store.Page{
			ID: store.NewID(), OwnerID: "agent-1", Content: name, Tokens: 1, Importance: 0.5,
			Category: store.CategoryMemory, Status: store.PageSwapped, Embedding: v, CreatedAt: base, LastAccessed: base,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	hits, err := s.SemanticSearch(ctx, "agent-1", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !opts.Vectors {
		if len(hits) != 0 {
			t.Errorf("backend without vectors returned %d hits", len(hits))
		}
		return
	}
	if len(hits) != 2 || hits[0].Page.Content != "north" || hits[1].Page.Content != "nne" {
		t.Errorf("hits = %+v", hits)
	}
	if none, _ := s.SemanticSearch(ctx, "agent-2", []float32{1, 0, 0}, 2); len(none) != 0 {
		t.Errorf("search leaked across owners: %d hits", len(none))
	}
}

func testSimilarMemories(t *testing.T, s store.Storage, opts Options) {
	ctx := context.Background()
	if hits, err := s.FindSimilarMemories(ctx, "agent-1", "anything", 5); err != nil || len(hits) != 0 {
		t.Fatalf("without provider = %v, %v; want empty", hits, err)
	}
	s.SetEmbeddingProvider(KeywordEmbedder{Keywords: []string{"cat", "dog", "fish"}})
	for i, content := range []string{"cat cat", "dog", "fish fish cat"} {
		if _, err := s.SaveMemory(ctx, store.MemoryRecord{OwnerID: "agent-1", Category: "fact", Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	hits, err := s.FindSimilarMemories(ctx, "agent-1", "cat", 2)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if !opts.Vectors {
		if len(hits) != 0 {
			t.Errorf("backend without vectors returned %d hits", len(hits))
		}
		return
	}
	if len(hits) != 2 || hits[0].Memory.Content != "cat cat" {
		t.Errorf("hits = %+v", hits)
	}
}

func testLocks(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	ok, err := s.AcquireLock(ctx, "shard-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireLock(ctx, "shard-1", "worker-b", time.Minute); ok {
		t.Error("second holder acquired a held lock")
	}
	if ok, _ := s.AcquireLock(ctx, "shard-1", "worker-a", time.Minute); ok {
		t.Error("lock is reentrant")
	}
	if err := s.ReleaseLock(ctx, "shard-1", "worker-b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.AcquireLock(ctx, "shard-1", "worker-b", time.Minute); ok {
		t.Error("release by non-holder freed the lock")
	}
	if err := s.ReleaseLock(ctx, "shard-1", "worker-a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.AcquireLock(ctx, "shard-1", "worker-b", time.Minute); !ok {
		t.Error("lock not acquirable after release")
	}

	if ok, _ := s.AcquireLock(ctx, "short", "worker-a", 50*time.Millisecond); !ok {
		t.Fatal("short lock not acquired")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := s.AcquireLock(ctx, "short", "worker-b", time.Minute); !ok {
		t.Error("expired lock not taken over")
	}
}

func testQueue(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	if _, err := s.DequeueTask(ctx, "jobs", "w"); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("empty dequeue err = %v", err)
	}
	enqueue := func(prio int, name string) string {
		t.Helper()
		id, err := s.EnqueueTask(ctx, "jobs", prio, json.RawMessage(fmt.Sprintf(`{"name":%q}`, name)))
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		time.Sleep(2 * time.Millisecond)
		return id
	}
	enqueue(5, "low-1")
	enqueue(1, "urgent")
	enqueue(5, "low-2")
	s.EnqueueTask(ctx, "other", 0, json.RawMessage(`{}`))

	for _, want := range []string{"urgent", "low-1", "low-2"} {
		task, err := s.DequeueTask(ctx, "jobs", "w1")
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		var payload struct{ Name string }
		json.Unmarshal(task.Payload, &payload)
		if payload.Name != want || task.Status != store.TaskProcessing || task.ClaimedBy != "w1" {
			t.Errorf("task = %+v (%s), want %s", task, payload.Name, want)
		}
		if err := s.CompleteTask(ctx, task.ID, false); err != nil {
			t.Errorf("complete: %v", err)
		}
	}
	if _, err := s.DequeueTask(ctx, "jobs", "w1"); !errors.Is(err, store.ErrQueueEmpty) {
		t.Errorf("drained dequeue err = %v", err)
	}
}

func testQueueExactlyOnce(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	const n = 40
	for i := 0; i < n; i++ {
		if _, err := s.EnqueueTask(ctx, "burst", i%3, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				task, err := s.DequeueTask(ctx, "burst", fmt.Sprintf("w%d", w))
				if errors.Is(err, store.ErrQueueEmpty) {
					return
				}
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("claimed %d distinct tasks, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("task %s claimed %d times", id, c)
		}
	}
}

func testEvents(t *testing.T, s store.Storage, _ Options) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan store.Event, 8)
	unsubscribe, err := s.SubscribeEvents(ctx, "agentos_test", func(ev store.Event) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Give asynchronous backends time to start listening.
	time.Sleep(200 * time.Millisecond)

	err = s.PublishEvent(ctx, store.Event{Channel: "agentos_test", Type: "process.spawned", OwnerID: "p1", Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	s.PublishEvent(ctx, store.Event{Channel: "elsewhere", Type: "noise"})

	select {
	case ev := <-got:
		if ev.Type != "process.spawned" || ev.OwnerID != "p1" || ev.Channel != "agentos_test" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	time.Sleep(100 * time.Millisecond)
	s.PublishEvent(ctx, store.Event{Channel: "agentos_test", Type: "late"})
	select {
	case ev := <-got:
		t.Errorf("event after unsubscribe: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func testAudit(t *testing.T, s store.Storage, _ Options) {
	ctx := context.Background()
	owner := store.NewID()
	log := func(action string, at time.Time) {
		t.Helper()
		_, err := s.LogAction(ctx, store.AuditEntry{OwnerID: owner, ActionType: action, Input: "in", Output: "out", TokensUsed: 10, Duration: time.Second, Timestamp: at})
		if err != nil {
			t.Fatalf("log %s: %v", action, err)
		}
	}
	log("spawn", base)
	cpID, err := s.SaveCheckpoint(ctx, &store.Checkpoint{OwnerID: owner, ProcessState: &store.Process{ID: owner, Name: "x"}, Timestamp: base.Add(time.Second), Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	log("step", base.Add(2*time.Second))
	log("terminate", base.Add(3*time.Second))
	s.LogAction(ctx, store.AuditEntry{OwnerID: "someone-else", ActionType: "step", Timestamp: base})

	trail, err := s.GetAuditTrail(ctx, owner, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 || trail[0].ActionType != "terminate" || trail[1].ActionType != "step" {
		t.Errorf("trail = %+v", trail)
	}
	if trail[0].TokensUsed != 10 || trail[0].Duration != time.Second {
		t.Errorf("trail entry = %+v", trail[0])
	}

	replay, err := s.ReplayActions(ctx, owner, cpID)
	if err != nil {
		t.Fatal(err)
	}
	if len(replay) != 2 || replay[0].ActionType != "step" || replay[1].ActionType != "terminate" {
		t.Errorf("replay = %+v", replay)
	}
	full, _ := s.ReplayActions(ctx, owner, "unknown-checkpoint")
	if len(full) != 3 || full[0].ActionType != "spawn" {
		t.Errorf("full replay = %+v", full)
	}
}
