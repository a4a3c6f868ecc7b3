package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/quota"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStates is a minimal StateStore for checkpoint tests.
type memStates struct {
	mu   sync.Mutex
	cps  map[string]*store.Checkpoint
	fail bool
}

func newMemStates() *memStates { return &memStates{cps: make(map[string]*store.Checkpoint)} }

func (m *memStates) SaveProcess(context.Context, *store.Process) error { return nil }
func (m *memStates) LoadProcess(context.Context, string) (*store.Process, error) {
	return nil, store.ErrNotFound
}

func (m *memStates) SaveCheckpoint(_ context.Context, cp *store.Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", errors.New("connection refused")
	}
	cp.Prepare()
	if _, ok := m.cps[cp.ID]; ok {
		return "", store.ErrCheckpointExists
	}
	m.cps[cp.ID] = cp.Clone()
	return cp.ID, nil
}

func (m *memStates) LoadCheckpoint(_ context.Context, id string) (*store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cp.Clone(), nil
}

func (m *memStates) ListCheckpoints(_ context.Context, owner string) ([]store.CheckpointInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CheckpointInfo
	for _, cp := range m.cps {
		if cp.OwnerID == owner {
			out = append(out, cp.Info())
		}
	}
	return out, nil
}

// fakePages records adopted pages.
type fakePages struct {
	mu      sync.Mutex
	pages   map[string][]*store.Page
	adopted map[string][]*store.Page
}

func newFakePages() *fakePages {
	return &fakePages{pages: make(map[string][]*store.Page), adopted: make(map[string][]*store.Page)}
}

func (f *fakePages) OwnerPages(owner string) []*store.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[owner]
}

func (f *fakePages) AdoptPages(owner string, pages []*store.Page) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]string)
	for _, p := range pages {
		c := p.Clone()
		c.ID = "adopted-" + p.ID
		c.OwnerID = owner
		c.Status = store.PageSwapped
		f.adopted[owner] = append(f.adopted[owner], c)
		ids[p.ID] = c.ID
	}
	return ids
}

func newTestScheduler(t *testing.T, qcfg quota.Config) (*Scheduler, *testClock, *memStates, *fakePages) {
	t.Helper()
	states := newMemStates()
	pages := newFakePages()
	s := New(DefaultConfig(), quota.New(qcfg), states, pages)
	c := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = c.Now
	return s, c, states, pages
}

func submit(t *testing.T, s *Scheduler, name string, priority int) string {
	t.Helper()
	p := store.NewProcess(name, "task for "+name)
	p.Priority = priority
	if err := s.Submit(p); err != nil {
		t.Fatalf("submit %s: %v", name, err)
	}
	return p.ID
}

func state(t *testing.T, s *Scheduler, pid string) store.ProcessState {
	t.Helper()
	p, ok := s.Get(pid)
	if !ok {
		t.Fatalf("process %s missing", pid)
	}
	return p.State
}

func TestTick_PriorityThenFIFO(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	low := submit(t, s, "low", 50)
	firstHigh := submit(t, s, "high-1", 20)
	secondHigh := submit(t, s, "high-2", 20)

	if p := s.Tick(ctx); p == nil || p.ID != firstHigh {
		t.Fatalf("first dispatch = %v, want high-1", p)
	}
	s.Terminate(firstHigh, "done")
	if p := s.Tick(ctx); p == nil || p.ID != secondHigh {
		t.Fatalf("second dispatch = %v, want high-2", p)
	}
	s.Terminate(secondHigh, "done")
	if p := s.Tick(ctx); p == nil || p.ID != low {
		t.Fatalf("third dispatch = %v, want low", p)
	}
}

func TestTick_EmptyReturnsNil(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	if p := s.Tick(context.Background()); p != nil {
		t.Errorf("tick on empty scheduler = %v", p)
	}
}

func TestTick_PreemptByPriorityMargin(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	running := submit(t, s, "bg", 50)
	s.Tick(ctx)

	near := submit(t, s, "near", 45)
	if p := s.Tick(ctx); p.ID != running {
		t.Fatalf("preempted by a process only 5 points more urgent")
	}

	urgent := submit(t, s, "urgent", 40)
	p := s.Tick(ctx)
	if p == nil || p.ID != urgent {
		t.Fatalf("running = %v, want urgent", p)
	}
	if st := state(t, s, running); st != store.StateReady {
		t.Errorf("preempted process state = %s, want ready", st)
	}
	if st := state(t, s, near); st != store.StateReady {
		t.Errorf("near state = %s, want ready", st)
	}
	if s.Stats().Preemptions != 1 {
		t.Errorf("preemptions = %d, want 1", s.Stats().Preemptions)
	}
}

func TestTick_TimeSliceRoundRobin(t *testing.T) {
	s, c, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	a := submit(t, s, "a", 50)
	b := submit(t, s, "b", 50)

	if p := s.Tick(ctx); p.ID != a {
		t.Fatalf("first = %s, want a", p.ID)
	}
	c.Advance(30 * time.Second)
	if p := s.Tick(ctx); p.ID != a {
		t.Fatalf("a preempted before its slice elapsed")
	}
	c.Advance(30 * time.Second)
	if p := s.Tick(ctx); p.ID != b {
		t.Fatalf("after slice = %s, want b", p.ID)
	}
	pa, _ := s.Get(a)
	if pa.ExecutionTime != 60*time.Second {
		t.Errorf("a execution time = %v, want 60s", pa.ExecutionTime)
	}
}

func TestTick_PreemptOverQuotaShare(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.Config{MaxTokensPerWindow: 1000, MaxTokensPerRequest: 1000, PerProcessShare: 1})
	ctx := context.Background()
	hog := submit(t, s, "hog", 10)
	other := submit(t, s, "other", 50)
	s.Tick(ctx)

	if !s.RequestResources(hog, 400, 1) {
		t.Fatal("request denied")
	}
	if p := s.Tick(ctx); p == nil || p.ID != hog {
		// Usage share preemption puts hog back in the queue; being more
		// urgent it is dispatched again in the same tick.
		t.Fatalf("running = %v, want hog re-dispatched", p)
	}
	if s.Stats().Preemptions != 1 {
		t.Errorf("preemptions = %d, want 1", s.Stats().Preemptions)
	}
	if st := state(t, s, other); st != store.StateReady {
		t.Errorf("other state = %s", st)
	}
}

func TestRequestResources_DeniedWaitsThenWakes(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.Config{MaxTokensPerRequest: 100})
	ctx := context.Background()
	pid := submit(t, s, "a", 50)
	s.Tick(ctx)

	if !s.RequestResources(pid, 50, 1) {
		t.Fatal("small request denied")
	}
	if s.RequestResources(pid, 150, 1) {
		t.Fatal("oversized request granted")
	}
	p, _ := s.Get(pid)
	if p.State != store.StateWaiting || p.PendingTokens != 150 || p.WaitingReason != quota.ReasonRequestTokens {
		t.Fatalf("after denial: state=%s pending=%d reason=%q", p.State, p.PendingTokens, p.WaitingReason)
	}
	if p.TokenUsage != 50 || p.APICalls != 1 {
		t.Errorf("counters = %d/%d, want 50/1", p.TokenUsage, p.APICalls)
	}

	if got := s.Tick(ctx); got != nil {
		t.Fatalf("tick dispatched %s while the only process waits", got.ID)
	}

	s.Quota().SetConfig(quota.Config{MaxTokensPerRequest: 200})
	if got := s.Tick(ctx); got == nil || got.ID != pid {
		t.Fatalf("waiter not woken once its request became satisfiable")
	}
}

func TestWait_TimeoutWakes(t *testing.T) {
	s, c, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	pid := submit(t, s, "a", 50)
	s.Tick(ctx)

	if err := s.Wait(pid, "external"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	c.Advance(10 * time.Second)
	if got := s.Tick(ctx); got != nil {
		t.Fatal("waiter woken before timeout")
	}
	c.Advance(20 * time.Second)
	if got := s.Tick(ctx); got == nil || got.ID != pid {
		t.Fatal("waiter not woken after timeout")
	}
}

func TestIllegalTransitions(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	pid := submit(t, s, "a", 50)

	if err := s.Wait(pid, "x"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("wait from ready err = %v", err)
	}
	if err := s.Wait("missing", "x"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("wait missing err = %v", err)
	}
	if _, ok := s.Resume(ctx, pid, ""); ok {
		t.Error("resume of a ready process succeeded")
	}
	s.Terminate(pid, "done")
	if _, err := s.Suspend(ctx, pid, false); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("suspend terminated err = %v", err)
	}
	if _, err := s.Suspend(ctx, "missing", false); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("suspend missing err = %v", err)
	}
	if s.Terminate(pid, "again") {
		t.Error("terminating twice returned true")
	}
	if !CanTransition(store.StateRunning, store.StateWaiting) || CanTransition(store.StateTerminated, store.StateReady) {
		t.Error("transition table mismatch")
	}
}

func TestTerminate_CallbacksAndTally(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	var calls atomic.Int32
	s.RegisterShutdownCallback(func(pid, reason string) {
		calls.Add(1)
		// Callbacks run outside the lock.
		if _, ok := s.Get(pid); !ok {
			t.Errorf("callback cannot see %s", pid)
		}
	})
	a := submit(t, s, "a", 50)
	b := submit(t, s, "b", 50)

	if !s.Terminate(a, "done") {
		t.Fatal("terminate a failed")
	}
	if !s.Terminate(b, "error") {
		t.Fatal("terminate b failed")
	}
	if calls.Load() != 2 {
		t.Errorf("callbacks = %d, want 2", calls.Load())
	}
	if st := state(t, s, b); st != store.StateError {
		t.Errorf("b state = %s, want error", st)
	}
	st := s.Stats()
	if st.Completed != 1 || st.Failed != 1 || st.ReadyQueue != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReportError_Escalation(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	pid := submit(t, s, "flaky", 50)

	for i := 1; i < store.DefaultMaxErrors; i++ {
		s.Tick(ctx)
		if got := s.ReportError(pid, fmt.Errorf("boom %d", i)); got != store.StateWaiting {
			t.Fatalf("error %d state = %s, want waiting", i, got)
		}
		p, _ := s.Get(pid)
		if p.WaitingReason != protocol.WaitErrorRecovery {
			t.Errorf("waiting reason = %q", p.WaitingReason)
		}
		s.Wake(pid)
	}
	s.Tick(ctx)
	if got := s.ReportError(pid, errors.New("final")); got != store.StateError {
		t.Fatalf("final state = %s, want error", got)
	}
	p, _ := s.Get(pid)
	if p.ErrorCount != store.DefaultMaxErrors || p.LastError != "final" {
		t.Errorf("error count=%d last=%q", p.ErrorCount, p.LastError)
	}
}

func TestSuspendCheckpointAndRestore(t *testing.T) {
	s, _, states, pages := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()

	proc := store.NewProcess("writer", "write it")
	proc.SystemPageID = "sys-1"
	if err := s.Submit(proc); err != nil {
		t.Fatal(err)
	}
	pages.pages[proc.ID] = []*store.Page{{ID: "sys-1", OwnerID: proc.ID, Content: "You are writer.", Importance: 1, Category: store.CategorySystem}}
	s.Tick(ctx)

	cp1, err := s.Checkpoint(ctx, proc.ID, "manual")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if st := state(t, s, proc.ID); st != store.StateRunning {
		t.Errorf("checkpoint changed state to %s", st)
	}

	cp2, err := s.Suspend(ctx, proc.ID, true)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	saved, _ := states.LoadCheckpoint(ctx, cp2)
	if saved.Version != 2 || saved.ParentID != cp1 || len(saved.Pages) != 1 {
		t.Errorf("second checkpoint version=%d parent=%s pages=%d", saved.Version, saved.ParentID, len(saved.Pages))
	}
	if saved.ProcessState.State != store.StateSuspended {
		t.Errorf("snapshot state = %s", saved.ProcessState.State)
	}

	newPID, ok := s.Resume(ctx, proc.ID, cp2)
	if !ok || newPID == proc.ID {
		t.Fatalf("restore = %q, %v", newPID, ok)
	}
	restored, _ := s.Get(newPID)
	if restored.RestoredFrom != cp2 || restored.State != store.StateReady || restored.CheckpointVersion != 2 {
		t.Errorf("restored = %+v", restored)
	}
	if restored.SystemPageID != "adopted-sys-1" {
		t.Errorf("system page id = %q", restored.SystemPageID)
	}
	if len(pages.adopted[newPID]) != 1 {
		t.Errorf("adopted pages = %d, want 1", len(pages.adopted[newPID]))
	}
	if st := state(t, s, proc.ID); st != store.StateSuspended {
		t.Errorf("original after restore = %s, want suspended", st)
	}

	cp3, err := s.Checkpoint(ctx, newPID, "after restore")
	if err != nil {
		t.Fatal(err)
	}
	third, _ := states.LoadCheckpoint(ctx, cp3)
	if third.Version != 3 {
		t.Errorf("version after restore = %d, want 3", third.Version)
	}

	if pid, ok := s.Resume(ctx, proc.ID, ""); !ok || pid != proc.ID {
		t.Errorf("plain resume = %q, %v", pid, ok)
	}
	if _, ok := s.Resume(ctx, "", "no-such-checkpoint"); ok {
		t.Error("restore from unknown checkpoint succeeded")
	}
}

func TestSuspend_StorageFailureKeepsSuspended(t *testing.T) {
	s, _, states, _ := newTestScheduler(t, quota.DefaultConfig())
	pid := submit(t, s, "a", 50)
	states.fail = true

	_, err := s.Suspend(context.Background(), pid, true)
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if st := state(t, s, pid); st != store.StateSuspended {
		t.Errorf("state = %s, want suspended", st)
	}
}

func TestShutdown(t *testing.T) {
	s, _, states, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	a := submit(t, s, "a", 10)
	b := submit(t, s, "b", 20)
	c := submit(t, s, "c", 30)
	s.Tick(ctx)
	s.Terminate(c, "done")

	if err := s.Shutdown(ctx, time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, pid := range []string{a, b} {
		if st := state(t, s, pid); st != store.StateSuspended {
			t.Errorf("%s state = %s, want suspended", pid, st)
		}
	}
	if n := len(states.cps); n != 2 {
		t.Errorf("checkpoints = %d, want 2", n)
	}
	if p := s.Tick(ctx); p != nil {
		t.Error("tick dispatched after shutdown")
	}
	if err := s.Submit(store.NewProcess("late", "x")); !errors.Is(err, ErrShutdown) {
		t.Errorf("submit after shutdown err = %v", err)
	}
}

func TestSubmit_RecordsChild(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	parent := submit(t, s, "parent", 50)
	child := store.NewProcess("child", "sub task")
	child.ParentID = parent
	if err := s.Submit(child); err != nil {
		t.Fatal(err)
	}
	p, _ := s.Get(parent)
	if len(p.ChildIDs) != 1 || p.ChildIDs[0] != child.ID {
		t.Errorf("children = %v", p.ChildIDs)
	}
	if err := s.Submit(child); err == nil {
		t.Error("duplicate submit accepted")
	}
}

func TestEvents(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	var mu sync.Mutex
	var got []string
	s.OnEvent(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})
	pid := submit(t, s, "a", 50)
	s.Tick(context.Background())
	s.Terminate(pid, "done")

	want := []string{protocol.EventProcessSpawned, protocol.EventProcessDispatched, protocol.EventProcessTerminated}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestConcurrentTickNeverRunsTwo(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	var pids []string
	for i := 0; i < 20; i++ {
		pids = append(pids, submit(t, s, fmt.Sprintf("p%d", i), i%5*10))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if p := s.Tick(ctx); p != nil && i%7 == w {
					s.Terminate(p.ID, "done")
				}
				running := 0
				for _, p := range s.List() {
					if p.State == store.StateRunning {
						running++
					}
				}
				if running > 1 {
					t.Errorf("%d processes running at once", running)
				}
			}
		}(w)
	}
	wg.Wait()
	_ = pids
}
