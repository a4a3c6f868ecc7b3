package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/scheduler"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

func TestRunCompletesProcesses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 100
	k, st := newKernel(t, cfg, WithExecutor(EchoExecutor{Steps: 2}))
	ctx := context.Background()

	var pre, post atomic.Int32
	k.PreStep(func(context.Context, *store.Process) { pre.Add(1) })
	k.PostStep(func(context.Context, *store.Process) { post.Add(1) })

	a := spawn(t, k, "A", "alpha")
	b := spawn(t, k, "B", "beta")
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, pid := range []string{a, b} {
		p, _ := k.Scheduler().Get(pid)
		if p.State != store.StateTerminated || p.APICalls != 2 {
			t.Errorf("%s: state %s calls %d", p.Name, p.State, p.APICalls)
		}
	}
	if pre.Load() != 4 || post.Load() != 4 {
		t.Errorf("hooks ran pre=%d post=%d, want 4/4", pre.Load(), post.Load())
	}
	stats := k.Stats()
	if stats.TotalSteps != 4 || stats.TotalTokens == 0 || stats.Scheduler.Completed != 2 {
		t.Errorf("stats = %+v", stats)
	}

	k.work.sync()
	trail, err := st.GetAuditTrail(ctx, a, 0)
	if err != nil {
		t.Fatal(err)
	}
	steps := 0
	for _, e := range trail {
		if e.ActionType == protocol.ActionStep {
			steps++
			if !strings.Contains(e.Input, "Current task: alpha") || e.Reasoning != "Processing task: alpha" {
				t.Errorf("step entry = %+v", e)
			}
		}
	}
	if steps != 2 {
		t.Errorf("audited %d steps, want 2", steps)
	}
}

func TestStepOutputIsPagedIn(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 1
	k, _ := newKernel(t, cfg, WithExecutor(ExecutorFunc(func(context.Context, *store.Process, string) (StepResult, error) {
		return StepResult{Output: "observation: the sky is blue"}, nil
	})))
	pid := spawn(t, k, "Observer", "look up")
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	pages := k.Context().OwnerPages(pid)
	if len(pages) != 4 {
		t.Fatalf("expected 4 pages, got %d", len(pages))
	}
	found := false
	for _, pg := range pages {
		if pg.Category == store.CategoryWorking && pg.Content == "observation: the sky is blue" {
			found = pg.Importance == cfg.WorkingImportance
		}
	}
	if !found {
		t.Error("working page with step output not found")
	}
}

func TestStepErrorsEscalateToTermination(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2000
	var calls atomic.Int32
	k, st := newKernel(t, cfg, WithExecutor(ExecutorFunc(func(context.Context, *store.Process, string) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, errors.New("model unavailable")
	})))
	pid := spawn(t, k, "Flaky", "try")

	stopWhenDone(k, pid)
	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, _ := k.Scheduler().Get(pid)
	if p.State != store.StateError || p.ErrorCount != 3 || p.LastError != "model unavailable" {
		t.Fatalf("process = %s errors=%d last=%q", p.State, p.ErrorCount, p.LastError)
	}
	if calls.Load() != 3 || k.Stats().StepErrors != 3 {
		t.Errorf("calls=%d step errors=%d", calls.Load(), k.Stats().StepErrors)
	}

	k.work.sync()
	trail, _ := st.GetAuditTrail(context.Background(), pid, 0)
	errs := 0
	for _, e := range trail {
		if e.ActionType == protocol.ActionError {
			errs++
		}
	}
	if errs != 3 {
		t.Errorf("audited %d errors, want 3", errs)
	}
}

func TestPanicIsIsolatedToItsProcess(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2000
	k, _ := newKernel(t, cfg, WithExecutor(ExecutorFunc(func(_ context.Context, p *store.Process, _ string) (StepResult, error) {
		if p.Name == "bad" {
			panic("corrupt state")
		}
		return StepResult{Done: true}, nil
	})))
	bad := spawn(t, k, "bad", "explode")
	good := spawn(t, k, "good", "behave")

	stopWhenDone(k, bad, good)
	if err := k.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p, _ := k.Scheduler().Get(bad); p.State != store.StateError || !strings.Contains(p.LastError, "corrupt state") {
		t.Errorf("bad = %s %q", p.State, p.LastError)
	}
	if p, _ := k.Scheduler().Get(good); p.State != store.StateTerminated {
		t.Errorf("good = %s", p.State)
	}
	if k.Stats().Panics != 3 {
		t.Errorf("panics = %d, want 3", k.Stats().Panics)
	}
}

func TestQuotaDenialParksWithoutError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	cfg.Quota.MaxTokensPerRequest = 1
	cfg.Scheduler.WaitTimeout = time.Hour
	var calls atomic.Int32
	k, _ := newKernel(t, cfg, WithExecutor(ExecutorFunc(func(context.Context, *store.Process, string) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, nil
	})))
	pid := spawn(t, k, "Hungry", "consume a lot of tokens")

	if err := k.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, _ := k.Scheduler().Get(pid)
	if p.State != store.StateWaiting || !strings.HasPrefix(p.WaitingReason, "quota:") {
		t.Fatalf("process = %s (%q)", p.State, p.WaitingReason)
	}
	if calls.Load() != 0 || p.ErrorCount != 0 {
		t.Errorf("executor calls=%d errors=%d", calls.Load(), p.ErrorCount)
	}
}

func TestRunStopsOnStopAndCancel(t *testing.T) {
	k, _ := newKernel(t, testConfig())

	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()
	waitFor(t, func() bool { return k.Stats().Running })
	if err := k.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent Run err = %v", err)
	}
	k.Stop()
	if err := <-done; err != nil {
		t.Errorf("Run after Stop = %v", err)
	}

	k2, _ := newKernel(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- k2.Run(ctx) }()
	waitFor(t, func() bool { return k2.Stats().Running })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run after cancel = %v", err)
	}
}

func TestAutoCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.AutoCheckpoint = "5ms"
	k, st := newKernel(t, cfg, WithExecutor(ExecutorFunc(func(context.Context, *store.Process, string) (StepResult, error) {
		time.Sleep(time.Millisecond)
		return StepResult{}, nil
	})))
	pid := spawn(t, k, "Longrunner", "keep going")

	k.PostStep(func(ctx context.Context, _ *store.Process) {
		if infos, _ := st.ListCheckpoints(ctx, pid); len(infos) > 0 {
			k.Stop()
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	infos, err := st.ListCheckpoints(context.Background(), pid)
	if err != nil || len(infos) == 0 || infos[0].Description != "auto" {
		t.Fatalf("checkpoints = %+v, %v", infos, err)
	}
	if log := k.Jobs().GetRunLog("", 0); len(log) == 0 || log[0].Status != "ok" {
		t.Errorf("run log = %+v", log)
	}
}

func TestSpawnQueue(t *testing.T) {
	cfg := testConfig()
	cfg.SpawnQueue = "agentos.spawn"
	cfg.QueuePoll = time.Millisecond
	cfg.MaxIterations = 1
	k, st := newKernel(t, cfg)
	ctx := context.Background()

	good, _ := json.Marshal(SpawnRequest{Name: "queued", Task: "from the queue", Priority: 10})
	if _, err := st.EnqueueTask(ctx, cfg.SpawnQueue, 0, good); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EnqueueTask(ctx, cfg.SpawnQueue, 1, json.RawMessage(`{"name": 5}`)); err != nil {
		t.Fatal(err)
	}
	if err := k.Run(ctx); err != nil {
		t.Fatal(err)
	}

	procs := k.Scheduler().List()
	if len(procs) != 1 || procs[0].Name != "queued" || procs[0].Priority != 10 {
		t.Fatalf("processes = %+v", procs)
	}
	if _, err := st.DequeueTask(ctx, cfg.SpawnQueue, "other"); !errors.Is(err, store.ErrQueueEmpty) {
		t.Errorf("queue not drained: %v", err)
	}
}

func TestHeartbeatPublishes(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Hour
	k, st := newKernel(t, cfg)

	beats := make(chan store.Event, 4)
	cancel, err := st.SubscribeEvents(context.Background(), protocol.EventsChannel, func(ev store.Event) {
		if ev.Type == protocol.EventKernelHeartbeat {
			select {
			case beats <- ev:
			default:
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()
	select {
	case ev := <-beats:
		if !strings.Contains(string(ev.Payload), k.ID()) {
			t.Errorf("heartbeat payload = %s", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("no heartbeat published")
	}
	k.Stop()
	<-done
}

// stopWhenDone stops k once every pid has reached a terminal state.
func stopWhenDone(k *Kernel, pids ...string) {
	k.Scheduler().OnEvent(func(scheduler.Event) {
		for _, pid := range pids {
			if p, ok := k.Scheduler().Get(pid); !ok || !p.State.Terminal() {
				return
			}
		}
		k.Stop()
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
