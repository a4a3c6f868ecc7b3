package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/agentos/internal/contextmgr"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/tracing"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

// Run drives the scheduling loop: each iteration fires due cron jobs,
// ticks the scheduler and executes one step of the running process. It
// returns nil after Stop, MaxIterations or scheduler shutdown, and the
// context's error when ctx ends. A failing or panicking step only affects
// its own process.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer k.running.Store(false)

	ctx = store.WithWorkerID(ctx, k.id)
	cfg := k.config()
	stop := k.stopped()
	slog.Info("kernel: run loop started", "max_iterations", cfg.MaxIterations)
	defer slog.Info("kernel: run loop stopped", "iterations", k.iterations.Load())

	if k.beat != nil {
		k.beat.Start(ctx)
		defer k.beat.Stop()
	}

	for iter := 0; ; iter++ {
		if cfg.MaxIterations > 0 && iter >= cfg.MaxIterations {
			slog.Info("kernel: max iterations reached", "iterations", iter)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := k.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kernel: pacing: %w", err)
		}
		k.iterations.Add(1)

		if n := k.jobs.Tick(ctx, k.now()); n > 0 {
			slog.Debug("kernel: cron jobs fired", "count", n)
		}
		if cfg.SpawnQueue != "" && k.now().Sub(k.lastPoll) >= cfg.QueuePoll {
			k.lastPoll = k.now()
			k.claimSpawns(ctx, cfg.SpawnQueue)
		}

		proc := k.sched.Tick(ctx)
		if proc == nil {
			if k.sched.Stopping() {
				return nil
			}
			timer := time.NewTimer(cfg.IdleSleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-stop:
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		k.runStep(ctx, proc)
	}
}

// claimSpawns spawns every pending request on the spawn queue. A request
// that cannot be decoded or spawned is marked failed.
func (k *Kernel) claimSpawns(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		task, err := k.storage.DequeueTask(ctx, queue, k.id)
		if errors.Is(err, store.ErrQueueEmpty) {
			return
		}
		if err != nil {
			slog.Warn("kernel: spawn queue claim failed", "queue", queue, "error", err)
			return
		}
		var req SpawnRequest
		failed := false
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			slog.Warn("kernel: bad spawn request", "task", task.ID, "error", err)
			failed = true
		} else if pid, err := k.Spawn(ctx, req); err != nil {
			slog.Warn("kernel: queued spawn failed", "task", task.ID, "name", req.Name, "error", err)
			failed = true
		} else {
			slog.Info("kernel: spawned from queue", "task", task.ID, "pid", pid)
		}
		if err := k.storage.CompleteTask(ctx, task.ID, failed); err != nil {
			slog.Warn("kernel: spawn task completion failed", "task", task.ID, "error", err)
		}
	}
}

// runStep executes one step of proc and applies its outcome.
func (k *Kernel) runStep(ctx context.Context, proc *store.Process) {
	res, granted, err := k.step(ctx, proc)
	switch {
	case err != nil:
		k.stepErrors.Add(1)
		k.auditAsync(store.AuditEntry{
			OwnerID:    proc.ID,
			ActionType: protocol.ActionError,
			Output:     err.Error(),
			Timestamp:  k.now(),
		})
		state := k.sched.ReportError(proc.ID, err)
		slog.Warn("kernel: step failed", "pid", proc.ID, "name", proc.Name, "state", state, "error", err)
	case !granted:
		// The scheduler parked the process until quota frees up.
	case res.Done:
		k.sched.Terminate(proc.ID, "completed")
	}
}

// step renders proc's context, charges quota and calls the executor. A
// denied quota request returns granted=false with no error. Panics inside
// hooks or the executor are recovered into ErrStepPanic.
func (k *Kernel) step(ctx context.Context, proc *store.Process) (res StepResult, granted bool, err error) {
	ctx, span := tracing.Start(ctx, "kernel.step", proc.ID)
	defer func() {
		if r := recover(); r != nil {
			k.panics.Add(1)
			slog.Error("kernel: step panicked", "pid", proc.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrStepPanic, r)
		}
		tracing.End(span, err)
	}()
	ctx = store.WithProcessID(ctx, proc.ID)
	cfg := k.config()

	k.hookMu.RLock()
	pre, post := k.pre, k.post
	k.hookMu.RUnlock()
	for _, h := range pre {
		h(ctx, proc)
	}

	// Swapped pages fault back in only as far as the budget allows.
	prompt := k.ctxm.RenderContext(ctx, proc.ID, contextmgr.RenderOptions{
		OptimizeForCache: true,
		IncludeSwapped:   true,
	})
	need := k.counter.Count(prompt)
	span.SetAttributes(tracing.AttrTokens.Int(need))
	if !k.sched.RequestResources(proc.ID, need, 1) {
		span.SetAttributes(tracing.AttrOutcome.String("quota_denied"))
		return StepResult{}, false, nil
	}
	if fresh, ok := k.sched.Get(proc.ID); ok {
		proc = fresh
	}

	stepCtx := ctx
	if cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, cfg.StepTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err = k.exec.Step(stepCtx, proc, prompt)
	elapsed := time.Since(start)
	if err != nil {
		return StepResult{}, true, err
	}

	k.steps.Add(1)
	k.tokensUsed.Add(int64(need + res.TokensUsed))
	span.SetAttributes(
		tracing.AttrOutcome.String(outcome(res)),
		tracing.AttrPreview.String(tracing.Preview(res.Output)),
	)

	k.auditAsync(store.AuditEntry{
		OwnerID:    proc.ID,
		ActionType: protocol.ActionStep,
		Input:      truncate(prompt, cfg.AuditLimit),
		Output:     truncate(res.Output, cfg.AuditLimit),
		Reasoning:  res.Reasoning,
		TokensUsed: need + res.TokensUsed,
		Duration:   elapsed,
		Timestamp:  k.now(),
		Metadata:   map[string]string{"call": strconv.Itoa(proc.APICalls)},
	})

	if res.Output != "" && !res.Done {
		_, err := k.ctxm.Allocate(ctx, proc.ID, res.Output, cfg.WorkingImportance, store.CategoryWorking)
		if errors.Is(err, contextmgr.ErrMemoryExhausted) {
			slog.Warn("kernel: step output not paged in", "pid", proc.ID, "error", err)
		} else if err != nil {
			return res, true, fmt.Errorf("page step output: %w", err)
		}
	}

	for _, h := range post {
		h(ctx, proc)
	}
	return res, true, nil
}

func outcome(res StepResult) string {
	if res.Done {
		return "done"
	}
	return "continue"
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
