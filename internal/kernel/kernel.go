// Package kernel composes the context manager, scheduler and storage into
// one runtime: it spawns agent processes with their initial pages, drives
// the scheduling loop, checkpoints and restores processes, and shuts down
// gracefully. Each Kernel owns its subsystems; several may coexist.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentos/internal/contextmgr"
	"github.com/nextlevelbuilder/agentos/internal/cron"
	"github.com/nextlevelbuilder/agentos/internal/eviction"
	"github.com/nextlevelbuilder/agentos/internal/heartbeat"
	"github.com/nextlevelbuilder/agentos/internal/quota"
	"github.com/nextlevelbuilder/agentos/internal/scheduler"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/tokens"
	"github.com/nextlevelbuilder/agentos/internal/tracing"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

// Version is the kernel release reported in Stats.
const Version = "0.2.0"

// Initial page importances.
const (
	SystemImportance = 1.0
	TaskImportance   = 0.9
	ToolsImportance  = 0.8
)

// Tool describes a capability advertised to every process in its tools page.
type Tool struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Config configures a Kernel. Zero values take defaults.
type Config struct {
	Context   contextmgr.Config
	Scheduler scheduler.Config
	Quota     quota.Config

	// MaxIterations stops Run after that many loop iterations; 0 runs until stopped.
	MaxIterations int
	// StepsPerSecond paces the run loop; 0 leaves it unpaced.
	StepsPerSecond float64
	Burst          int
	// IdleSleep is how long Run sleeps when nothing is runnable.
	IdleSleep time.Duration
	// StepTimeout bounds one executor step; 0 means no bound.
	StepTimeout time.Duration
	// ShutdownTimeout bounds the storage calls of the shutdown checkpoints.
	ShutdownTimeout time.Duration

	// AutoCheckpoint is a Go duration or cron expression; empty disables it.
	AutoCheckpoint string
	// HeartbeatInterval publishes kernel.heartbeat events; 0 disables them.
	HeartbeatInterval time.Duration

	// SpawnQueue names a coordination work queue of SpawnRequests that Run
	// claims and spawns; empty disables it. QueuePoll spaces the claims.
	SpawnQueue string
	QueuePoll  time.Duration

	// WorkingImportance is the importance of pages holding step output.
	WorkingImportance float64
	// AuditLimit caps the bytes of prompt and output kept per audit entry.
	AuditLimit int
	// EventBuffer sizes the queue of background storage work.
	EventBuffer int
	// StorageRetry governs retries of best-effort storage writes.
	StorageRetry cron.RetryConfig

	Tools []Tool
}

// DefaultConfig returns the standard kernel settings.
func DefaultConfig() Config {
	return Config{
		Context:           contextmgr.DefaultConfig(),
		Scheduler:         scheduler.DefaultConfig(),
		Quota:             quota.DefaultConfig(),
		Burst:             1,
		IdleSleep:         100 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		WorkingImportance: 0.5,
		AuditLimit:        2000,
		EventBuffer:       1000,
		QueuePoll:         time.Second,
		StorageRetry:      cron.DefaultRetryConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Context.Counter == nil {
		c.Context.Counter = tokens.Heuristic{}
	}
	if c.Context.Policy == (eviction.Policy{}) {
		c.Context.Policy = d.Context.Policy
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = d.IdleSleep
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.WorkingImportance <= 0 {
		c.WorkingImportance = d.WorkingImportance
	}
	if c.AuditLimit <= 0 {
		c.AuditLimit = d.AuditLimit
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.QueuePoll <= 0 {
		c.QueuePoll = d.QueuePoll
	}
	if c.StorageRetry.BaseDelay <= 0 {
		c.StorageRetry = d.StorageRetry
	}
	return c
}

// Archiver copies checkpoints to cold storage. archive.Archiver implements it.
type Archiver interface {
	Archive(ctx context.Context, cp *store.Checkpoint) (string, error)
}

// Option customizes a Kernel.
type Option func(*Kernel)

// WithExecutor sets the step executor. The default is EchoExecutor{}.
func WithExecutor(e Executor) Option {
	return func(k *Kernel) { k.exec = e }
}

// WithArchiver copies every saved checkpoint to a.
func WithArchiver(a Archiver) Option {
	return func(k *Kernel) { k.archiver = a }
}

// Kernel is the agent runtime.
type Kernel struct {
	cfg      Config
	storage  store.Storage
	sched    *scheduler.Scheduler
	ctxm     *contextmgr.Manager
	quota    *quota.Manager
	counter  tokens.Counter
	exec     Executor
	archiver Archiver
	jobs     *cron.Service
	limiter  *rate.Limiter
	beat     *heartbeat.Service
	work     *workQueue

	hookMu sync.RWMutex
	pre    []Hook
	post   []Hook

	running      atomic.Bool
	mu           sync.Mutex // guards cfg and stopCh
	stopCh       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	id         string
	started    time.Time
	lastPoll   time.Time
	spawned    atomic.Int64
	iterations atomic.Int64
	steps      atomic.Int64
	tokensUsed atomic.Int64
	stepErrors atomic.Int64
	panics     atomic.Int64
	archived   atomic.Int64
	now        func() time.Time
}

// New builds a kernel over storage. The kernel takes ownership of storage
// and closes it on Shutdown.
func New(cfg Config, storage store.Storage, opts ...Option) (*Kernel, error) {
	if storage == nil {
		return nil, fmt.Errorf("kernel: storage is required")
	}
	cfg = cfg.withDefaults()

	q := quota.New(cfg.Quota)
	ctxm := contextmgr.New(cfg.Context, storage)
	k := &Kernel{
		cfg:     cfg,
		storage: storage,
		quota:   q,
		ctxm:    ctxm,
		sched:   scheduler.New(cfg.Scheduler, q, storage, ctxm),
		counter: cfg.Context.Counter,
		exec:    EchoExecutor{},
		jobs:    cron.NewService(),
		limiter: newLimiter(cfg.StepsPerSecond, cfg.Burst),
		work:    newWorkQueue(cfg.EventBuffer),
		stopCh:  make(chan struct{}),
		id:      store.NewID(),
		started: store.Now(),
		now:     store.Now,
	}
	for _, opt := range opts {
		opt(k)
	}

	if cfg.AutoCheckpoint != "" {
		schedule, err := cron.ParseSchedule(cfg.AutoCheckpoint)
		if err != nil {
			return nil, fmt.Errorf("kernel: auto checkpoint schedule %q: %w", cfg.AutoCheckpoint, err)
		}
		if _, err := k.jobs.AddJob("auto-checkpoint", schedule, k.now(), k.autoCheckpoint); err != nil {
			return nil, fmt.Errorf("kernel: %w", err)
		}
	}
	if cfg.HeartbeatInterval > 0 {
		k.beat = heartbeat.NewService(heartbeat.Config{Interval: cfg.HeartbeatInterval},
			k.heartbeatStatus, k.publishHeartbeat)
	}

	k.sched.OnEvent(k.onSchedulerEvent)
	k.sched.RegisterShutdownCallback(k.releaseProcess)
	k.work.start()

	slog.Info("kernel: initialized",
		"version", Version,
		"context_budget", cfg.Context.Budget,
		"time_slice", cfg.Scheduler.TimeSlice,
		"auto_checkpoint", cfg.AutoCheckpoint,
		"spawn_queue", cfg.SpawnQueue,
	)
	return k, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ID identifies this kernel instance as a lock holder and queue worker.
func (k *Kernel) ID() string { return k.id }

// Scheduler returns the kernel's scheduler.
func (k *Kernel) Scheduler() *scheduler.Scheduler { return k.sched }

// Context returns the kernel's context manager.
func (k *Kernel) Context() *contextmgr.Manager { return k.ctxm }

// Storage returns the kernel's storage.
func (k *Kernel) Storage() store.Storage { return k.storage }

// Jobs returns the kernel's recurring jobs.
func (k *Kernel) Jobs() *cron.Service { return k.jobs }

// PreStep registers a hook run before every executor step.
func (k *Kernel) PreStep(h Hook) {
	k.hookMu.Lock()
	defer k.hookMu.Unlock()
	k.pre = append(k.pre, h)
}

// PostStep registers a hook run after every successful executor step.
func (k *Kernel) PostStep(h Hook) {
	k.hookMu.Lock()
	defer k.hookMu.Unlock()
	k.post = append(k.post, h)
}

// Reconfigure applies new tunables to the live subsystems. Storage,
// executor and auto-checkpoint schedule are fixed at construction.
func (k *Kernel) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	k.sched.SetConfig(cfg.Scheduler)
	k.quota.SetConfig(cfg.Quota)
	if cfg.Context.Budget > 0 {
		k.ctxm.SetBudget(cfg.Context.Budget)
	}
	k.ctxm.SetPolicy(cfg.Context.Policy)
	if cfg.StepsPerSecond > 0 {
		k.limiter.SetLimit(rate.Limit(cfg.StepsPerSecond))
	} else {
		k.limiter.SetLimit(rate.Inf)
	}
	k.limiter.SetBurst(cfg.Burst)

	k.mu.Lock()
	cfg.Context.Counter = k.counter
	cfg.AutoCheckpoint = k.cfg.AutoCheckpoint
	cfg.EventBuffer = k.cfg.EventBuffer
	k.cfg = cfg
	k.mu.Unlock()
	slog.Info("kernel: configuration applied", "context_budget", cfg.Context.Budget, "steps_per_second", cfg.StepsPerSecond)
}

func (k *Kernel) config() Config {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg
}

// SpawnRequest describes a new agent process.
type SpawnRequest struct {
	Name string `json:"name"`
	Task string `json:"task"`
	// Priority: smaller is more urgent. Use store.DefaultPriority unless
	// the caller has a reason to differ; 0 is the most urgent.
	Priority int               `json:"priority"`
	ParentID string            `json:"parent_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Spawn creates a process with its system, task and tools pages and makes
// it ready. The record is persisted in the background, best effort.
func (k *Kernel) Spawn(ctx context.Context, req SpawnRequest) (pid string, err error) {
	ctx, span := tracing.Start(ctx, "kernel.spawn", "")
	defer func() { tracing.End(span, err) }()

	if req.Name == "" {
		return "", fmt.Errorf("spawn: name is required")
	}
	if k.sched.Stopping() {
		return "", scheduler.ErrShutdown
	}

	p := store.NewProcess(req.Name, req.Task)
	// Zero limits are filled from the scheduler config on Submit.
	p.TimeSlice, p.MaxErrors = 0, 0
	p.Priority = req.Priority
	p.ParentID = req.ParentID
	for key, v := range req.Metadata {
		p.Metadata[key] = v
	}
	span.SetAttributes(tracing.AttrPID.String(p.ID))

	pages := []struct {
		id         *string
		content    string
		importance float64
		category   store.PageCategory
	}{
		{&p.SystemPageID, fmt.Sprintf("You are %s. Your task: %s", req.Name, req.Task), SystemImportance, store.CategorySystem},
		{&p.TaskPageID, "Current task: " + req.Task, TaskImportance, store.CategoryTask},
		{&p.ToolsPageID, "Available tools: " + k.toolSchema(), ToolsImportance, store.CategoryTools},
	}
	for _, pg := range pages {
		id, err := k.ctxm.Allocate(ctx, p.ID, pg.content, pg.importance, pg.category)
		if err != nil {
			k.ctxm.Release(p.ID)
			return "", fmt.Errorf("spawn %s: %s page: %w", req.Name, pg.category, err)
		}
		*pg.id = id
	}

	if err := k.sched.Submit(p); err != nil {
		k.ctxm.Release(p.ID)
		return "", fmt.Errorf("spawn %s: %w", req.Name, err)
	}
	k.spawned.Add(1)
	if rec, ok := k.sched.Get(p.ID); ok {
		k.work.submit(func(ctx context.Context) { k.persistProcess(ctx, rec) })
	}

	slog.Info("kernel: spawned process", "pid", p.ID, "name", req.Name, "priority", p.Priority, "pages", 3)
	return p.ID, nil
}

func (k *Kernel) toolSchema() string {
	tools := k.config().Tools
	if tools == nil {
		tools = []Tool{}
	}
	data, _ := json.Marshal(tools)
	return string(data)
}

// CreateCheckpoint snapshots pid and its pages without changing its state,
// then writes dirty pages back to storage.
func (k *Kernel) CreateCheckpoint(ctx context.Context, pid, description string) (id string, err error) {
	ctx, span := tracing.Start(ctx, "kernel.checkpoint", pid)
	defer func() { tracing.End(span, err) }()

	id, err = k.sched.Checkpoint(ctx, pid, description)
	if err != nil {
		return "", err
	}
	span.SetAttributes(tracing.AttrCheckpoint.String(id))
	if n := k.ctxm.Flush(ctx); n > 0 {
		slog.Debug("kernel: pages written back", "pid", pid, "pages", n)
	}
	return id, nil
}

// RestoreCheckpoint creates a new ready process from a checkpoint and
// returns its pid. The original pid is never reused.
func (k *Kernel) RestoreCheckpoint(ctx context.Context, checkpointID string) (pid string, err error) {
	ctx, span := tracing.Start(ctx, "kernel.restore", "",
		tracing.AttrCheckpoint.String(checkpointID))
	defer func() { tracing.End(span, err) }()

	if k.sched.Stopping() {
		return "", scheduler.ErrShutdown
	}
	pid, ok := k.sched.Resume(ctx, "", checkpointID)
	if !ok {
		return "", fmt.Errorf("restore: %w: %s", ErrCheckpointNotFound, checkpointID)
	}
	span.SetAttributes(tracing.AttrPID.String(pid))
	return pid, nil
}

// Suspend removes pid from scheduling and checkpoints it.
func (k *Kernel) Suspend(ctx context.Context, pid string) (id string, err error) {
	ctx, span := tracing.Start(ctx, "kernel.suspend", pid)
	defer func() { tracing.End(span, err) }()

	id, err = k.sched.Suspend(ctx, pid, true)
	if err != nil {
		return "", err
	}
	k.ctxm.Flush(ctx)
	return id, nil
}

// Resume re-queues a suspended process.
func (k *Kernel) Resume(ctx context.Context, pid string) error {
	if _, ok := k.sched.Resume(ctx, pid, ""); ok {
		return nil
	}
	if _, ok := k.sched.Get(pid); !ok {
		return fmt.Errorf("resume: %w: %s", scheduler.ErrProcessNotFound, pid)
	}
	return fmt.Errorf("resume %s: %w", pid, ErrNotSuspended)
}

// Terminate ends pid. Its pages are released and its quota usage forgotten.
func (k *Kernel) Terminate(pid, reason string) bool {
	return k.sched.Terminate(pid, reason)
}

// Stop asks a running Run loop to return. Stopping is permanent: later Run
// calls return immediately. It is safe to call repeatedly.
func (k *Kernel) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	select {
	case <-k.stopCh:
	default:
		close(k.stopCh)
	}
}

func (k *Kernel) stopped() <-chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stopCh
}

// Shutdown stops the run loop, suspends every active process with a
// checkpoint, writes dirty pages back, drains background work and closes
// storage. Later calls return the first call's result.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.shutdownOnce.Do(func() {
		k.shutdownErr = k.shutdown(ctx)
	})
	return k.shutdownErr
}

func (k *Kernel) shutdown(ctx context.Context) (err error) {
	ctx, span := tracing.Start(ctx, "kernel.shutdown", "")
	defer func() { tracing.End(span, err) }()

	slog.Info("kernel: shutting down")
	k.Stop()
	if k.beat != nil {
		k.beat.Stop()
	}

	var errs []error
	if err := k.sched.Shutdown(ctx, k.config().ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown checkpoints: %w", err))
	}
	flushed := k.ctxm.Flush(ctx)
	k.publish(k.now(), protocol.EventKernelShutdown, "", nil)
	k.work.stop()
	if err := k.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	slog.Info("kernel: shutdown complete", "pages_flushed", flushed, "events_dropped", k.work.dropped.Load())
	return errors.Join(errs...)
}

// releaseProcess runs as a scheduler shutdown callback on every termination.
func (k *Kernel) releaseProcess(pid, reason string) {
	n := k.ctxm.Release(pid)
	k.quota.Forget(pid)
	slog.Debug("kernel: released process resources", "pid", pid, "reason", reason, "pages", n)
}

// persistProcess saves the PCB with retries; failures are logged only.
func (k *Kernel) persistProcess(ctx context.Context, p *store.Process) {
	attempts, err := cron.ExecuteWithRetry(ctx, k.config().StorageRetry, func(ctx context.Context) error {
		return k.storage.SaveProcess(ctx, p)
	})
	if err != nil {
		slog.Warn("kernel: save process failed", "pid", p.ID, "attempts", attempts, "error", err)
	}
}

// autoCheckpoint is the cron handler that snapshots every live process.
func (k *Kernel) autoCheckpoint(ctx context.Context, _ cron.Job) error {
	var errs []error
	for _, p := range k.sched.List() {
		switch p.State {
		case store.StateReady, store.StateRunning, store.StateWaiting:
		default:
			continue
		}
		if _, err := k.CreateCheckpoint(ctx, p.ID, "auto"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
