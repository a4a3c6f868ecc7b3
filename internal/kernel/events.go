package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/cron"
	"github.com/nextlevelbuilder/agentos/internal/scheduler"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

const workTimeout = 10 * time.Second

// workQueue runs best-effort storage work (event publishing, lifecycle
// audit, archiving) off the caller's goroutine, in submission order. When
// the buffer is full new work is dropped.
type workQueue struct {
	ch      chan func(context.Context)
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func newWorkQueue(size int) *workQueue {
	return &workQueue{
		ch:     make(chan func(context.Context), size),
		stopCh: make(chan struct{}),
	}
}

func (q *workQueue) start() {
	q.wg.Add(1)
	go q.loop()
}

// submit enqueues fn without blocking and reports whether it was accepted.
func (q *workQueue) submit(fn func(context.Context)) bool {
	select {
	case <-q.stopCh:
		q.dropped.Add(1)
		return false
	default:
	}
	select {
	case q.ch <- fn:
		return true
	default:
		q.dropped.Add(1)
		slog.Warn("kernel: background queue full, dropping work")
		return false
	}
}

// stop drains queued work and waits for the loop to exit.
func (q *workQueue) stop() {
	q.once.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// sync waits until everything submitted before it has run.
func (q *workQueue) sync() {
	done := make(chan struct{})
	if !q.submit(func(context.Context) { close(done) }) {
		return
	}
	<-done
}

func (q *workQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case fn := <-q.ch:
			q.run(fn)
		case <-q.stopCh:
			for {
				select {
				case fn := <-q.ch:
					q.run(fn)
				default:
					return
				}
			}
		}
	}
}

func (q *workQueue) run(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), workTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("kernel: background work panicked", "panic", r)
		}
	}()
	fn(ctx)
}

// onSchedulerEvent fans scheduler lifecycle events out to storage.
func (k *Kernel) onSchedulerEvent(ev scheduler.Event) {
	payload, _ := json.Marshal(ev)
	k.publish(ev.Time, ev.Type, ev.PID, payload)

	switch ev.Type {
	case protocol.EventProcessSpawned:
		k.auditAsync(store.AuditEntry{OwnerID: ev.PID, ActionType: protocol.ActionSpawn, Timestamp: ev.Time})
	case protocol.EventCheckpointCreated:
		k.auditAsync(store.AuditEntry{OwnerID: ev.PID, ActionType: protocol.ActionCheckpoint, Output: ev.Reason, Timestamp: ev.Time})
		if k.archiver != nil {
			k.work.submit(func(ctx context.Context) { k.archive(ctx, ev.Reason) })
		}
	case protocol.EventCheckpointRestored:
		k.auditAsync(store.AuditEntry{OwnerID: ev.PID, ActionType: protocol.ActionRestore, Input: ev.Reason, Timestamp: ev.Time})
	case protocol.EventProcessTerminated, protocol.EventProcessFailed:
		k.auditAsync(store.AuditEntry{OwnerID: ev.PID, ActionType: protocol.ActionTerminate, Reasoning: ev.Reason, Timestamp: ev.Time})
		if p, ok := k.sched.Get(ev.PID); ok {
			k.work.submit(func(ctx context.Context) { k.persistProcess(ctx, p) })
		}
	}
}

// publish sends an event on the kernel events channel in the background.
func (k *Kernel) publish(at time.Time, typ, pid string, payload json.RawMessage) {
	ev := store.Event{
		Channel:   protocol.EventsChannel,
		Type:      typ,
		OwnerID:   pid,
		Payload:   payload,
		Timestamp: at,
	}
	k.work.submit(func(ctx context.Context) {
		if err := k.storage.PublishEvent(ctx, ev); err != nil {
			slog.Debug("kernel: publish event failed", "type", typ, "pid", pid, "error", err)
		}
	})
}

func (k *Kernel) publishHeartbeat(ctx context.Context, payload json.RawMessage) error {
	return k.storage.PublishEvent(ctx, store.Event{
		Channel:   protocol.EventsChannel,
		Type:      protocol.EventKernelHeartbeat,
		Payload:   payload,
		Timestamp: k.now(),
	})
}

// audit appends entry with retries; failures are logged only.
func (k *Kernel) audit(ctx context.Context, entry store.AuditEntry) {
	attempts, err := cron.ExecuteWithRetry(ctx, k.config().StorageRetry, func(ctx context.Context) error {
		_, err := k.storage.LogAction(ctx, entry)
		return err
	})
	if err != nil {
		slog.Warn("kernel: audit write failed", "pid", entry.OwnerID, "action", entry.ActionType, "attempts", attempts, "error", err)
	}
}

func (k *Kernel) auditAsync(entry store.AuditEntry) {
	k.work.submit(func(ctx context.Context) { k.audit(ctx, entry) })
}

// archive copies a saved checkpoint to cold storage.
func (k *Kernel) archive(ctx context.Context, checkpointID string) {
	cp, err := k.storage.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		slog.Warn("kernel: archive load failed", "checkpoint", checkpointID, "error", err)
		return
	}
	var key string
	attempts, err := cron.ExecuteWithRetry(ctx, k.config().StorageRetry, func(ctx context.Context) error {
		var err error
		key, err = k.archiver.Archive(ctx, cp)
		return err
	})
	if err != nil {
		slog.Warn("kernel: archive failed", "checkpoint", checkpointID, "attempts", attempts, "error", err)
		return
	}
	k.archived.Add(1)
	slog.Debug("kernel: checkpoint archived", "checkpoint", checkpointID, "key", key)
}
