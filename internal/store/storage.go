package store

import (
	"context"
	"encoding/json"
	"time"
)

// StateStore persists process records and checkpoints.
type StateStore interface {
	SaveProcess(ctx context.Context, proc *Process) error
	LoadProcess(ctx context.Context, pid string) (*Process, error)

	// SaveCheckpoint writes an immutable checkpoint and returns its id.
	// Saving an id that already exists fails with ErrCheckpointExists.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) (string, error)
	LoadCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ListCheckpoints returns an owner's checkpoints, newest first.
	ListCheckpoints(ctx context.Context, ownerID string) ([]CheckpointInfo, error)
}

// CoordinationStore provides locks, a claimable work queue and pub/sub.
type CoordinationStore interface {
	// AcquireLock is non-blocking and non-reentrant. Expired locks may be taken over.
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string) error

	EnqueueTask(ctx context.Context, queue string, priority int, payload json.RawMessage) (string, error)
	// DequeueTask claims the most urgent pending task. Each task is claimed
	// by exactly one worker; ErrQueueEmpty when nothing is pending.
	DequeueTask(ctx context.Context, queue, worker string) (*QueueTask, error)
	CompleteTask(ctx context.Context, taskID string, failed bool) error

	PublishEvent(ctx context.Context, ev Event) error
	// SubscribeEvents delivers events published on channel until the
	// returned cancel func is called or ctx is done.
	SubscribeEvents(ctx context.Context, channel string, handler EventHandler) (func(), error)
}

// AuditStore is an append-only action log.
type AuditStore interface {
	LogAction(ctx context.Context, entry AuditEntry) (string, error)
	// GetAuditTrail returns an owner's entries, newest first.
	GetAuditTrail(ctx context.Context, ownerID string, limit int) ([]AuditEntry, error)
	// ReplayActions returns entries strictly after the checkpoint's timestamp,
	// oldest first. Unknown or empty checkpoint ids replay the full history.
	ReplayActions(ctx context.Context, ownerID, fromCheckpointID string) ([]AuditEntry, error)
}

// Storage is the full contract every backend implements.
type Storage interface {
	MemoryStore
	StateStore
	IndexStore
	CoordinationStore
	AuditStore
	Close() error
}
