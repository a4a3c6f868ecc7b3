package store

import "errors"

var (
	// ErrNotFound is returned when a single-item lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrCheckpointExists is returned when saving a checkpoint whose id is already stored.
	// Checkpoints are immutable once written.
	ErrCheckpointExists = errors.New("checkpoint already exists")

	// ErrQueueEmpty is returned by DequeueTask when no pending task can be claimed.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrStorageUnavailable wraps backend failures at kernel and scheduler boundaries.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
