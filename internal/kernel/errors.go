package kernel

import "errors"

var (
	// ErrAlreadyRunning is returned by Run when another Run is active.
	ErrAlreadyRunning = errors.New("kernel run loop already active")

	// ErrStepPanic wraps a panic recovered from an executor step.
	ErrStepPanic = errors.New("executor step panicked")

	// ErrCheckpointNotFound is returned by RestoreCheckpoint for an unknown id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNotSuspended is returned by Resume for a process that is not suspended.
	ErrNotSuspended = errors.New("process is not suspended")
)
