package scheduler

import "errors"

var (
	// ErrProcessNotFound is returned when a pid is not in the process table.
	ErrProcessNotFound = errors.New("process not found")

	// ErrIllegalTransition is returned when a state change is not allowed from the current state.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrShutdown is returned by Submit once Shutdown has begun.
	ErrShutdown = errors.New("scheduler is shutting down")

	// ErrChannelNotFound is returned when sending on a channel that was never created.
	ErrChannelNotFound = errors.New("ipc channel not found")

	// ErrQueueFull is returned when a message is rejected because the channel is full (drop=new policy).
	ErrQueueFull = errors.New("ipc channel is full")
)
