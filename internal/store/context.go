package store

import "context"

type contextKey string

const (
	// ProcessIDKey is the context key for the id of the process being stepped.
	ProcessIDKey contextKey = "agentos_process_id"
	// WorkerIDKey is the context key for the kernel instance id (lock holder, queue worker).
	WorkerIDKey contextKey = "agentos_worker_id"
)

// WithProcessID returns a new context with the given process id.
func WithProcessID(ctx context.Context, pid string) context.Context {
	return context.WithValue(ctx, ProcessIDKey, pid)
}

// ProcessIDFromContext extracts the process id from context. Returns "" if not set.
func ProcessIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ProcessIDKey).(string); ok {
		return v
	}
	return ""
}

// WithWorkerID returns a new context with the given worker id.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, id)
}

// WorkerIDFromContext extracts the worker id from context. Returns "" if not set.
func WorkerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(WorkerIDKey).(string); ok {
		return v
	}
	return ""
}
