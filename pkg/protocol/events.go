package protocol

// EventsChannel is the pub/sub channel kernel lifecycle events are published on.
const EventsChannel = "agentos.events"

// Process lifecycle event names.
const (
	EventProcessSpawned    = "process.spawned"
	EventProcessDispatched = "process.dispatched"
	EventProcessPreempted  = "process.preempted"
	EventProcessWaiting    = "process.waiting"
	EventProcessWoken      = "process.woken"
	EventProcessSuspended  = "process.suspended"
	EventProcessResumed    = "process.resumed"
	EventProcessTerminated = "process.terminated"
	EventProcessFailed     = "process.failed"

	EventCheckpointCreated  = "checkpoint.created"
	EventCheckpointRestored = "checkpoint.restored"

	EventMessageSent     = "ipc.message"
	EventKernelShutdown  = "kernel.shutdown"
	EventKernelHeartbeat = "kernel.heartbeat"
)

// Audit action types (AuditEntry.ActionType).
const (
	ActionSpawn      = "spawn"
	ActionStep       = "step"
	ActionCheckpoint = "checkpoint"
	ActionRestore    = "restore"
	ActionTerminate  = "terminate"
	ActionError      = "error"
)

// Waiting reasons set by the kernel and scheduler.
const (
	WaitErrorRecovery = "error_recovery"
	WaitMessage       = "ipc"
)
