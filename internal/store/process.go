package store

import (
	"maps"
	"slices"
	"time"
)

// ProcessState is the lifecycle state of an agent process.
type ProcessState string

const (
	StateReady      ProcessState = "ready"
	StateRunning    ProcessState = "running"
	StateWaiting    ProcessState = "waiting"
	StateSuspended  ProcessState = "suspended"
	StateTerminated ProcessState = "terminated"
	StateError      ProcessState = "error"
)

// Terminal reports whether no further transition is possible from s.
func (s ProcessState) Terminal() bool {
	return s == StateTerminated || s == StateError
}

// Process is the process control block of one agent task.
// Parent and children are referenced by id only.
type Process struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	State    ProcessState `json:"state"`
	Priority int          `json:"priority"` // smaller is more urgent
	Task     string       `json:"task"`

	TokenUsage    int           `json:"token_usage"`
	APICalls      int           `json:"api_calls"`
	ExecutionTime time.Duration `json:"execution_time"`

	SystemPageID string `json:"system_page_id,omitempty"`
	TaskPageID   string `json:"task_page_id,omitempty"`
	ToolsPageID  string `json:"tools_page_id,omitempty"`

	CheckpointID      string `json:"checkpoint_id,omitempty"`
	CheckpointVersion int    `json:"checkpoint_version"`
	RestoredFrom      string `json:"restored_from,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`

	TimeSlice time.Duration `json:"time_slice"`

	WaitingSince  *time.Time `json:"waiting_since,omitempty"`
	WaitingReason string     `json:"waiting_reason,omitempty"`
	PendingTokens int        `json:"pending_tokens,omitempty"`
	PendingCalls  int        `json:"pending_calls,omitempty"`

	ErrorCount int    `json:"error_count"`
	MaxErrors  int    `json:"max_errors"`
	LastError  string `json:"last_error,omitempty"`

	ParentID string   `json:"parent_id,omitempty"`
	ChildIDs []string `json:"child_ids,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Default PCB values.
const (
	DefaultPriority  = 50
	DefaultTimeSlice = 60 * time.Second
	DefaultMaxErrors = 3
)

// NewProcess builds a ready PCB with default priority, time slice and error budget.
func NewProcess(name, task string) *Process {
	return &Process{
		ID:        NewID(),
		Name:      name,
		Task:      task,
		State:     StateReady,
		Priority:  DefaultPriority,
		TimeSlice: DefaultTimeSlice,
		MaxErrors: DefaultMaxErrors,
		CreatedAt: Now(),
		Metadata:  map[string]string{},
	}
}

// Clone returns a deep copy of p.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	c := *p
	c.StartedAt = cloneTime(p.StartedAt)
	c.LastRun = cloneTime(p.LastRun)
	c.TerminatedAt = cloneTime(p.TerminatedAt)
	c.WaitingSince = cloneTime(p.WaitingSince)
	c.ChildIDs = slices.Clone(p.ChildIDs)
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// PageIDs returns the non-empty well-known page ids of the process.
func (p *Process) PageIDs() []string {
	var ids []string
	for _, id := range []string{p.SystemPageID, p.TaskPageID, p.ToolsPageID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
