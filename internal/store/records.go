package store

import (
	"encoding/json"
	"time"
)

// MemoryRecord is a long-term episodic memory entry.
type MemoryRecord struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	Category   string            `json:"category"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Importance float64           `json:"importance"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// AuditEntry is one immutable audit-log row.
type AuditEntry struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	ActionType string            `json:"action_type"`
	Input      string            `json:"input,omitempty"`
	Output     string            `json:"output,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	TokensUsed int               `json:"tokens_used"`
	Duration   time.Duration     `json:"duration"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TaskStatus is the lifecycle of a work-queue task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// QueueTask is an item of a distributed work queue.
// Lower Priority values are claimed first; ties go to the oldest task.
type QueueTask struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
}

// Event is a pub/sub message on a named channel.
type Event struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	OwnerID   string          `json:"owner_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler receives events delivered to a subscription.
// Handlers run on the delivering goroutine and should not block.
type EventHandler func(Event)

// ScoredPage is a similarity-search hit over context pages.
type ScoredPage struct {
	Page  *Page   `json:"page"`
	Score float64 `json:"score"`
}

// ScoredMemory is a similarity-search hit over memory records.
type ScoredMemory struct {
	Memory MemoryRecord `json:"memory"`
	Score  float64      `json:"score"`
}
