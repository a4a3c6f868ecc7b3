// Package cron runs recurring kernel jobs such as auto-checkpointing.
//
// Two schedule kinds are supported:
//   - "every": fixed interval
//   - "cron":  standard cron expression (5-field, parsed by gronx)
package cron

import (
	"context"
	"time"
)

// Schedule kinds.
const (
	KindEvery = "every"
	KindCron  = "cron"
)

// Schedule defines when a job should run.
type Schedule struct {
	Kind  string        `json:"kind"`
	Every time.Duration `json:"every,omitempty"` // for "every"
	Expr  string        `json:"expr,omitempty"`  // for "cron"
}

// JobState tracks runtime state for a job.
type JobState struct {
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastStatus string    `json:"last_status,omitempty"` // "ok" or "error"
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

// Job is a registered recurring job.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Schedule Schedule `json:"schedule"`
	State    JobState `json:"state"`
}

// RunLogEntry is an in-memory record of a job execution.
type RunLogEntry struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
}

// JobHandler is invoked when a job fires.
type JobHandler func(ctx context.Context, job Job) error

// ParseSchedule accepts either a Go duration ("15m") or a cron expression.
func ParseSchedule(spec string) (Schedule, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		s := Schedule{Kind: KindEvery, Every: d}
		return s, validateSchedule(s)
	}
	s := Schedule{Kind: KindCron, Expr: spec}
	return s, validateSchedule(s)
}
