package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

const maxRunLog = 200

// Service holds recurring jobs. It has no goroutine of its own: the owner
// calls Tick from its loop, so jobs run on the owner's schedule and context.
type Service struct {
	mu       sync.Mutex
	jobs     []*Job
	handlers map[string]JobHandler
	runLog   []RunLogEntry
	retryCfg RetryConfig
}

func NewService() *Service {
	return &Service{
		handlers: make(map[string]JobHandler),
		retryCfg: RetryConfig{MaxRetries: 0},
	}
}

// SetRetryConfig sets how failing job handlers are retried within one tick.
func (cs *Service) SetRetryConfig(cfg RetryConfig) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.retryCfg = cfg
}

// AddJob registers handler under schedule; its first run is computed from now.
func (cs *Service) AddJob(name string, schedule Schedule, now time.Time, handler JobHandler) (*Job, error) {
	if err := validateSchedule(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	next, err := computeNextRun(schedule, now)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	job := &Job{
		ID:       store.NewID(),
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		State:    JobState{NextRun: next},
	}
	cs.jobs = append(cs.jobs, job)
	cs.handlers[job.ID] = handler
	slog.Info("cron job added", "id", job.ID, "name", name, "kind", schedule.Kind, "next_run", next)
	return job, nil
}

// RemoveJob deletes a job by ID.
func (cs *Service) RemoveJob(jobID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, job := range cs.jobs {
		if job.ID == jobID {
			cs.jobs = append(cs.jobs[:i], cs.jobs[i+1:]...)
			delete(cs.handlers, jobID)
			slog.Info("cron job removed", "id", jobID)
			return nil
		}
	}
	return fmt.Errorf("job %s not found", jobID)
}

// EnableJob toggles a job; re-enabling schedules it from now.
func (cs *Service) EnableJob(jobID string, enabled bool, now time.Time) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, job := range cs.jobs {
		if job.ID != jobID {
			continue
		}
		job.Enabled = enabled
		if enabled {
			next, err := computeNextRun(job.Schedule, now)
			if err != nil {
				return err
			}
			job.State.NextRun = next
		}
		return nil
	}
	return fmt.Errorf("job %s not found", jobID)
}

// ListJobs returns copies of all jobs.
func (cs *Service) ListJobs() []Job {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Job, 0, len(cs.jobs))
	for _, job := range cs.jobs {
		out = append(out, *job)
	}
	return out
}

// Tick runs every enabled job whose next run is at or before now, then
// schedules each one's following run. It returns the number of jobs run.
func (cs *Service) Tick(ctx context.Context, now time.Time) int {
	cs.mu.Lock()
	type due struct {
		job     Job
		handler JobHandler
	}
	var ready []due
	for _, job := range cs.jobs {
		if !job.Enabled || job.State.NextRun.After(now) {
			continue
		}
		ready = append(ready, due{job: *job, handler: cs.handlers[job.ID]})
		if next, err := computeNextRun(job.Schedule, now); err == nil {
			job.State.NextRun = next
		} else {
			job.Enabled = false
		}
	}
	retryCfg := cs.retryCfg
	cs.mu.Unlock()

	for _, d := range ready {
		attempts, err := ExecuteWithRetry(ctx, retryCfg, func(ctx context.Context) error {
			return d.handler(ctx, d.job)
		})
		cs.recordRun(d.job.ID, now, attempts, err)
		if err != nil {
			slog.Warn("cron job failed", "id", d.job.ID, "name", d.job.Name, "attempts", attempts, "error", err)
		}
	}
	return len(ready)
}

func (cs *Service) recordRun(jobID string, at time.Time, attempts int, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	entry := RunLogEntry{At: at, JobID: jobID, Status: "ok", Attempts: attempts}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}
	cs.runLog = append(cs.runLog, entry)
	if len(cs.runLog) > maxRunLog {
		cs.runLog = cs.runLog[len(cs.runLog)-maxRunLog:]
	}
	for _, job := range cs.jobs {
		if job.ID == jobID {
			job.State.LastRun = at
			job.State.LastStatus = entry.Status
			job.State.LastError = entry.Error
			job.State.Runs++
		}
	}
}

// GetRunLog returns up to limit most recent runs of jobID (all jobs when empty).
func (cs *Service) GetRunLog(jobID string, limit int) []RunLogEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []RunLogEntry
	for i := len(cs.runLog) - 1; i >= 0; i-- {
		e := cs.runLog[i]
		if jobID != "" && e.JobID != jobID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func computeNextRun(schedule Schedule, now time.Time) (time.Time, error) {
	switch schedule.Kind {
	case KindEvery:
		return now.Add(schedule.Every), nil
	case KindCron:
		next, err := gronx.NextTickAfter(schedule.Expr, now, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick for %q: %w", schedule.Expr, err)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", schedule.Kind)
}

func validateSchedule(schedule Schedule) error {
	switch schedule.Kind {
	case KindEvery:
		if schedule.Every <= 0 {
			return fmt.Errorf("every: interval must be positive")
		}
	case KindCron:
		gx := gronx.New()
		if !gx.IsValid(schedule.Expr) {
			return fmt.Errorf("cron: invalid expression %q", schedule.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
	return nil
}
