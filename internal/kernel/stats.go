package kernel

import (
	"time"

	"github.com/nextlevelbuilder/agentos/internal/contextmgr"
	"github.com/nextlevelbuilder/agentos/internal/quota"
	"github.com/nextlevelbuilder/agentos/internal/scheduler"
	"github.com/nextlevelbuilder/agentos/internal/store"
)

// Stats aggregates kernel, context, scheduler and quota statistics.
type Stats struct {
	Version         string           `json:"version"`
	ID              string           `json:"id"`
	Uptime          time.Duration    `json:"uptime"`
	Running         bool             `json:"running"`
	TotalAgents     int64            `json:"total_agents"`
	ActiveAgents    int              `json:"active_agents"`
	TotalIterations int64            `json:"total_iterations"`
	TotalSteps      int64            `json:"total_steps"`
	TotalTokens     int64            `json:"total_tokens"`
	StepErrors      int64            `json:"step_errors"`
	Panics          int64            `json:"panics"`
	Archived        int64            `json:"archived"`
	EventsDropped   int64            `json:"events_dropped"`
	Context         contextmgr.Stats `json:"context"`
	Scheduler       scheduler.Stats  `json:"scheduler"`
	Quota           quota.Stats      `json:"quota"`
}

// Stats returns a snapshot of the kernel.
func (k *Kernel) Stats() Stats {
	sched := k.sched.Stats()
	active := sched.ByState[store.StateReady] + sched.ByState[store.StateRunning] + sched.ByState[store.StateWaiting]
	return Stats{
		Version:         Version,
		ID:              k.id,
		Uptime:          k.now().Sub(k.started),
		Running:         k.running.Load(),
		TotalAgents:     k.spawned.Load(),
		ActiveAgents:    active,
		TotalIterations: k.iterations.Load(),
		TotalSteps:      k.steps.Load(),
		TotalTokens:     k.tokensUsed.Load(),
		StepErrors:      k.stepErrors.Load(),
		Panics:          k.panics.Load(),
		Archived:        k.archived.Load(),
		EventsDropped:   k.work.dropped.Load(),
		Context:         k.ctxm.Stats(),
		Scheduler:       sched,
		Quota:           k.quota.Stats(),
	}
}

// heartbeatStatus is the liveness payload; it omits fields that change on
// every loop iteration so an idle kernel's beats deduplicate.
func (k *Kernel) heartbeatStatus() any {
	sched := k.sched.Stats()
	return struct {
		ID      string                     `json:"id"`
		Version string                     `json:"version"`
		Steps   int64                      `json:"steps"`
		ByState map[store.ProcessState]int `json:"by_state"`
	}{k.id, Version, k.steps.Load(), sched.ByState}
}
