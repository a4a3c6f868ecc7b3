// Package scheduler runs agent processes under preemptive, priority-based,
// quota-limited scheduling with suspend/resume, checkpoints and IPC.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/quota"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

// Config tunes scheduling decisions.
type Config struct {
	TimeSlice     time.Duration `json:"time_slice"`
	PreemptMargin int           `json:"preempt_margin"` // priority points a ready process must beat the running one by
	// UsageShare preempts a running process whose window token usage
	// exceeds this fraction of the global limit.
	UsageShare            float64       `json:"usage_share"`
	WaitTimeout           time.Duration `json:"wait_timeout"`
	MaxErrors             int           `json:"max_errors"`
	CheckpointConcurrency int           `json:"checkpoint_concurrency"`
	Channel               ChannelConfig `json:"channel"`
}

// DefaultConfig returns the standard scheduling constants.
func DefaultConfig() Config {
	return Config{
		TimeSlice:             store.DefaultTimeSlice,
		PreemptMargin:         10,
		UsageShare:            0.3,
		WaitTimeout:           30 * time.Second,
		MaxErrors:             store.DefaultMaxErrors,
		CheckpointConcurrency: 4,
		Channel:               DefaultChannelConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TimeSlice <= 0 {
		c.TimeSlice = d.TimeSlice
	}
	if c.PreemptMargin <= 0 {
		c.PreemptMargin = d.PreemptMargin
	}
	if c.UsageShare <= 0 {
		c.UsageShare = d.UsageShare
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.CheckpointConcurrency <= 0 {
		c.CheckpointConcurrency = d.CheckpointConcurrency
	}
	if c.Channel.Cap <= 0 {
		c.Channel.Cap = d.Channel.Cap
	}
	if c.Channel.Drop == "" {
		c.Channel.Drop = d.Channel.Drop
	}
	return c
}

// PageSource gives the scheduler access to a process's context pages for
// checkpointing and restore. The context manager implements it.
type PageSource interface {
	OwnerPages(owner string) []*store.Page
	AdoptPages(owner string, pages []*store.Page) map[string]string
}

// Event describes a lifecycle change. Handlers run outside the scheduler lock.
type Event struct {
	Type   string             `json:"type"`
	PID    string             `json:"pid"`
	From   store.ProcessState `json:"from,omitempty"`
	To     store.ProcessState `json:"to,omitempty"`
	Reason string             `json:"reason,omitempty"`
	Time   time.Time          `json:"time"`
}

// ShutdownCallback runs when a process is terminated.
type ShutdownCallback func(pid, reason string)

// Stats summarizes the process table.
type Stats struct {
	Total           int                        `json:"total"`
	ByState         map[store.ProcessState]int `json:"by_state"`
	Running         string                     `json:"running,omitempty"`
	ReadyQueue      int                        `json:"ready_queue"`
	Waiting         int                        `json:"waiting"`
	Completed       int64                      `json:"completed"`
	Failed          int64                      `json:"failed"`
	Preemptions     int64                      `json:"preemptions"`
	ContextSwitches int64                      `json:"context_switches"`
	Channels        int                        `json:"channels"`
}

// Scheduler owns the process table. Processes are referenced by id
// everywhere; one mutex guards the table, the ready heap, the waiting set
// and the IPC channels. Quota evaluation and storage I/O never run under it.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	procs    map[string]*store.Process
	ready    *readyQueue
	waiting  map[string]struct{}
	running  string
	channels map[string]*channel
	stopping bool

	completed       int64
	failed          int64
	preemptions     int64
	contextSwitches int64

	quota     *quota.Manager
	states    store.StateStore
	pages     PageSource
	callbacks []ShutdownCallback
	handlers  []func(Event)
	now       func() time.Time
}

// New creates a Scheduler. states and pages may be nil; checkpoints then fail
// with store.ErrStorageUnavailable and carry no pages.
func New(cfg Config, q *quota.Manager, states store.StateStore, pages PageSource) *Scheduler {
	if q == nil {
		q = quota.New(quota.DefaultConfig())
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		procs:    make(map[string]*store.Process),
		ready:    newReadyQueue(),
		waiting:  make(map[string]struct{}),
		channels: make(map[string]*channel),
		quota:    q,
		states:   states,
		pages:    pages,
		now:      store.Now,
	}
}

// SetConfig replaces the scheduling constants.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

// Quota returns the quota manager the scheduler consults.
func (s *Scheduler) Quota() *quota.Manager {
	return s.quota
}

// OnEvent registers a lifecycle event handler.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// RegisterShutdownCallback registers fn to run on every Terminate.
func (s *Scheduler) RegisterShutdownCallback(fn ShutdownCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Submit registers proc and makes it ready. Missing fields take defaults.
func (s *Scheduler) Submit(proc *store.Process) error {
	if proc == nil || proc.ID == "" {
		return fmt.Errorf("submit: process id is empty")
	}
	p := proc.Clone()
	if p.State == "" {
		p.State = store.StateReady
	}
	if p.State != store.StateReady {
		return fmt.Errorf("%w: submit %s in state %s", ErrIllegalTransition, p.ID, p.State)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShutdown
	}
	if _, exists := s.procs[p.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("submit: process %s already exists", p.ID)
	}
	if p.TimeSlice <= 0 {
		p.TimeSlice = s.cfg.TimeSlice
	}
	if p.MaxErrors <= 0 {
		p.MaxErrors = s.cfg.MaxErrors
	}
	if parent, ok := s.procs[p.ParentID]; ok && p.ParentID != "" {
		parent.ChildIDs = append(parent.ChildIDs, p.ID)
	}
	s.procs[p.ID] = p
	s.ready.add(p.ID, p.Priority)
	ev := Event{Type: protocol.EventProcessSpawned, PID: p.ID, To: store.StateReady, Time: s.now()}
	s.mu.Unlock()

	slog.Info("scheduler: process submitted", "pid", p.ID, "name", p.Name, "priority", p.Priority)
	s.emit(ev)
	return nil
}

// Tick makes one scheduling decision and returns a copy of the running
// process, or nil when nothing is runnable. It runs in three phases so the
// quota checks happen without the table lock held.
func (s *Scheduler) Tick(ctx context.Context) *store.Process {
	type waiter struct {
		pid           string
		tokens, calls int
	}

	// Phase 1: snapshot.
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	running := s.running
	var waiters []waiter
	for pid := range s.waiting {
		p := s.procs[pid]
		if isQuotaReason(p.WaitingReason) {
			waiters = append(waiters, waiter{pid: pid, tokens: p.PendingTokens, calls: p.PendingCalls})
		}
	}
	usageShare := s.cfg.UsageShare
	s.mu.Unlock()

	// Phase 2: quota evaluation, unlocked.
	overShare := false
	if running != "" {
		limit := s.quota.Config().MaxTokensPerWindow
		overShare = float64(s.quota.Usage(running).Tokens) > usageShare*float64(limit)
	}
	satisfiable := make(map[string]bool, len(waiters))
	for _, w := range waiters {
		if ctx.Err() != nil {
			break
		}
		satisfiable[w.pid] = s.quota.Check(w.pid, w.tokens, w.calls).Granted
	}

	// Phase 3: apply.
	s.mu.Lock()
	now := s.now()
	var events []Event

	if running != "" && s.running == running {
		p := s.procs[running]
		if reason := s.preemptReasonLocked(p, now, overShare); reason != "" {
			events = append(events, s.transitionLocked(p, store.StateReady, reason, now))
			events[len(events)-1].Type = protocol.EventProcessPreempted
			s.preemptions++
			slog.Debug("scheduler: process preempted", "pid", p.ID, "reason", reason)
		}
	}

	for pid := range s.waiting {
		p := s.procs[pid]
		timedOut := p.WaitingSince != nil && now.Sub(*p.WaitingSince) >= s.cfg.WaitTimeout
		if satisfiable[pid] || timedOut {
			reason := p.WaitingReason
			events = append(events, s.transitionLocked(p, store.StateReady, reason, now))
			events[len(events)-1].Type = protocol.EventProcessWoken
		}
	}

	if s.running == "" {
		if e, ok := s.ready.peek(); ok {
			p := s.procs[e.pid]
			events = append(events, s.transitionLocked(p, store.StateRunning, "", now))
			events[len(events)-1].Type = protocol.EventProcessDispatched
			s.contextSwitches++
		}
	}

	var out *store.Process
	if s.running != "" {
		out = s.procs[s.running].Clone()
	}
	s.mu.Unlock()

	s.emit(events...)
	return out
}

func (s *Scheduler) preemptReasonLocked(p *store.Process, now time.Time, overShare bool) string {
	if p.LastRun != nil && now.Sub(*p.LastRun) >= p.TimeSlice {
		return "time_slice"
	}
	if e, ok := s.ready.peek(); ok && e.priority <= p.Priority-s.cfg.PreemptMargin {
		return "priority"
	}
	if overShare {
		return "quota_share"
	}
	return ""
}

// Current returns a copy of the running process, if any.
func (s *Scheduler) Current() (*store.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == "" {
		return nil, false
	}
	return s.procs[s.running].Clone(), true
}

// Get returns a copy of pid's record.
func (s *Scheduler) Get(pid string) (*store.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns copies of all processes, oldest first.
func (s *Scheduler) List() []*store.Process {
	s.mu.Lock()
	out := make([]*store.Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Terminate ends pid. Shutdown callbacks run first, outside the lock. A
// reason of "error" records the process as failed.
func (s *Scheduler) Terminate(pid, reason string) bool {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok || p.State.Terminal() {
		s.mu.Unlock()
		return false
	}
	callbacks := append([]ShutdownCallback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(pid, reason)
	}

	s.mu.Lock()
	p, ok = s.procs[pid]
	if !ok || p.State.Terminal() {
		s.mu.Unlock()
		return false
	}
	to, evType := store.StateTerminated, protocol.EventProcessTerminated
	if reason == "error" {
		to, evType = store.StateError, protocol.EventProcessFailed
		s.failed++
	} else {
		s.completed++
	}
	ev := s.transitionLocked(p, to, reason, s.now())
	ev.Type = evType
	s.mu.Unlock()

	slog.Info("scheduler: process terminated", "pid", pid, "reason", reason)
	s.emit(ev)
	return true
}

// Wait parks a running process until Wake, a matching message, or the wait timeout.
func (s *Scheduler) Wait(pid, reason string) error {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, pid)
	}
	if err := checkTransition(pid, p.State, store.StateWaiting); err != nil {
		s.mu.Unlock()
		return err
	}
	ev := s.transitionLocked(p, store.StateWaiting, reason, s.now())
	s.mu.Unlock()
	s.emit(ev)
	return nil
}

// Wake moves a waiting process back to ready.
func (s *Scheduler) Wake(pid string) bool {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok || p.State != store.StateWaiting {
		s.mu.Unlock()
		return false
	}
	ev := s.transitionLocked(p, store.StateReady, p.WaitingReason, s.now())
	ev.Type = protocol.EventProcessWoken
	s.mu.Unlock()
	s.emit(ev)
	return true
}

// RequestResources asks the quota manager for tokens and calls on behalf of
// pid. A grant is added to the process counters; a denial parks a running
// process in waiting with the denied request remembered for re-evaluation.
func (s *Scheduler) RequestResources(pid string, tokens, calls int) bool {
	s.mu.Lock()
	_, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return false
	}

	d := s.quota.Request(pid, tokens, calls)

	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if d.Granted {
		p.TokenUsage += tokens
		p.APICalls += calls
		s.mu.Unlock()
		return true
	}
	var events []Event
	if p.State == store.StateRunning {
		events = append(events, s.transitionLocked(p, store.StateWaiting, d.Reason, s.now()))
		p.PendingTokens = tokens
		p.PendingCalls = calls
	}
	s.mu.Unlock()

	slog.Info("scheduler: resource request denied", "pid", pid, "tokens", tokens, "calls", calls, "reason", d.Reason)
	s.emit(events...)
	return false
}

// ReportError records a failed step. Below the error budget the process waits
// for recovery; at the budget it is terminated with reason "error".
func (s *Scheduler) ReportError(pid string, stepErr error) store.ProcessState {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		s.mu.Unlock()
		return ""
	}
	p.ErrorCount++
	if stepErr != nil {
		p.LastError = stepErr.Error()
	}
	exhausted := p.ErrorCount >= p.MaxErrors
	var events []Event
	if !exhausted && p.State == store.StateRunning {
		events = append(events, s.transitionLocked(p, store.StateWaiting, protocol.WaitErrorRecovery, s.now()))
	}
	state := p.State
	count := p.ErrorCount
	s.mu.Unlock()

	slog.Warn("scheduler: process step failed", "pid", pid, "errors", count, "error", stepErr)
	s.emit(events...)
	if exhausted {
		s.Terminate(pid, "error")
		return store.StateError
	}
	return state
}

// Stats returns a snapshot of the process table.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Total:           len(s.procs),
		ByState:         make(map[store.ProcessState]int),
		Running:         s.running,
		ReadyQueue:      s.ready.Len(),
		Waiting:         len(s.waiting),
		Completed:       s.completed,
		Failed:          s.failed,
		Preemptions:     s.preemptions,
		ContextSwitches: s.contextSwitches,
		Channels:        len(s.channels),
	}
	for _, p := range s.procs {
		st.ByState[p.State]++
	}
	return st
}

// transitionLocked moves p to state to and keeps the queues consistent.
// Callers have validated legality where it matters; illegal moves are
// logged and ignored.
func (s *Scheduler) transitionLocked(p *store.Process, to store.ProcessState, reason string, now time.Time) Event {
	from := p.State
	if err := checkTransition(p.ID, from, to); err != nil {
		slog.Error("scheduler: rejected transition", "pid", p.ID, "error", err)
		return Event{Type: "", PID: p.ID, From: from, To: from, Time: now}
	}

	switch from {
	case store.StateReady:
		s.ready.remove(p.ID)
	case store.StateWaiting:
		delete(s.waiting, p.ID)
		p.WaitingSince = nil
		p.WaitingReason = ""
		p.PendingTokens, p.PendingCalls = 0, 0
	case store.StateRunning:
		if s.running == p.ID {
			s.running = ""
		}
		if p.LastRun != nil {
			p.ExecutionTime += now.Sub(*p.LastRun)
		}
	}

	p.State = to
	switch to {
	case store.StateReady:
		s.ready.add(p.ID, p.Priority)
	case store.StateWaiting:
		s.waiting[p.ID] = struct{}{}
		t := now
		p.WaitingSince = &t
		p.WaitingReason = reason
	case store.StateRunning:
		s.running = p.ID
		t := now
		p.LastRun = &t
		if p.StartedAt == nil {
			p.StartedAt = &t
		}
	case store.StateTerminated, store.StateError:
		t := now
		p.TerminatedAt = &t
	}

	evType := ""
	switch to {
	case store.StateWaiting:
		evType = protocol.EventProcessWaiting
	case store.StateSuspended:
		evType = protocol.EventProcessSuspended
	case store.StateReady:
		evType = protocol.EventProcessResumed
	}
	return Event{Type: evType, PID: p.ID, From: from, To: to, Reason: reason, Time: now}
}

func (s *Scheduler) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()
	for _, ev := range events {
		if ev.Type == "" {
			continue
		}
		for _, h := range handlers {
			h(ev)
		}
	}
}

func isQuotaReason(reason string) bool {
	return strings.HasPrefix(reason, "quota:")
}
