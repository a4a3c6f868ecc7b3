// Package quota enforces windowed token and call budgets, globally and per process.
package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQuotaExceeded is returned by Require when a request is denied.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Denial reasons, in evaluation order.
const (
	ReasonGlobalTokens  = "quota: global token limit exceeded"
	ReasonGlobalCalls   = "quota: global call limit exceeded"
	ReasonRequestTokens = "quota: request exceeds per-request token limit"
	ReasonProcessTokens = "quota: process token share exceeded"
	ReasonProcessCalls  = "quota: process call share exceeded"
)

// Config sets the window limits.
type Config struct {
	MaxTokensPerWindow  int           `json:"max_tokens_per_window"`
	MaxCallsPerWindow   int           `json:"max_calls_per_window"`
	MaxTokensPerRequest int           `json:"max_tokens_per_request"`
	Window              time.Duration `json:"window"`
	// PerProcessShare caps each process at this fraction of the global limits.
	PerProcessShare float64 `json:"per_process_share"`
}

// DefaultConfig returns the standard hourly budget.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerWindow:  100000,
		MaxCallsPerWindow:   1000,
		MaxTokensPerRequest: 10000,
		Window:              time.Hour,
		PerProcessShare:     0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTokensPerWindow <= 0 {
		c.MaxTokensPerWindow = d.MaxTokensPerWindow
	}
	if c.MaxCallsPerWindow <= 0 {
		c.MaxCallsPerWindow = d.MaxCallsPerWindow
	}
	if c.MaxTokensPerRequest <= 0 {
		c.MaxTokensPerRequest = d.MaxTokensPerRequest
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.PerProcessShare <= 0 || c.PerProcessShare > 1 {
		c.PerProcessShare = d.PerProcessShare
	}
	return c
}

// Usage is consumption within the current window.
type Usage struct {
	Tokens int `json:"tokens"`
	Calls  int `json:"calls"`
}

// Decision is the outcome of a quota evaluation. Reason is empty when granted.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

// Err converts a denial into an error wrapping ErrQuotaExceeded.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrQuotaExceeded, d.Reason)
}

// Stats is a snapshot of the current window.
type Stats struct {
	Global      Usage     `json:"global"`
	Processes   int       `json:"processes"`
	Granted     int64     `json:"granted"`
	Denied      int64     `json:"denied"`
	WindowStart time.Time `json:"window_start"`
	Config      Config    `json:"config"`
}

// Manager tracks usage. All evaluation and accounting happens under one mutex,
// so a grant is an atomic check-and-increment.
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	global      Usage
	perProcess  map[string]*Usage
	windowStart time.Time
	granted     int64
	denied      int64
	now         func() time.Time
}

// New creates a Manager; zero config fields take defaults.
func New(cfg Config) *Manager {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		perProcess:  make(map[string]*Usage),
		windowStart: now(),
		now:         now,
	}
}

// Request atomically checks and, when granted, records usage for pid.
func (m *Manager) Request(pid string, tokens, calls int) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetIfNeededLocked()

	d := m.evaluateLocked(pid, tokens, calls)
	if !d.Granted {
		m.denied++
		slog.Debug("quota: request denied", "pid", pid, "tokens", tokens, "calls", calls, "reason", d.Reason)
		return d
	}
	m.granted++
	m.global.Tokens += tokens
	m.global.Calls += calls
	u := m.perProcess[pid]
	if u == nil {
		u = &Usage{}
		m.perProcess[pid] = u
	}
	u.Tokens += tokens
	u.Calls += calls
	return d
}

// Require is Request returning an error on denial.
func (m *Manager) Require(pid string, tokens, calls int) error {
	return m.Request(pid, tokens, calls).Err()
}

// Check evaluates a request without recording anything.
func (m *Manager) Check(pid string, tokens, calls int) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetIfNeededLocked()
	return m.evaluateLocked(pid, tokens, calls)
}

func (m *Manager) evaluateLocked(pid string, tokens, calls int) Decision {
	cfg := m.cfg
	var u Usage
	if p := m.perProcess[pid]; p != nil {
		u = *p
	}
	switch {
	case m.global.Tokens+tokens > cfg.MaxTokensPerWindow:
		return Decision{Reason: ReasonGlobalTokens}
	case m.global.Calls+calls > cfg.MaxCallsPerWindow:
		return Decision{Reason: ReasonGlobalCalls}
	case tokens > cfg.MaxTokensPerRequest:
		return Decision{Reason: ReasonRequestTokens}
	case float64(u.Tokens+tokens) > float64(cfg.MaxTokensPerWindow)*cfg.PerProcessShare:
		return Decision{Reason: ReasonProcessTokens}
	case float64(u.Calls+calls) > float64(cfg.MaxCallsPerWindow)*cfg.PerProcessShare:
		return Decision{Reason: ReasonProcessCalls}
	}
	return Decision{Granted: true}
}

// Usage returns pid's consumption in the current window.
func (m *Manager) Usage(pid string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetIfNeededLocked()
	if u := m.perProcess[pid]; u != nil {
		return *u
	}
	return Usage{}
}

// Global returns total consumption in the current window.
func (m *Manager) Global() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetIfNeededLocked()
	return m.global
}

// Config returns the active limits.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// ResetIfNeeded starts a new window when the current one has elapsed.
// It reports whether a reset happened.
func (m *Manager) ResetIfNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetIfNeededLocked()
}

func (m *Manager) resetIfNeededLocked() bool {
	now := m.now()
	if now.Sub(m.windowStart) < m.cfg.Window {
		return false
	}
	m.global = Usage{}
	m.perProcess = make(map[string]*Usage)
	m.windowStart = now
	slog.Debug("quota: window reset")
	return true
}

// Forget drops pid's per-process accounting. Global usage is unchanged.
func (m *Manager) Forget(pid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perProcess, pid)
}

// SetConfig swaps limits in place without resetting the window or counters.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
	slog.Info("quota: limits updated", "tokens", m.cfg.MaxTokensPerWindow, "calls", m.cfg.MaxCallsPerWindow, "share", m.cfg.PerProcessShare)
}

// Stats returns a snapshot of the current window.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetIfNeededLocked()
	return Stats{
		Global:      m.global,
		Processes:   len(m.perProcess),
		Granted:     m.granted,
		Denied:      m.denied,
		WindowStart: m.windowStart,
		Config:      m.cfg,
	}
}
