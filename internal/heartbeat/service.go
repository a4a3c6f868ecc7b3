// Package heartbeat periodically announces that a kernel is alive.
//
// Each beat builds a status payload and hands it to a Publisher. A beat
// whose payload is identical to the previous one is suppressed until the
// quiet period has passed, so an idle kernel does not flood subscribers.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultInterval = 30 * time.Second
	defaultQuiet    = 5 * time.Minute
)

// DefaultInterval returns the default heartbeat interval (30s).
func DefaultInterval() time.Duration { return defaultInterval }

// StatusFunc returns the payload for one beat.
type StatusFunc func() any

// Publisher delivers an encoded beat.
type Publisher func(ctx context.Context, payload json.RawMessage) error

// Config holds resolved runtime config for the heartbeat service.
type Config struct {
	Interval time.Duration
	// Quiet is how long an unchanged payload is suppressed.
	Quiet time.Duration
}

// Service manages the periodic heartbeat loop.
type Service struct {
	cfg     Config
	status  StatusFunc
	publish Publisher

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	last     []byte    // dedup: last published payload
	lastAt   time.Time // dedup: when it was published
	beats    int
	skipped  int
	failures int
	now      func() time.Time
}

// NewService creates a heartbeat service.
func NewService(cfg Config, status StatusFunc, publish Publisher) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Quiet <= 0 {
		cfg.Quiet = defaultQuiet
	}
	return &Service{
		cfg:     cfg,
		status:  status,
		publish: publish,
		now:     time.Now,
	}
}

// Start begins the heartbeat loop in a background goroutine. The loop ends
// on Stop or when ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	slog.Info("heartbeat service started", "interval", s.cfg.Interval)
}

// Stop halts the heartbeat loop and waits for an in-flight beat.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	done := s.done
	s.mu.Unlock()

	<-done
	slog.Info("heartbeat service stopped")
}

// IsRunning returns whether the heartbeat loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Counts returns how many beats were published, suppressed and failed.
func (s *Service) Counts() (published, skipped, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats, s.skipped, s.failures
}

// --- Internal loop ---

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// First beat fires immediately so subscribers see the kernel come up.
	s.Beat(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Beat(ctx)
		}
	}
}

// Beat publishes one heartbeat now, unless it duplicates the previous one
// within the quiet period. It reports whether a beat was published.
func (s *Service) Beat(ctx context.Context) bool {
	payload, err := json.Marshal(s.status())
	if err != nil {
		slog.Warn("heartbeat: encode status failed", "error", err)
		return false
	}

	now := s.now()
	s.mu.Lock()
	if bytes.Equal(payload, s.last) && now.Sub(s.lastAt) < s.cfg.Quiet {
		s.skipped++
		s.mu.Unlock()
		slog.Debug("heartbeat dedup: status unchanged")
		return false
	}
	s.mu.Unlock()

	if err := s.publish(ctx, payload); err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		slog.Warn("heartbeat publish failed", "error", err)
		return false
	}

	s.mu.Lock()
	s.last = payload
	s.lastAt = now
	s.beats++
	s.mu.Unlock()
	return true
}
