package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

// Suspend moves pid to suspended and, when withCheckpoint is set, saves a
// checkpoint of its record and pages. Storage runs after the state change,
// outside the lock; on failure the process stays suspended and the error
// wraps store.ErrStorageUnavailable.
func (s *Scheduler) Suspend(ctx context.Context, pid string, withCheckpoint bool) (string, error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrProcessNotFound, pid)
	}
	if err := checkTransition(pid, p.State, store.StateSuspended); err != nil {
		s.mu.Unlock()
		return "", err
	}
	ev := s.transitionLocked(p, store.StateSuspended, "suspend", s.now())
	var cp *store.Checkpoint
	if withCheckpoint {
		cp = s.reserveCheckpointLocked(p, "suspend")
	}
	s.mu.Unlock()
	s.emit(ev)

	if cp == nil {
		return "", nil
	}
	return s.saveCheckpoint(ctx, cp)
}

// Checkpoint snapshots pid without changing its state.
func (s *Scheduler) Checkpoint(ctx context.Context, pid, description string) (string, error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrProcessNotFound, pid)
	}
	cp := s.reserveCheckpointLocked(p, description)
	s.mu.Unlock()
	return s.saveCheckpoint(ctx, cp)
}

// reserveCheckpointLocked assigns the next version and id and snapshots the
// record. Pages are attached later, outside the lock.
func (s *Scheduler) reserveCheckpointLocked(p *store.Process, description string) *store.Checkpoint {
	p.CheckpointVersion++
	cp := &store.Checkpoint{
		ID:          store.NewID(),
		OwnerID:     p.ID,
		Description: description,
		Timestamp:   s.now(),
		Version:     p.CheckpointVersion,
		ParentID:    p.CheckpointID,
	}
	snap := p.Clone()
	snap.CheckpointID = cp.ID
	cp.ProcessState = snap
	return cp
}

func (s *Scheduler) saveCheckpoint(ctx context.Context, cp *store.Checkpoint) (string, error) {
	if s.pages != nil {
		cp.Pages = s.pages.OwnerPages(cp.OwnerID)
	}
	if s.states == nil {
		return "", fmt.Errorf("checkpoint %s: %w", cp.OwnerID, store.ErrStorageUnavailable)
	}
	id, err := s.states.SaveCheckpoint(ctx, cp)
	if err != nil {
		slog.Warn("scheduler: checkpoint save failed", "pid", cp.OwnerID, "version", cp.Version, "error", err)
		return "", fmt.Errorf("checkpoint %s: %w: %w", cp.OwnerID, store.ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	if p, ok := s.procs[cp.OwnerID]; ok && p.CheckpointVersion == cp.Version {
		p.CheckpointID = id
	}
	s.mu.Unlock()

	slog.Info("scheduler: checkpoint saved", "pid", cp.OwnerID, "checkpoint", id, "version", cp.Version, "pages", len(cp.Pages))
	s.emit(Event{Type: protocol.EventCheckpointCreated, PID: cp.OwnerID, Reason: id, Time: cp.Timestamp})
	return id, nil
}

// Resume makes a process runnable again. With a checkpoint id the snapshot
// is loaded and restored as a new process (new pid, pages adopted as
// swapped) and the new pid is returned. Without one, a suspended pid is
// re-queued as is.
func (s *Scheduler) Resume(ctx context.Context, pid, checkpointID string) (string, bool) {
	if checkpointID != "" {
		return s.restore(ctx, checkpointID)
	}

	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok || p.State != store.StateSuspended {
		s.mu.Unlock()
		return "", false
	}
	ev := s.transitionLocked(p, store.StateReady, "resume", s.now())
	s.mu.Unlock()
	s.emit(ev)
	return pid, true
}

func (s *Scheduler) restore(ctx context.Context, checkpointID string) (string, bool) {
	if s.states == nil {
		return "", false
	}
	cp, err := s.states.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("scheduler: checkpoint load failed", "checkpoint", checkpointID, "error", err)
		}
		return "", false
	}

	p := cp.ProcessState.Clone()
	p.ID = store.NewID()
	p.State = store.StateReady
	p.RestoredFrom = cp.ID
	p.CheckpointID = cp.ID
	p.CheckpointVersion = cp.Version
	p.CreatedAt = s.now()
	p.StartedAt, p.LastRun, p.TerminatedAt = nil, nil, nil
	p.WaitingSince, p.WaitingReason = nil, ""
	p.PendingTokens, p.PendingCalls = 0, 0
	p.ErrorCount, p.LastError = 0, ""
	p.ChildIDs = nil

	if s.pages != nil && len(cp.Pages) > 0 {
		ids := s.pages.AdoptPages(p.ID, cp.Pages)
		p.SystemPageID = ids[p.SystemPageID]
		p.TaskPageID = ids[p.TaskPageID]
		p.ToolsPageID = ids[p.ToolsPageID]
	}

	if err := s.Submit(p); err != nil {
		slog.Warn("scheduler: restored process rejected", "checkpoint", checkpointID, "error", err)
		return "", false
	}
	slog.Info("scheduler: process restored", "checkpoint", checkpointID, "pid", p.ID, "from", cp.OwnerID)
	s.emit(Event{Type: protocol.EventCheckpointRestored, PID: p.ID, Reason: cp.ID, Time: s.now()})
	return p.ID, true
}

// Shutdown stops scheduling and suspends every active process with a
// checkpoint, at most CheckpointConcurrency at a time. timeout bounds the
// storage calls only. The first checkpoint error is returned; processes are
// suspended regardless.
func (s *Scheduler) Shutdown(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	s.stopping = true
	var active []string
	for pid, p := range s.procs {
		switch p.State {
		case store.StateReady, store.StateRunning, store.StateWaiting:
			active = append(active, pid)
		}
	}
	limit := s.cfg.CheckpointConcurrency
	s.mu.Unlock()

	slog.Info("scheduler: shutting down", "active", len(active))
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, pid := range active {
		g.Go(func() error {
			if _, err := s.Suspend(ctx, pid, true); err != nil {
				slog.Warn("scheduler: shutdown checkpoint failed", "pid", pid, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Stopping reports whether Shutdown has begun.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}
