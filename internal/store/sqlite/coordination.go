package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// AcquireLock inserts the lock row, or takes it over when the current
// holder's lease has expired.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		name, holder, nanos(now.Add(ttl)), nanos(now))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

func (s *Store) EnqueueTask(ctx context.Context, queue string, priority int, payload json.RawMessage) (string, error) {
	id := store.NewID()
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_queue (id, queue, priority, payload, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, queue, priority, string(payload), string(store.TaskPending), nanos(s.now()))
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return id, nil
}

type taskRow struct {
	ID        string        `db:"id"`
	Queue     string        `db:"queue"`
	Priority  int           `db:"priority"`
	Payload   string        `db:"payload"`
	Status    string        `db:"status"`
	ClaimedBy string        `db:"claimed_by"`
	CreatedAt int64         `db:"created_at"`
	ClaimedAt sql.NullInt64 `db:"claimed_at"`
}

// DequeueTask claims the best pending task in a single statement; SQLite
// serializes writers so no two workers can claim the same row.
func (s *Store) DequeueTask(ctx context.Context, queue, worker string) (*store.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`UPDATE task_queue SET status = ?, claimed_by = ?, claimed_at = ?
		 WHERE id = (
		   SELECT id FROM task_queue WHERE queue = ? AND status = ?
		   ORDER BY priority ASC, created_at ASC, rowid ASC LIMIT 1
		 )
		 RETURNING id, queue, priority, payload, status, claimed_by, created_at, claimed_at`,
		string(store.TaskProcessing), worker, nanos(s.now()), queue, string(store.TaskPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}

	task := &store.QueueTask{
		ID:        row.ID,
		Queue:     row.Queue,
		Priority:  row.Priority,
		Payload:   json.RawMessage(row.Payload),
		Status:    store.TaskStatus(row.Status),
		ClaimedBy: row.ClaimedBy,
		CreatedAt: fromNanos(row.CreatedAt),
	}
	if row.ClaimedAt.Valid {
		at := fromNanos(row.ClaimedAt.Int64)
		task.ClaimedAt = &at
	}
	return task, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, failed bool) error {
	status := store.TaskCompleted
	if failed {
		status = store.TaskFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE task_queue SET status = ? WHERE id = ?`, string(status), taskID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

// PublishEvent delivers in process only; SQLite has no cross-process notify.
func (s *Store) PublishEvent(_ context.Context, ev store.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.events.Broadcast(ev)
	return nil
}

func (s *Store) SubscribeEvents(ctx context.Context, channel string, handler store.EventHandler) (func(), error) {
	id := s.events.Subscribe(channel, handler)
	var once sync.Once
	cancel := func() { once.Do(func() { s.events.Unsubscribe(channel, id) }) }
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}
	return cancel, nil
}
