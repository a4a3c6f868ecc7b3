package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// AcquireLock inserts the lock row, or takes it over when the current
// holder's lease has expired.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (name, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE locks.expires_at <= $4`,
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, wrap("acquire lock", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("acquire lock", name, err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return wrap("release lock", name, err)
	}
	return nil
}

func (s *Store) EnqueueTask(ctx context.Context, queue string, priority int, payload json.RawMessage) (string, error) {
	id := store.NewID()
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_queue (id, queue, priority, payload, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, queue, priority, []byte(payload), string(store.TaskPending), s.now())
	if err != nil {
		return "", wrap("enqueue", queue, err)
	}
	return id, nil
}

// DequeueTask claims the best pending task. SKIP LOCKED lets concurrent
// workers pass over rows another transaction is claiming.
func (s *Store) DequeueTask(ctx context.Context, queue, worker string) (*store.QueueTask, error) {
	var (
		task      store.QueueTask
		payload   []byte
		status    string
		claimedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE task_queue SET status = $1, claimed_by = $2, claimed_at = $3
		 WHERE id = (
		   SELECT id FROM task_queue WHERE queue = $4 AND status = $5
		   ORDER BY priority ASC, created_at ASC, seq ASC
		   LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, priority, payload, status, claimed_by, created_at, claimed_at`,
		string(store.TaskProcessing), worker, s.now(), queue, string(store.TaskPending),
	).Scan(&task.ID, &task.Queue, &task.Priority, &payload, &status, &task.ClaimedBy, &task.CreatedAt, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrQueueEmpty
	}
	if err != nil {
		return nil, wrap("dequeue", queue, err)
	}
	task.Payload = json.RawMessage(payload)
	task.Status = store.TaskStatus(status)
	task.CreatedAt = task.CreatedAt.UTC()
	if claimedAt.Valid {
		at := claimedAt.Time.UTC()
		task.ClaimedAt = &at
	}
	return &task, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, failed bool) error {
	status := store.TaskCompleted
	if failed {
		status = store.TaskFailed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE task_queue SET status = $1 WHERE id = $2`, string(status), taskID)
	if err != nil {
		return wrap("complete task", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("task", taskID, store.ErrNotFound)
	}
	return nil
}

// PublishEvent sends ev through pg_notify. Payloads are limited to what
// NOTIFY accepts (just under 8000 bytes).
func (s *Store) PublishEvent(ctx context.Context, ev store.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return wrap("encode event", ev.Channel, err)
	}
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ev.Channel, string(data)); err != nil {
		return wrap("publish", ev.Channel, err)
	}
	return nil
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (sub *subscription) stop() {
	sub.once.Do(sub.cancel)
	<-sub.done
}

// SubscribeEvents holds one dedicated connection in LISTEN until the
// returned cancel func runs or ctx ends. The handler runs on that
// connection's goroutine.
func (s *Store) SubscribeEvents(ctx context.Context, channel string, handler store.EventHandler) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, wrap("listen conn", channel, err)
	}
	listenCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	ready := make(chan error, 1)
	go func() {
		defer close(sub.done)
		defer conn.Close()
		err := conn.Raw(func(driverConn any) error {
			pc := driverConn.(*stdlib.Conn).Conn()
			if _, err := pc.Exec(listenCtx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
				ready <- err
				return err
			}
			ready <- nil
			return listen(listenCtx, pc, channel, handler)
		})
		if err != nil && listenCtx.Err() == nil {
			slog.Warn("pg: listener stopped", "channel", channel, "error", err)
		}
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
	}()

	if err := <-ready; err != nil {
		cancel()
		<-sub.done
		return nil, wrap("listen", channel, err)
	}

	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		sub.stop()
		return nil, fmt.Errorf("listen %s: %w", channel, store.ErrStorageUnavailable)
	}
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub.stop, nil
}

func listen(ctx context.Context, conn *pgx.Conn, channel string, handler store.EventHandler) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev store.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			slog.Warn("pg: undecodable notification", "channel", channel, "error", err)
			continue
		}
		handler(ev)
	}
}
