// Package redis is a coordination-only backend: leases, priority work
// queues and pub/sub on Redis. Pair it with a durable backend through the
// composite store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// DefaultPrefix namespaces every key this backend writes.
const DefaultPrefix = "agentos:"

// Store implements store.CoordinationStore.
type Store struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

var _ store.CoordinationStore = (*Store)(nil)

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	slog.Info("redis connected", "addr", addr)
	return New(client, DefaultPrefix), nil
}

// New wraps an existing client.
func New(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: store.Now}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) lockKey(name string) string   { return s.prefix + "lock:" + name }
func (s *Store) queueKey(queue string) string { return s.prefix + "queue:" + queue }
func (s *Store) taskKey(id string) string     { return s.prefix + "task:" + id }
func (s *Store) seqKey() string               { return s.prefix + "task_seq" }

// releaseScript deletes the lock only when holder still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.lockKey(name)}, holder).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// queueScore orders by priority, then by enqueue sequence.
func queueScore(priority int, seq int64) float64 {
	return float64(priority)*1e12 + float64(seq)
}

func (s *Store) EnqueueTask(ctx context.Context, queue string, priority int, payload json.RawMessage) (string, error) {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	id := store.NewID()
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.taskKey(id), map[string]any{
			"queue":      queue,
			"priority":   priority,
			"payload":    string(payload),
			"status":     string(store.TaskPending),
			"created_at": s.now().UnixNano(),
		})
		pipe.ZAdd(ctx, s.queueKey(queue), goredis.Z{Score: queueScore(priority, seq), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return id, nil
}

// claimScript pops the best pending id and marks it claimed in one step.
var claimScript = goredis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call("HSET", ARGV[1] .. id, "status", ARGV[2], "claimed_by", ARGV[3], "claimed_at", ARGV[4])
return id
`)

func (s *Store) DequeueTask(ctx context.Context, queue, worker string) (*store.QueueTask, error) {
	id, err := claimScript.Run(ctx, s.client, []string{s.queueKey(queue)},
		s.prefix+"task:", string(store.TaskProcessing), worker, s.now().UnixNano()).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	fields, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return decodeTask(id, fields)
}

func decodeTask(id string, f map[string]string) (*store.QueueTask, error) {
	priority, err := strconv.Atoi(f["priority"])
	if err != nil {
		return nil, fmt.Errorf("task %s priority: %w", id, err)
	}
	created, _ := strconv.ParseInt(f["created_at"], 10, 64)
	task := &store.QueueTask{
		ID:        id,
		Queue:     f["queue"],
		Priority:  priority,
		Payload:   json.RawMessage(f["payload"]),
		Status:    store.TaskStatus(f["status"]),
		ClaimedBy: f["claimed_by"],
		CreatedAt: time.Unix(0, created).UTC(),
	}
	if v, ok := f["claimed_at"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		at := time.Unix(0, n).UTC()
		task.ClaimedAt = &at
	}
	return task, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, failed bool) error {
	status := store.TaskCompleted
	if failed {
		status = store.TaskFailed
	}
	key := s.taskKey(taskID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if err := s.client.HSet(ctx, key, "status", string(status)).Err(); err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) PublishEvent(ctx context.Context, ev store.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.prefix+ev.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Channel, err)
	}
	return nil
}

// SubscribeEvents returns once the subscription is confirmed by the server.
func (s *Store) SubscribeEvents(ctx context.Context, channel string, handler store.EventHandler) (func(), error) {
	sub := s.client.Subscribe(ctx, s.prefix+channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	msgs := sub.Channel()
	go func() {
		defer close(done)
		defer sub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev store.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("redis: undecodable event", "channel", channel, "error", err)
					continue
				}
				handler(ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}, nil
}
