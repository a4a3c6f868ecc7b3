package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/pkg/protocol"
)

// DropPolicy determines which messages to drop when a channel is full.
type DropPolicy string

const (
	DropOld DropPolicy = "old" // drop oldest message
	DropNew DropPolicy = "new" // reject incoming message
)

// ChannelConfig bounds each IPC channel.
type ChannelConfig struct {
	Cap  int        `json:"cap"`
	Drop DropPolicy `json:"drop"`
}

// DefaultChannelConfig returns sensible defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{Cap: 256, Drop: DropOld}
}

// Message is one IPC message. An empty To broadcasts to any receiver.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// channel is a FIFO of messages. Guarded by Scheduler.mu.
type channel struct {
	name    string
	queue   []Message
	dropped int
}

// CreateChannel registers a named channel. It returns false if it already exists.
func (s *Scheduler) CreateChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return false
	}
	s.channels[name] = &channel{name: name}
	slog.Debug("scheduler: ipc channel created", "channel", name)
	return true
}

// Send appends a message to channel. A direct recipient waiting on anything
// but quota is woken; quota waits resume only through reconciliation.
func (s *Scheduler) Send(from, to, channelName, msgType, content string) error {
	s.mu.Lock()
	ch, ok := s.channels[channelName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelName)
	}
	msg := Message{
		ID:        store.NewID(),
		From:      from,
		To:        to,
		Channel:   channelName,
		Type:      msgType,
		Content:   content,
		Timestamp: s.now(),
	}
	if len(ch.queue) >= s.cfg.Channel.Cap {
		if s.cfg.Channel.Drop == DropNew {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrQueueFull, channelName)
		}
		ch.queue = ch.queue[1:]
		ch.dropped++
		slog.Warn("scheduler: ipc message dropped", "channel", channelName, "dropped", ch.dropped)
	}
	ch.queue = append(ch.queue, msg)

	var events []Event
	if p, ok := s.procs[to]; ok && p.State == store.StateWaiting && !isQuotaReason(p.WaitingReason) {
		ev := s.transitionLocked(p, store.StateReady, protocol.WaitMessage, msg.Timestamp)
		ev.Type = protocol.EventProcessWoken
		events = append(events, ev)
	}
	s.mu.Unlock()

	s.emit(events...)
	return nil
}

// Receive removes and returns the first message on channel addressed to pid
// or broadcast by someone else.
func (s *Scheduler) Receive(pid, channelName string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelName]
	if !ok {
		return Message{}, false
	}
	for i, msg := range ch.queue {
		if msg.To == pid || (msg.To == "" && msg.From != pid) {
			ch.queue = append(ch.queue[:i], ch.queue[i+1:]...)
			return msg, true
		}
	}
	return Message{}, false
}

// Pending returns how many messages are queued on channel.
func (s *Scheduler) Pending(channelName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[channelName]; ok {
		return len(ch.queue)
	}
	return 0
}
