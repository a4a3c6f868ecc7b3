// Package bus is the in-process pub/sub used by the volatile and embedded
// storage backends.
package bus

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// MessageBus routes events to subscribers of a named channel.
type MessageBus struct {
	// channel name → subscriber ID → handler
	subscribers map[string]map[string]store.EventHandler
	subMu       sync.RWMutex
	nextID      atomic.Uint64
	closed      atomic.Bool
}

func New() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]map[string]store.EventHandler),
	}
}

// Subscribe registers handler on channel and returns the subscriber ID for Unsubscribe.
func (mb *MessageBus) Subscribe(channel string, handler store.EventHandler) string {
	id := strconv.FormatUint(mb.nextID.Add(1), 10)
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	if mb.subscribers[channel] == nil {
		mb.subscribers[channel] = make(map[string]store.EventHandler)
	}
	mb.subscribers[channel][id] = handler
	return id
}

// Unsubscribe removes a subscriber.
func (mb *MessageBus) Unsubscribe(channel, id string) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	delete(mb.subscribers[channel], id)
	if len(mb.subscribers[channel]) == 0 {
		delete(mb.subscribers, channel)
	}
}

// Broadcast sends an event to every subscriber of ev.Channel and returns how
// many received it. Handlers run on the caller's goroutine.
func (mb *MessageBus) Broadcast(ev store.Event) int {
	if mb.closed.Load() {
		return 0
	}
	mb.subMu.RLock()
	handlers := make([]store.EventHandler, 0, len(mb.subscribers[ev.Channel]))
	for _, handler := range mb.subscribers[ev.Channel] {
		handlers = append(handlers, handler)
	}
	mb.subMu.RUnlock()

	for _, handler := range handlers {
		handler(ev) // handlers should be non-blocking
	}
	return len(handlers)
}

// Subscribers returns the number of subscribers on channel.
func (mb *MessageBus) Subscribers(channel string) int {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	return len(mb.subscribers[channel])
}

// Close drops all subscribers; later broadcasts are no-ops.
func (mb *MessageBus) Close() {
	mb.closed.Store(true)
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	mb.subscribers = make(map[string]map[string]store.EventHandler)
}
