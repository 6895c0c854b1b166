// Package notify delivers queue and sync state-change notifications to
// interested parties: in-process subscribers (UI badge counts) and the
// localhost WebSocket hub.
package notify

import (
	"sync"
	"time"
)

// Event types published by the engine and scheduler.
const (
	// EventQueueChanged fires after every enqueue, resolution, and deletion.
	EventQueueChanged = "queue.changed"

	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"

	// EventActionExhausted fires when an action consumes its whole retry
	// budget without succeeding. The record itself is deleted after the
	// grace period; this event is the only durable trace of the failure.
	EventActionExhausted = "action.exhausted"
)

// Event is a state-change notification envelope.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Notifier fans events out to registered subscribers. Callbacks run
// synchronously on the publishing goroutine and must not block.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func(Event))}
}

// Subscribe registers a callback for every published event. The returned
// function cancels the subscription.
func (n *Notifier) Subscribe(fn func(Event)) (cancel func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Publish delivers an event to all current subscribers.
func (n *Notifier) Publish(eventType string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	n.mu.RLock()
	subs := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// QueueChanged publishes the pending-actions-changed notification with the
// current queue depth.
func (n *Notifier) QueueChanged(pending int) {
	n.Publish(EventQueueChanged, map[string]interface{}{
		"pending": pending,
	})
}
