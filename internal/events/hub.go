// Package events is the in-process fan-out for task lifecycle notifications.
// The registry publishes; the SSE endpoint and the watch TUI subscribe.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Task lifecycle event types.
const (
	TaskCreated   = "task.created"
	TaskLog       = "task.log"
	TaskCompleted = "task.completed"
	BatchStarted  = "batch.started"
	BatchFinished = "batch.finished"
)

// Event is one published notification. Data is a JSON document.
type Event struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	TaskID string          `json:"task_id,omitempty"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// Subscription receives events until Close. Slow readers lose events rather
// than stall publishers; Dropped reports how many.
type Subscription struct {
	C <-chan Event

	hub     *Hub
	id      int
	ch      chan Event
	dropped atomic.Int64
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.ch)
	}
}

// Hub keeps a ring of recent events for late subscribers.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]*Subscription
	nextSubID int
}

// NewHub creates a hub retaining up to capacity events (default 256).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]*Subscription),
	}
}

// Publish records an event and offers it to every subscriber. A nil hub
// discards the event.
func (h *Hub) Publish(eventType, taskID string, data any) Event {
	if h == nil {
		return Event{}
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:     h.nextID.Add(1),
		Type:   eventType,
		TaskID: taskID,
		At:     time.Now().UTC(),
		Data:   payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
	return ev
}

// Subscribe registers a new subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 128
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, hub: h, id: h.nextSubID, ch: ch}
	h.nextSubID++
	h.subs[sub.id] = sub
	return sub
}

// SnapshotSince returns retained events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
