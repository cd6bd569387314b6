// Package events is the in-memory activity feed. It is observability only:
// nothing in the processing path depends on a subscriber receiving an event.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Topic string

const (
	TopicWebhookAccepted Topic = "webhook.accepted"
	TopicWebhookRejected Topic = "webhook.rejected"
	TopicJobCompleted    Topic = "job.completed"
	TopicJobDuplicate    Topic = "job.duplicate"
	TopicJobRetry        Topic = "job.retry"
	TopicJobFailed       Topic = "job.failed"
	TopicJobRecovered    Topic = "job.recovered"
	TopicSecretChanged   Topic = "secret.changed"
	TopicSchedulerTask   Topic = "scheduler.task"
)

// AllTopics lists every topic the service publishes.
func AllTopics() []Topic {
	return []Topic{
		TopicWebhookAccepted, TopicWebhookRejected,
		TopicJobCompleted, TopicJobDuplicate, TopicJobRetry, TopicJobFailed, TopicJobRecovered,
		TopicSecretChanged, TopicSchedulerTask,
	}
}

type Event struct {
	ID   int64           `json:"id"`
	Type Topic           `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// filter matches everything when empty.
type filter []Topic

func (f filter) match(t Topic) bool {
	return len(f) == 0 || slices.Contains(f, t)
}

type subscriber struct {
	ch     chan Event
	topics filter
}

// Hub fans events out to live subscribers and keeps the most recent ones in a
// ring so a reconnecting reader can catch up by ID.
type Hub struct {
	lastID  atomic.Int64
	dropped atomic.Int64

	mu    sync.Mutex
	ring  []Event
	head  int
	count int

	subs   map[int]*subscriber
	nextID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]*subscriber),
	}
}

// Publish records data under topic. A subscriber whose buffer is full misses
// the event and it is counted in Dropped.
func (h *Hub) Publish(topic Topic, data any) {
	raw := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.lastID.Add(1),
		Type: topic,
		At:   time.Now().UTC(),
		Data: raw,
	}
	h.append(ev)
	for _, s := range h.subs {
		if !s.topics.match(topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of live events limited to topics (all when none
// are given) and a cancel func that closes it. Cancel is idempotent.
func (h *Hub) Subscribe(topics ...Topic) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	s := &subscriber{ch: make(chan Event, 64), topics: topics}
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// Snapshot returns buffered events with ID > lastID, oldest first, limited to
// topics when any are given.
func (h *Hub) Snapshot(lastID int64, topics ...Topic) []Event {
	f := filter(topics)

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := range h.count {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID && f.match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// LastID is the ID of the most recent event, or 0.
func (h *Hub) LastID() int64 {
	return h.lastID.Load()
}

// Dropped counts deliveries skipped because a subscriber was not keeping up.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) append(ev Event) {
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = ev
		h.count++
		return
	}
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
}
