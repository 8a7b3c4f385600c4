package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by gates.
const (
	EventVerdict = "verdict"
	EventFetch   = "fetch"
)

type Event struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	At    string          `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, topic string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, Topic: topic, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans events out per topic. A subscriber to the empty topic receives
// every event. The last event of each topic is replayed to new subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]string
	latest map[string]Event
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}, latest: map[string]Event{}}
}

func (h *Hub) Subscribe(topic string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = topic
	if last, ok := h.latest[topic]; ok && topic != "" {
		ch <- last
	}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Forget drops the replay event of topic.
func (h *Hub) Forget(topic string) {
	h.mu.Lock()
	delete(h.latest, topic)
	h.mu.Unlock()
}

// Publish never blocks; a full subscriber misses the event.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if evt.Topic != "" {
		h.latest[evt.Topic] = evt
	}
	for ch, topic := range h.subs {
		if topic != "" && topic != evt.Topic {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
