// Package events implements the broker's real-time event hub.
//
// The hub is a live tap, not a durable log: every store transition and
// registry change is published exactly once, fanned out in publish order
// to each subscriber connected at that moment. Durability lives in the
// task store; a subscriber that disconnects gets no replay beyond the
// small history ring kept for dashboard catch-up rendering.
package events

import (
	"strings"
	"sync"
	"time"
)

// Event is a typed real-time event broadcast to connected clients.
// Type uses a "channel:name" convention, e.g. "task:created" or
// "consumer:disconnected"; the prefix before ':' is the channel.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel returns the routing channel of the event (the part of Type
// before the first ':', or the whole Type when there is no colon).
func (e Event) Channel() string {
	if i := strings.IndexByte(e.Type, ':'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// subscriber is a single connected client with an optional channel filter.
type subscriber struct {
	ch       chan Event
	channels map[string]struct{} // nil means all channels
}

func (s *subscriber) wants(ev Event) bool {
	if s.channels == nil {
		return true
	}
	_, ok := s.channels[ev.Channel()]
	return ok
}

// Hub fans events out to subscribers and keeps a bounded history ring.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	history []Event
	maxHist int
	bufSize int
}

// NewHub creates a Hub. bufSize is the per-subscriber channel buffer;
// maxHist bounds the history ring. Non-positive values get defaults.
func NewHub(bufSize, maxHist int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	if maxHist <= 0 {
		maxHist = 256
	}
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		maxHist: maxHist,
		bufSize: bufSize,
	}
}

// Publish delivers ev to every current subscriber whose filter matches.
// Publishes are serialized by the hub lock, so subscribers observe
// events in the order the underlying store applied them. A subscriber
// whose buffer is full misses the event rather than blocking the store.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, ev)
	if len(h.history) > h.maxHist {
		h.history = h.history[len(h.history)-h.maxHist:]
	}

	for s := range h.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Slow client; drop rather than stall the publisher.
		}
	}
}

// Subscribe registers a client for the given channels (nil or empty
// means all). The returned function unsubscribes and closes the stream.
func (h *Hub) Subscribe(channels []string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.bufSize)}
	if len(channels) > 0 {
		s.channels = make(map[string]struct{}, len(channels))
		for _, c := range channels {
			if c = strings.TrimSpace(c); c != "" {
				s.channels[c] = struct{}{}
			}
		}
		if len(s.channels) == 0 {
			s.channels = nil
		}
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s.ch, func() {
		h.mu.Lock()
		_, live := h.subs[s]
		delete(h.subs, s)
		h.mu.Unlock()
		if live {
			close(s.ch)
		}
	}
}

// History returns up to limit recent events, oldest first. limit <= 0
// returns the whole ring.
func (h *Hub) History(limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}

// Close disconnects every subscriber. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = make(map[*subscriber]struct{})
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
