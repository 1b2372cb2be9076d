// Package broker implements the coordination layer over the task store:
// dispatch, consumer registration, dead-letter handling, and operator
// recovery. All task state lives in the store; the broker only adds the
// selection and policy logic around the store's CAS primitive.
package broker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/task"
)

// Liveness classifies a consumer from heartbeat recency alone. It is
// derived on every read, never stored.
type Liveness string

const (
	LivenessActive  Liveness = "active"
	LivenessIdle    Liveness = "idle"
	LivenessOffline Liveness = "offline"
)

// Consumer is a registered worker process. Registry state is ephemeral:
// it is rebuilt from heartbeats after a restart, and losing it affects
// only liveness views and capability filtering, never task state.
type Consumer struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Status        string    `json:"status,omitempty"` // consumer-reported, informational
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Liveness      Liveness  `json:"liveness"`
}

// Registry tracks live consumers via registration and heartbeats.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]*Consumer

	activeWindow time.Duration
	offlineAfter time.Duration

	pub    task.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry. A heartbeat within activeWindow means
// active; within offlineAfter means idle; anything older is offline.
func NewRegistry(activeWindow, offlineAfter time.Duration, pub task.Publisher, logger *slog.Logger) *Registry {
	if activeWindow <= 0 {
		activeWindow = 30 * time.Second
	}
	if offlineAfter <= activeWindow {
		offlineAfter = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		consumers:    make(map[string]*Consumer),
		activeWindow: activeWindow,
		offlineAfter: offlineAfter,
		pub:          pub,
		logger:       logger,
		now:          time.Now,
	}
}

func (r *Registry) publish(typ string, payload any) {
	if r.pub != nil {
		r.pub.Publish(events.Event{Type: typ, Payload: payload})
	}
}

// Register adds (or refreshes) a consumer. Re-registering replaces the
// capability set and resets the heartbeat.
func (r *Registry) Register(id string, capabilities []string) (*Consumer, error) {
	if id == "" {
		return nil, &task.ValidationError{Msg: "consumer id is required"}
	}
	now := r.now().UTC()

	r.mu.Lock()
	c, existed := r.consumers[id]
	if !existed {
		c = &Consumer{ID: id, RegisteredAt: now}
		r.consumers[id] = c
	}
	c.Capabilities = append([]string(nil), capabilities...)
	c.LastHeartbeat = now
	snap := r.snapshot(c, now)
	r.mu.Unlock()

	if !existed {
		r.logger.Info("consumer registered", slog.String("id", id))
		r.publish("consumer:connected", snap)
	}
	return snap, nil
}

// Heartbeat refreshes a consumer's liveness clock and records its
// self-reported status. Heartbeats never touch task state.
func (r *Registry) Heartbeat(id, status string) (*Consumer, error) {
	r.mu.Lock()
	c, ok := r.consumers[id]
	if !ok {
		r.mu.Unlock()
		return nil, &task.NotFoundError{Kind: "consumer", ID: id}
	}
	now := r.now().UTC()
	c.LastHeartbeat = now
	if status != "" {
		c.Status = status
	}
	snap := r.snapshot(c, now)
	r.mu.Unlock()
	return snap, nil
}

// Unregister removes a consumer.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	c, ok := r.consumers[id]
	if ok {
		delete(r.consumers, id)
	}
	r.mu.Unlock()

	if !ok {
		return &task.NotFoundError{Kind: "consumer", ID: id}
	}
	r.logger.Info("consumer unregistered", slog.String("id", id))
	r.publish("consumer:disconnected", map[string]string{"id": c.ID})
	return nil
}

// Get returns a consumer with derived liveness.
func (r *Registry) Get(id string) (*Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	if !ok {
		return nil, false
	}
	return r.snapshot(c, r.now().UTC()), true
}

// List returns all consumers with derived liveness, sorted by id.
func (r *Registry) List() []*Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	out := make([]*Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, r.snapshot(c, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Offline reports whether id's heartbeat has expired. A consumer the
// registry has never seen counts as offline: the registry is ephemeral,
// and a claimant absent after a broker restart cannot be heartbeating.
func (r *Registry) Offline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	if !ok {
		return true
	}
	return r.liveness(c.LastHeartbeat, r.now().UTC()) == LivenessOffline
}

// CountByLiveness summarizes the registry for the health endpoint.
func (r *Registry) CountByLiveness() map[Liveness]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	counts := make(map[Liveness]int)
	for _, c := range r.consumers {
		counts[r.liveness(c.LastHeartbeat, now)]++
	}
	return counts
}

func (r *Registry) liveness(lastHeartbeat, now time.Time) Liveness {
	age := now.Sub(lastHeartbeat)
	switch {
	case age <= r.activeWindow:
		return LivenessActive
	case age <= r.offlineAfter:
		return LivenessIdle
	default:
		return LivenessOffline
	}
}

// snapshot copies c with liveness computed at now. Callers hold r.mu.
func (r *Registry) snapshot(c *Consumer, now time.Time) *Consumer {
	cp := *c
	cp.Capabilities = append([]string(nil), c.Capabilities...)
	cp.Liveness = r.liveness(c.LastHeartbeat, now)
	return &cp
}
