// Package eventfeed delivers push notifications to the synchronizer: an
// in-process callback registry implementing the event-source port, payload
// decoding with at-least-once redelivery dedupe, and an MQTT transport that
// feeds the registry from a broker.
package eventfeed

import (
	"sync"
	"sync/atomic"

	"agentdash/collab"
)

// Registry is a callback registry implementing collab.EventSource. It is
// the local dispatch fabric: transports publish into it, the synchronizer
// subscribes from it. Subscriptions are owned by the subscriber and must be
// released with the token Subscribe returned; releasing twice or with an
// unknown token is a no-op.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string]map[uint64]collab.EventHandler

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[uint64]collab.EventHandler)}
}

// Subscribe registers a handler for one event name and returns its release
// token.
func (r *Registry) Subscribe(name string, h collab.EventHandler) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	m := r.handlers[name]
	if m == nil {
		m = make(map[uint64]collab.EventHandler)
		r.handlers[name] = m
	}
	m[id] = h
	return id, nil
}

// Unsubscribe releases one subscription.
func (r *Registry) Unsubscribe(name string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.handlers[name]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.handlers, name)
		}
	}
}

// Publish dispatches an event to every handler registered for its name.
// Handlers run on the caller's goroutine, outside the registry lock, so a
// handler may subscribe or unsubscribe without deadlocking.
func (r *Registry) Publish(ev collab.Event) {
	r.mu.Lock()
	m := r.handlers[ev.Name]
	batch := make([]collab.EventHandler, 0, len(m))
	for _, h := range m {
		batch = append(batch, h)
	}
	r.mu.Unlock()

	if len(batch) == 0 {
		r.dropped.Add(1)
		return
	}
	r.published.Add(1)
	for _, h := range batch {
		h(ev)
	}
}

// HandlerCount reports live subscriptions for one event name.
func (r *Registry) HandlerCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[name])
}

// Counts returns published and undeliverable event totals.
func (r *Registry) Counts() (published, dropped uint64) {
	return r.published.Load(), r.dropped.Load()
}
