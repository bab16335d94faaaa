package hub

import (
	"encoding/json"
	"strings"
	"sync"
)

// Handler receives the JSON-encoded arguments of one received event.
type Handler func(args []json.RawMessage)

// Registry is the named-event subscription layer multiplexed over the single
// realtime connection. It is deliberately connection-agnostic: handlers are
// stored here, independently of any live transport, so registrations made
// before the connection is started (or across reconnects) are never dropped.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[string][]*Subscription
}

// Subscription identifies one (event name, handler) registration, so that
// removing it affects exactly that registration and no other, even when the
// same handler function is registered more than once.
type Subscription struct {
	registry *Registry
	event    string
	id       uint64
	handler  Handler
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string][]*Subscription),
	}
}

// On registers a handler for the named event. Handlers for a given name are
// invoked in registration order, once per received message.
func (r *Registry) On(event string, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s := &Subscription{registry: r, event: event, id: r.nextID, handler: handler}
	r.entries[event] = append(r.entries[event], s)
	return s
}

// Remove unregisters the subscription. Removing an already-removed (or nil)
// subscription is a no-op.
func (s *Subscription) Remove() {
	if s == nil {
		return
	}
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[s.event]
	for i, registered := range list {
		if registered.id == s.id {
			r.entries[s.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.entries[s.event]) == 0 {
		delete(r.entries, s.event)
	}
}

// Dispatch invokes all handlers registered for the given target, in
// registration order. Matching is case-sensitive, with one asymmetry: if no
// handler matches the target exactly, the lowercased target is tried, so a
// handler registered under a lowercase name catches events from servers with
// inconsistent casing while every other registration stays strict.
func (r *Registry) Dispatch(target string, args []json.RawMessage) {
	r.mu.RLock()
	list := r.entries[target]
	if len(list) == 0 {
		list = r.entries[strings.ToLower(target)]
	}
	handlers := make([]Handler, 0, len(list))
	for _, s := range list {
		handlers = append(handlers, s.handler)
	}
	r.mu.RUnlock()

	for _, handler := range handlers {
		handler(args)
	}
}
