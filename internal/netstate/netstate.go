// Package netstate tracks network connectivity and classifies errors that
// look like connectivity loss.
package netstate

import (
	"context"
	"sync"
)

// Observer reports connectivity and notifies subscribers of changes.
type Observer interface {
	// Subscribe registers fn to be called with the connected state on every
	// observed change. The returned func removes the subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
	// Online returns the current connected state, refreshing it if the
	// implementation can.
	Online(ctx context.Context) bool
}

// hub fans a state out to subscribers. Embedded by the observers.
type hub struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(bool)
}

func (h *hub) Subscribe(fn func(online bool)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners == nil {
		h.listeners = make(map[uint64]func(bool))
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) notify(online bool) {
	h.mu.Lock()
	fns := make([]func(bool), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Static is an Observer whose state is set by hand. Every Set notifies
// subscribers, even when the state does not change.
type Static struct {
	hub
	mu     sync.RWMutex
	online bool
}

// NewStatic returns a Static observer starting in the given state.
func NewStatic(online bool) *Static {
	return &Static{online: online}
}

func (s *Static) Online(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set changes the state and notifies subscribers.
func (s *Static) Set(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	s.notify(online)
}

// Subscribers returns the number of live subscriptions.
func (s *Static) Subscribers() int {
	return s.subscribers()
}
