package girder

import (
	"sort"
	"strings"
	"sync"
)

// Notification routing keys. Well-formed records are published under
// EventKeyPrefix plus their type field; unparseable records under KeyError.
const (
	EventKeyPrefix = "event."
	KeyError       = "error"
)

// Handler receives a published notification. For KeyError publications only
// the Raw field of the notification is populated.
type Handler func(key string, n *Notification)

// ============================================================================
// Hub
// ============================================================================

// Hub routes published notifications to subscribers. Delivery is synchronous
// and in registration order; a key ending in "*" subscribes to every key
// sharing the prefix before it (e.g. "event.*").
type Hub struct {
	mu   sync.RWMutex
	seq  int
	subs map[string][]*Subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*Subscription)}
}

// Subscription is a single bound handler. Off unbinds it.
type Subscription struct {
	hub *Hub
	key string
	id  int
	fn  Handler
}

// On binds a handler to a notification key.
func (h *Hub) On(key string, fn Handler) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	sub := &Subscription{hub: h, key: key, id: h.seq, fn: fn}
	h.subs[key] = append(h.subs[key], sub)
	return sub
}

// Off unbinds the subscription. Calling it more than once is harmless.
func (s *Subscription) Off() {
	if s == nil || s.hub == nil {
		return
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[s.key]
	for i, sub := range list {
		if sub.id == s.id {
			h.subs[s.key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[s.key]) == 0 {
		delete(h.subs, s.key)
	}
	s.hub = nil
}

// Publish delivers a notification to every matching subscriber, in
// registration order. A panicking handler does not break the fan-out.
func (h *Hub) Publish(key string, n *Notification) {
	h.mu.RLock()
	var matched []*Subscription
	for pattern, list := range h.subs {
		if keyMatches(pattern, key) {
			matched = append(matched, list...)
		}
	}
	h.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, sub := range matched {
		fn := sub.fn
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(key, n)
		}()
	}
}

func keyMatches(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	}
	return pattern == key
}
