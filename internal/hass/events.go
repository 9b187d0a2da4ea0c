package hass

import (
	"sync"
	"sync/atomic"
)

// Event topics published by the hub that collaborators commonly observe.
const (
	// TopicAll matches every event type.
	TopicAll = "*"

	// TopicStateChanged carries entity state transitions.
	TopicStateChanged = "state_changed"

	// TopicEntityRegistryUpdated carries entity registry create/update/remove notices.
	TopicEntityRegistryUpdated = "entity_registry_updated"
)

// defaultEventQueueSize is the per-listener buffer used when none is configured.
const defaultEventQueueSize = 256

// Subscription is one listener registered for a topic.
//
// Events are delivered on a bounded channel. When the consumer falls behind
// and the channel is full, the oldest queued event is discarded to make room
// and Dropped is incremented. The channel is closed on Unsubscribe or when
// the session shuts down.
type Subscription struct {
	id      uint64
	topic   string
	ch      chan Event
	dropped atomic.Uint64
	closed  bool // guarded by registry.mu
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Topic returns the event type this listener matches, or TopicAll.
func (s *Subscription) Topic() string {
	return s.topic
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// offer enqueues ev without blocking, evicting the oldest event if full.
// Returns false if an event was dropped.
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}

	// Full: evict the oldest (the consumer may race us to it) and retry once.
	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)

	select {
	case s.ch <- ev:
	default:
		// Another evict/consume race left it full again; this event is the casualty.
		s.dropped.Add(1)
	}
	return false
}

// registry maps topics to listeners.
//
// Thread Safety:
//   - subscribe, unsubscribe and closeAll take the write lock.
//   - dispatch holds the read lock for the duration of a fan-out, so a
//     channel is never closed while an offer to it is in progress.
type registry struct {
	mu        sync.RWMutex
	byTopic   map[string]map[uint64]*Subscription
	nextID    uint64
	queueSize int
	closed    bool
}

func newRegistry(queueSize int) *registry {
	if queueSize <= 0 {
		queueSize = defaultEventQueueSize
	}
	return &registry{
		byTopic:   make(map[string]map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// subscribe registers a new listener. first reports whether it is the only
// listener for its topic. On a closed registry the returned subscription is
// already closed.
func (r *registry) subscribe(topic string) (sub *Subscription, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub = &Subscription{id: r.nextID, topic: topic, ch: make(chan Event, r.queueSize)}

	if r.closed {
		sub.closed = true
		close(sub.ch)
		return sub, false
	}

	listeners, ok := r.byTopic[topic]
	if !ok {
		listeners = make(map[uint64]*Subscription)
		r.byTopic[topic] = listeners
	}
	listeners[sub.id] = sub
	return sub, len(listeners) == 1
}

// unsubscribe removes sub and closes its channel. last reports whether the
// topic has no listeners left. Removing an already removed listener is a no-op.
func (r *registry) unsubscribe(sub *Subscription) (last bool) {
	if sub == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.closed {
		return false
	}
	sub.closed = true
	close(sub.ch)

	listeners := r.byTopic[sub.topic]
	delete(listeners, sub.id)
	if len(listeners) == 0 {
		delete(r.byTopic, sub.topic)
		return true
	}
	return false
}

// dispatch delivers ev to exact-topic listeners and wildcard listeners.
// It never blocks. Returns the number of deliveries and drops.
func (r *registry) dispatch(ev Event) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, topic := range [2]string{ev.Type, TopicAll} {
		for _, sub := range r.byTopic[topic] {
			if sub.offer(ev) {
				delivered++
			} else {
				dropped++
			}
		}
		if ev.Type == TopicAll {
			break
		}
	}
	return delivered, dropped
}

// topics returns every topic that currently has at least one listener.
func (r *registry) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byTopic))
	for topic := range r.byTopic {
		out = append(out, topic)
	}
	return out
}

// listenerCount returns the number of live listeners across all topics.
func (r *registry) listenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, listeners := range r.byTopic {
		n += len(listeners)
	}
	return n
}

// closeAll releases every listener and rejects future subscriptions.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for topic, listeners := range r.byTopic {
		for _, sub := range listeners {
			sub.closed = true
			close(sub.ch)
		}
		delete(r.byTopic, topic)
	}
}
