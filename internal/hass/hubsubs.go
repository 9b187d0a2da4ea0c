package hass

import "sync"

// hubSubscription is one subscribe_events request on the current connection.
type hubSubscription struct {
	topic     string
	gen       uint64
	id        int64 // 0 until the request is written
	confirmed bool  // hub acknowledged with success
}

// hubSubscriptions tracks the hub-side event subscriptions of the current
// connection. Hub subscriptions do not survive a reconnect; reset discards
// them and the session reopens one per locally subscribed topic.
//
// An event frame is accepted only if its id belongs to a current
// subscription. Once an all-events subscription is confirmed, frames from
// per-type subscriptions are ignored so each event reaches each listener once.
type hubSubscriptions struct {
	mu      sync.Mutex
	gen     uint64
	byTopic map[string]*hubSubscription
	byID    map[int64]*hubSubscription
}

func newHubSubscriptions() *hubSubscriptions {
	return &hubSubscriptions{
		byTopic: make(map[string]*hubSubscription),
		byID:    make(map[int64]*hubSubscription),
	}
}

// reset forgets every subscription and starts generation gen.
func (h *hubSubscriptions) reset(gen uint64) {
	h.mu.Lock()
	h.gen = gen
	h.byTopic = make(map[string]*hubSubscription)
	h.byID = make(map[int64]*hubSubscription)
	h.mu.Unlock()
}

// begin claims topic for a new subscription in generation gen. Returns nil
// if the topic is already subscribed or opening, or gen is not current.
func (h *hubSubscriptions) begin(topic string, gen uint64) *hubSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.gen {
		return nil
	}
	if _, ok := h.byTopic[topic]; ok {
		return nil
	}
	hs := &hubSubscription{topic: topic, gen: gen}
	h.byTopic[topic] = hs
	return hs
}

// bind records the correlation id the subscribe request was written with.
func (h *hubSubscriptions) bind(hs *hubSubscription, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if hs.gen != h.gen || h.byTopic[hs.topic] != hs {
		return
	}
	hs.id = id
	h.byID[id] = hs
}

// confirm handles the result of a subscribe request. Non-subscription ids
// are ignored. A failed subscription is forgotten.
func (h *hubSubscriptions) confirm(id int64, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.byID[id]
	if !ok || hs.confirmed {
		return
	}
	if success {
		hs.confirmed = true
		return
	}
	delete(h.byID, id)
	if h.byTopic[hs.topic] == hs {
		delete(h.byTopic, hs.topic)
	}
}

// abandon forgets hs if its request never completed.
func (h *hubSubscriptions) abandon(hs *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.byTopic[hs.topic] == hs && !hs.confirmed {
		delete(h.byTopic, hs.topic)
		if hs.id != 0 {
			delete(h.byID, hs.id)
		}
	}
}

// release forgets the subscription for topic and returns its hub id so the
// caller can unsubscribe it. Returns 0 if there is nothing to unsubscribe.
func (h *hubSubscriptions) release(topic string) (id int64, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.byTopic[topic]
	if !ok {
		return 0, 0
	}
	delete(h.byTopic, topic)
	if hs.id != 0 {
		delete(h.byID, hs.id)
	}
	if !hs.confirmed {
		return 0, 0
	}
	return hs.id, hs.gen
}

// current reports whether hs is still the live subscription for its topic.
func (h *hubSubscriptions) current(hs *hubSubscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hs.gen == h.gen && h.byTopic[hs.topic] == hs
}

// accept reports whether an event frame from subscription id should be dispatched.
func (h *hubSubscriptions) accept(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.byID[id]
	if !ok {
		return false
	}
	if hs.topic == TopicAll {
		return true
	}
	all, ok := h.byTopic[TopicAll]
	return !ok || !all.confirmed
}

// active returns the number of confirmed hub subscriptions.
func (h *hubSubscriptions) active() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, hs := range h.byTopic {
		if hs.confirmed {
			n++
		}
	}
	return n
}
