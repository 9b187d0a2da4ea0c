package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/hass-agent/internal/hass"
	"github.com/nerrad567/hass-agent/internal/infrastructure/logging"
	"github.com/nerrad567/hass-agent/internal/infrastructure/mqtt"
)

// EventSource yields hub events for a topic until cancel is called.
type EventSource interface {
	Events(topic string) (events <-chan hass.Event, cancel func())
}

// Publisher is the MQTT surface the relay writes to.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	PublishRetained(topic string, payload []byte) error
}

// StateWriter records numeric entity states.
type StateWriter interface {
	WriteEntityState(entityID, domain string, value float64, unit string, at time.Time)
}

// Broadcaster pushes an event to websocket clients subscribed to channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Deps holds the relay's source and sinks. Only Source and Logger are required.
type Deps struct {
	Source      EventSource
	EventTypes  []string
	MQTT        Publisher
	Topics      mqtt.Topics
	History     StateWriter
	Broadcaster Broadcaster
	Logger      *logging.Logger
}

// Stats counts what the relay has forwarded.
type Stats struct {
	Events         uint64
	MQTTPublished  uint64
	MQTTFailed     uint64
	HistoryWritten uint64
	Broadcast      uint64
}

// Relay forwards hub events to MQTT, InfluxDB and the agent event stream.
type Relay struct {
	deps Deps

	mu    sync.Mutex
	stats Stats
}

// New validates deps and returns a relay ready to Run.
func New(deps Deps) (*Relay, error) {
	if deps.Source == nil {
		return nil, errors.New("relay: event source is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("relay: logger is required")
	}
	if len(deps.EventTypes) == 0 {
		deps.EventTypes = []string{hass.TopicStateChanged}
	}
	return &Relay{deps: deps}, nil
}

// Run subscribes to every configured event type and forwards events until
// ctx is cancelled. Subscriptions are released before Run returns.
func (r *Relay) Run(ctx context.Context) {
	eventTypes := dedupe(r.deps.EventTypes)
	var wg sync.WaitGroup
	for _, eventType := range eventTypes {
		events, cancel := r.deps.Source.Events(eventType)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			r.pump(ctx, events)
		}()
	}

	r.deps.Logger.Info("event relay started", "event_types", eventTypes)
	wg.Wait()
	r.deps.Logger.Info("event relay stopped")
}

func (r *Relay) pump(ctx context.Context, events <-chan hass.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.forward(ev)
		}
	}
}

// forward sends ev to every configured sink.
func (r *Relay) forward(ev hass.Event) {
	r.count(func(s *Stats) { s.Events++ })

	if r.deps.Broadcaster != nil {
		r.deps.Broadcaster.Broadcast(ev.Type, ev)
		r.count(func(s *Stats) { s.Broadcast++ })
	}

	if r.deps.MQTT != nil {
		r.publish(r.deps.Topics.Event(ev.Type), func(topic string) error {
			return r.deps.MQTT.PublishJSON(topic, ev, false)
		})
	}

	if ev.Type != hass.TopicStateChanged {
		return
	}

	change, err := decodeStateChange(ev.Data)
	if err != nil {
		r.deps.Logger.Warn("dropping malformed state_changed event", "error", err)
		return
	}

	if r.deps.MQTT != nil {
		topic := r.deps.Topics.EntityState(change.EntityID)
		if change.NewState == nil {
			// Entity removed: clear the retained state.
			r.publish(topic, func(topic string) error {
				return r.deps.MQTT.PublishRetained(topic, nil)
			})
		} else {
			r.publish(topic, func(topic string) error {
				return r.deps.MQTT.PublishJSON(topic, change.NewState, true)
			})
		}
	}

	if r.deps.History != nil && change.NewState != nil {
		if value, ok := NumericState(change.NewState.State); ok {
			unit, _ := change.NewState.Attributes["unit_of_measurement"].(string) //nolint:errcheck // absent or non-string means no unit
			at := change.NewState.LastUpdated
			if at.IsZero() {
				at = ev.TimeFired
			}
			r.deps.History.WriteEntityState(change.EntityID, hass.EntityDomain(change.EntityID), value, unit, at)
			r.count(func(s *Stats) { s.HistoryWritten++ })
		}
	}
}

func (r *Relay) publish(topic string, fn func(topic string) error) {
	if err := fn(topic); err != nil {
		r.count(func(s *Stats) { s.MQTTFailed++ })
		r.deps.Logger.Debug("mqtt relay publish failed", "topic", topic, "error", err)
		return
	}
	r.count(func(s *Stats) { s.MQTTPublished++ })
}

func (r *Relay) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// stateChange is the data of a state_changed event.
type stateChange struct {
	EntityID string            `json:"entity_id"`
	OldState *hass.EntityState `json:"old_state"`
	NewState *hass.EntityState `json:"new_state"`
}

func decodeStateChange(data json.RawMessage) (stateChange, error) {
	var change stateChange
	if err := json.Unmarshal(data, &change); err != nil {
		return stateChange{}, err
	}
	if change.EntityID == "" {
		return stateChange{}, errors.New("state_changed without entity_id")
	}
	return change, nil
}

// NumericState converts an entity state string to a number. "on"/"off"
// map to 1/0; "unknown", "unavailable" and other text are not numeric.
func NumericState(state string) (float64, bool) {
	switch state {
	case "on":
		return 1, true
	case "off":
		return 0, true
	case "", "unknown", "unavailable":
		return 0, false
	}
	v, err := strconv.ParseFloat(state, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// dedupe drops empty and repeated event types. The wildcard already covers
// every type, so a list containing it collapses to the wildcard alone.
func dedupe(in []string) []string {
	if slices.Contains(in, hass.TopicAll) {
		return []string{hass.TopicAll}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// sessionSource adapts a hub session to EventSource.
type sessionSource struct {
	session *hass.Session
}

// FromSession returns an EventSource backed by session subscriptions.
func FromSession(session *hass.Session) EventSource {
	return sessionSource{session: session}
}

func (s sessionSource) Events(topic string) (<-chan hass.Event, func()) {
	sub := s.session.Subscribe(topic)
	return sub.Events(), func() { s.session.Unsubscribe(sub) }
}
