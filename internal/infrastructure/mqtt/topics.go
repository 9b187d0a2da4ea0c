package mqtt

import "strings"

// DefaultTopicPrefix is the root of every topic the agent publishes.
const DefaultTopicPrefix = "hassagent"

// Topics builds the agent's MQTT topic names under a common prefix.
//
//	topics := mqtt.Topics{}
//	topics.EntityState("light.kitchen")
//	// Returns: "hassagent/state/light.kitchen"
type Topics struct {
	// Prefix overrides DefaultTopicPrefix when non-empty.
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Event returns the topic a relayed hub event is published on.
//
// Example: hassagent/event/state_changed
func (t Topics) Event(eventType string) string {
	return t.prefix() + "/event/" + SanitizeLevel(eventType)
}

// EntityState returns the retained topic holding an entity's latest state.
//
// Example: hassagent/state/sensor.outdoor_temperature
func (t Topics) EntityState(entityID string) string {
	return t.prefix() + "/state/" + SanitizeLevel(entityID)
}

// SessionStatus returns the retained topic carrying the hub session state.
//
// Example: hassagent/system/session
func (t Topics) SessionStatus() string {
	return t.prefix() + "/system/session"
}

// SystemStatus returns the agent online/offline topic used for the LWT.
//
// Example: hassagent/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// Command returns the topic the agent accepts a named command on.
//
// Example: hassagent/command/call_service
func (t Topics) Command(name string) string {
	return t.prefix() + "/command/" + SanitizeLevel(name)
}

// CommandResult returns the topic a command's outcome is published on.
//
// Example: hassagent/command/call_service/result
func (t Topics) CommandResult(name string) string {
	return t.Command(name) + "/result"
}

// AllEvents returns a pattern matching every relayed event.
//
// Pattern: hassagent/event/+
func (t Topics) AllEvents() string {
	return t.prefix() + "/event/+"
}

// AllStates returns a pattern matching every retained entity state.
//
// Pattern: hassagent/state/+
func (t Topics) AllStates() string {
	return t.prefix() + "/state/+"
}

// SanitizeLevel makes s safe to use as a single topic level. Wildcards and
// separators are replaced with underscores, and an empty level becomes "_".
func SanitizeLevel(s string) string {
	if s == "" {
		return "_"
	}
	return levelReplacer.Replace(s)
}

var levelReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")
