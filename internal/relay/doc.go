// Package relay fans Home Assistant events out of the hub session.
//
// For each configured event type the relay holds one session subscription
// and forwards every event to the configured sinks:
//
//   - MQTT: the raw event on hassagent/event/<type>; for state_changed also
//     the new entity state, retained, on hassagent/state/<entity_id>
//   - InfluxDB: numeric state_changed values as entity_state points
//   - Agent event stream: the event broadcast to websocket clients
//     subscribed to its type
//
// Every sink is optional. A failing sink is logged and never stalls the
// others; a slow relay loses the oldest events through the session's
// bounded subscription queues.
//
// In the other direction, Commands accepts service calls published on
// hassagent/command/call_service, runs them through the session, audits
// them and publishes the outcome on hassagent/command/call_service/result.
package relay
