package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the agent.
const (
	MeasurementEntityState  = "entity_state"
	MeasurementSessionState = "session_state"
)

// WriteEntityState records a numeric entity state.
//
// Parameters:
//   - entityID: e.g. "sensor.outdoor_temperature"
//   - domain: the entity's domain, tagged for grouping
//   - value: parsed numeric state
//   - unit: unit_of_measurement attribute, omitted when empty
//   - at: when the hub recorded the change
func (c *Client) WriteEntityState(entityID, domain string, value float64, unit string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(entityStatePoint(entityID, domain, value, unit, at))
}

// WriteSessionState records a hub session state transition so reconnect
// storms show up next to the state history.
func (c *Client) WriteSessionState(state string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sessionStatePoint(state, at))
}

func entityStatePoint(entityID, domain string, value float64, unit string, at time.Time) *write.Point {
	tags := map[string]string{
		"entity_id": entityID,
		"domain":    domain,
	}
	if unit != "" {
		tags["unit"] = unit
	}
	return write.NewPoint(MeasurementEntityState, tags, map[string]any{"value": value}, at)
}

func sessionStatePoint(state string, at time.Time) *write.Point {
	return write.NewPoint(MeasurementSessionState,
		map[string]string{"state": state},
		map[string]any{"count": int64(1)},
		at,
	)
}
