// Package influxdb writes Home Assistant entity state history to InfluxDB v2.
//
// Numeric state changes relayed from the hub session become points in the
// "entity_state" measurement, tagged by entity_id and domain. Session state
// transitions are written to "session_state". Writes are batched and
// non-blocking; errors arrive on the SetOnError callback.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteEntityState("sensor.outdoor_temperature", "sensor", 12.5, "°C", time.Now())
package influxdb
