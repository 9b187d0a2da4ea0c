// Package mqtt connects the agent to an MQTT broker.
//
// The agent uses MQTT as an outbound fan-out bus: relayed Home Assistant
// events, retained entity states, and the hub session status are published
// under a "hassagent/" topic tree so that other home services can react
// without holding their own hub connection.
//
//	Home Assistant → agent session → relay → MQTT broker → consumers
//
// Connection loss is handled by paho's reconnect loop; subscriptions are
// replayed on reconnect and a retained LWT marks the agent offline if it
// dies without a clean disconnect.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := client.Topics().EntityState("light.kitchen")
//	err = client.PublishJSON(topic, state, true)
package mqtt
