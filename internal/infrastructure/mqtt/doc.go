// Package mqtt connects the hub to an MQTT broker for telemetry and remote
// control.
//
// The hub publishes under sensorhub/{hub_id}/:
//
//	status               retained online/offline, doubles as LWT
//	health/{sensor}      retained health snapshot, QoS 1
//	sample/{sensor}      rate-limited latest-sample mirror, QoS 0
//	command/{sensor}     inbound control commands (subscribed)
//	command_result/{sensor}
//
// MQTT is optional. When mqtt.enabled is false nothing in this package is
// constructed and the rest of the hub runs unchanged.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Hub.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllCommands(), 1, handler)
//
// # Reconnection
//
// paho reconnects with exponential backoff between reconnect.initial_delay
// and reconnect.max_delay. Tracked subscriptions are replayed and the online
// status republished on every reconnect.
package mqtt
