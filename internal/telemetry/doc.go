// Package telemetry mirrors the sensor registry to MQTT and InfluxDB and
// relays control commands from MQTT to adapters.
//
// Published topics (hub-scoped, see mqtt.Topics):
//
//	sensorhub/{hub}/health/{sensor}          retained, QoS 1, every interval and on transitions
//	sensorhub/{hub}/sample/{sensor}          QoS 0, latest sample, rate limited per sensor
//	sensorhub/{hub}/status                   retained hub status ("stopping" on shutdown)
//	sensorhub/{hub}/command_result/{sensor}  QoS 1, outcome of a relayed command
//
// Commands arrive on sensorhub/{hub}/command/{sensor}. Nothing here
// touches the ring buffers except through read-only Manager queries.
package telemetry
