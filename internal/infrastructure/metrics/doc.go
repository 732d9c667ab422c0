// Package metrics exposes hub counters and gauges in Prometheus format.
//
// A Registry owns a private prometheus.Registry (never the global default)
// with Go runtime and process collectors plus the hub's own series:
//
//	sensorhub_samples_pushed_total{sensor_id}
//	sensorhub_adapter_restarts_total{sensor_id}
//	sensorhub_sensor_state{sensor_id,state}          1 for the current state
//	sensorhub_ingest_datagrams_total{listener}
//	sensorhub_ingest_bytes_total{listener}
//	sensorhub_ingest_lines_total{listener,result}    accepted|malformed
//	sensorhub_ingest_socket_errors_total{listener}
//	sensorhub_ws_clients
//	sensorhub_ws_messages_total{direction,type}
//	sensorhub_ws_dropped_total
//	sensorhub_build_info{version}
//
// Registry implements sensor.Metrics and sensor.Observer so it can be handed
// straight to the sensor manager.
package metrics
