// Package influxdb records sample and health history in InfluxDB v2.
//
// The in-memory ring buffers only hold the recent window of each sensor.
// When influxdb.enabled is true the telemetry reporter mirrors every health
// transition and a rate-limited stream of samples here for long-term
// retention.
//
// Two measurements are written:
//
//	sensor_sample  tags: sensor_id, kind   fields: sequence, payload, numeric payload keys
//	sensor_health  tags: sensor_id, state  fields: consecutive_failures, dropped, up, last_error
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteHealth("imu0", "degraded", 2, 0, "read timeout", time.Now())
//
// Writes never block the caller. Batch size and flush interval come from
// influxdb.batch_size and influxdb.flush_interval.
package influxdb
