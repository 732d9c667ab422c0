package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSample = "sensor_sample"
	MeasurementHealth = "sensor_health"
)

// maxPayloadField bounds the raw payload string stored per point.
const maxPayloadField = 64 * 1024

// reservedFields cannot be overwritten by flattened payload keys.
var reservedFields = map[string]bool{
	"sequence": true,
	"payload":  true,
}

// WriteSample records one sample. Top-level numeric and boolean payload
// keys become fields of their own so they can be graphed; the raw payload is
// kept in the payload field.
//
//	client.WriteSample("imu0", "imu", 42, ts, []byte(`{"imu_text":"..."}`))
func (c *Client) WriteSample(sensorID, kind string, sequence uint64, ts time.Time, payload []byte) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(SamplePoint(sensorID, kind, sequence, ts, payload))
}

// WriteHealth records a health snapshot or state transition.
func (c *Client) WriteHealth(sensorID, state string, consecutiveFailures int, dropped uint64, lastError string, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(HealthPoint(sensorID, state, consecutiveFailures, dropped, lastError, ts))
}

// SamplePoint builds the point written by WriteSample.
func SamplePoint(sensorID, kind string, sequence uint64, ts time.Time, payload []byte) *write.Point {
	fields := map[string]interface{}{
		// #nosec G115 -- sequences stay far below MaxInt64
		"sequence": int64(sequence),
	}

	raw := payload
	if len(raw) > maxPayloadField {
		raw = raw[:maxPayloadField]
	}
	fields["payload"] = string(raw)

	var obj map[string]any
	if json.Unmarshal(payload, &obj) == nil {
		for k, v := range obj {
			if reservedFields[k] {
				continue
			}
			switch val := v.(type) {
			case float64, bool:
				fields[k] = val
			}
		}
	}

	return write.NewPoint(
		MeasurementSample,
		map[string]string{
			"sensor_id": sensorID,
			"kind":      kind,
		},
		fields,
		ts,
	)
}

// HealthPoint builds the point written by WriteHealth.
func HealthPoint(sensorID, state string, consecutiveFailures int, dropped uint64, lastError string, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"consecutive_failures": int64(consecutiveFailures),
		// #nosec G115 -- drop counters stay far below MaxInt64
		"dropped": int64(dropped),
		"up":      state == "running" || state == "degraded",
	}
	if lastError != "" {
		fields["last_error"] = lastError
	}

	return write.NewPoint(
		MeasurementHealth,
		map[string]string{
			"sensor_id": sensorID,
			"state":     state,
		},
		fields,
		ts,
	)
}
