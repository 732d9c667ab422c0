package sensor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sample is one timestamped, sequenced unit of sensor output.
//
// Payload is opaque to the core. Once a Sample has been pushed its Payload
// must not be modified; readers share the underlying bytes.
type Sample struct {
	SensorID  string          `json:"sensor_id"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
}

// NewSample encodes v as the payload of a sample captured at ts.
func NewSample(sensorID string, seq uint64, ts time.Time, v any) (Sample, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Sample{}, fmt.Errorf("encoding payload: %w", err)
	}
	return Sample{
		SensorID:  sensorID,
		Timestamp: ts,
		Sequence:  seq,
		Payload:   payload,
	}, nil
}

// Sequencer hands out monotonically increasing sequence numbers for one
// sensor. It is owned by a single producer and is not safe for concurrent use.
type Sequencer struct {
	next uint64
}

// Next returns the next sequence number, starting at zero.
func (s *Sequencer) Next() uint64 {
	n := s.next
	s.next++
	return n
}
