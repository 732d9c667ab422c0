package telemetry

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

// HealthMessage is the retained per-sensor health document.
type HealthMessage struct {
	Hub          string       `json:"hub"`
	SensorID     string       `json:"sensor_id"`
	Kind         string       `json:"kind"`
	Parent       string       `json:"parent,omitempty"`
	State        sensor.State `json:"state"`
	Timestamp    time.Time    `json:"timestamp"`
	Buffered     int          `json:"buffered"`
	LastSequence uint64       `json:"last_sequence"`
	AgeSeconds   float64      `json:"age_seconds"`
	Restarts     int          `json:"restarts"`
	Dropped      uint64       `json:"dropped"`
	LastError    string       `json:"last_error,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// NewHealthMessage builds a health message from a sensor status.
func NewHealthMessage(hub string, st sensor.Status, now time.Time) HealthMessage {
	return HealthMessage{
		Hub:          hub,
		SensorID:     st.ID,
		Kind:         st.Kind,
		Parent:       st.Parent,
		State:        st.State,
		Timestamp:    now.UTC(),
		Buffered:     st.Buffered,
		LastSequence: st.LastSequence,
		AgeSeconds:   st.AgeSeconds,
		Restarts:     st.Restarts,
		Dropped:      st.Dropped,
		LastError:    st.LastError,
	}
}

// HubStatus values published on the status topic.
const (
	HubStopping = "stopping"
)

// HubMessage is published on the hub status topic.
type HubMessage struct {
	Hub       string    `json:"hub"`
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Sensors   int       `json:"sensors"`
	Timestamp time.Time `json:"timestamp"`
}

// SampleMessage mirrors one sample.
type SampleMessage struct {
	Hub      string        `json:"hub"`
	Sample   sensor.Sample `json:"sample"`
	Mirrored time.Time     `json:"mirrored_at"`
}

// CommandMessage is a control request received over MQTT. The target
// sensor is taken from the topic; LidarID selects a device behind it and
// defaults to the topic sensor.
type CommandMessage struct {
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	LidarID string          `json:"lidar_id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Source  string          `json:"source,omitempty"`
}

// ResultStatus is the outcome of a relayed command.
type ResultStatus string

const (
	ResultAccepted ResultStatus = "accepted"
	ResultFailed   ResultStatus = "failed"
)

// Error codes for failed commands.
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnknownSensor  = "UNKNOWN_SENSOR"
	ErrCodeNotSupported   = "NOT_SUPPORTED"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeSendFailed     = "SEND_FAILED"
)

// CommandResult reports what happened to a command.
type CommandResult struct {
	CommandID string       `json:"command_id,omitempty"`
	SensorID  string       `json:"sensor_id"`
	Cmd       string       `json:"cmd,omitempty"`
	Status    ResultStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Error     *ResultError `json:"error,omitempty"`
}

// ResultError carries failure details.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
