package catalogue

import "time"

// Sensor is a recorded registration. RemovedAt is set once the sensor has
// been deregistered and cleared if it is registered again.
type Sensor struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Description  string     `json:"description,omitempty"`
	ParentID     string     `json:"parent_id,omitempty"`
	Capacity     int        `json:"capacity"`
	RegisteredAt time.Time  `json:"registered_at"`
	RemovedAt    *time.Time `json:"removed_at,omitempty"`
}

// HealthEvent is one recorded state transition.
type HealthEvent struct {
	ID         int64     `json:"id"`
	SensorID   string    `json:"sensor_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventFilter selects health events. Results are newest first.
type EventFilter struct {
	SensorID string // optional
	Limit    int    // default 50, max 500
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)
