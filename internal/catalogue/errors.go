package catalogue

import "errors"

var (
	// ErrSensorNotFound is returned when a sensor id has never been recorded.
	ErrSensorNotFound = errors.New("catalogue: sensor not found")

	// ErrInvalidSensor is returned when a record is missing required fields.
	ErrInvalidSensor = errors.New("catalogue: invalid sensor record")
)
