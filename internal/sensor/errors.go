package sensor

import "errors"

// Domain errors for the sensor package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, sensor.ErrUnknownSensor) {
//	    // 404
//	}
var (
	// ErrUnknownSensor is returned when an operation references a sensor ID
	// that is not registered.
	ErrUnknownSensor = errors.New("sensor: unknown sensor")

	// ErrDuplicateSensor is returned when registering an ID that already exists.
	ErrDuplicateSensor = errors.New("sensor: already registered")

	// ErrInvalidCapacity is returned when a ring buffer capacity is not positive.
	ErrInvalidCapacity = errors.New("sensor: capacity must be positive")

	// ErrInvalidSensorID is returned for an empty sensor ID.
	ErrInvalidSensorID = errors.New("sensor: invalid sensor id")

	// ErrNilAdapter is returned when Register is called without an adapter.
	ErrNilAdapter = errors.New("sensor: adapter is nil")

	// ErrManagerClosed is returned by Register after Shutdown.
	ErrManagerClosed = errors.New("sensor: manager closed")
)
