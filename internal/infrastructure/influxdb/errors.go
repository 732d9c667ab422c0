package influxdb

import "errors"

// Sentinel errors for InfluxDB operations. Most write errors are delivered
// asynchronously through the SetOnError callback wrapped in ErrWriteFailed.
var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrWriteFailed      = errors.New("influxdb: write failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
