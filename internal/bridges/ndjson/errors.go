package ndjson

import "errors"

// Domain errors for the ndjson package.
var (
	// ErrMalformedLine is recorded for lines that are not JSON objects.
	ErrMalformedLine = errors.New("ndjson: malformed line")

	// ErrMissingType is recorded when type is absent or not recognised.
	ErrMissingType = errors.New("ndjson: missing or unknown type")

	// ErrMissingIdentity is recorded when neither lidar_id nor handle is set.
	ErrMissingIdentity = errors.New("ndjson: missing device identity")

	// ErrMissingTimestamp is recorded when neither ts_us nor ts is numeric.
	ErrMissingTimestamp = errors.New("ndjson: missing capture time")

	// ErrInvalidCommand is returned for control commands that fail validation.
	ErrInvalidCommand = errors.New("ndjson: invalid command")
)
