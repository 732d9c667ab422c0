// Package ndjson receives newline-delimited JSON from an external sensor
// bridge over UDP and sends it fire-and-forget control commands.
//
// The bridge is an opaque producer on the other side of a socket. Every
// datagram may carry several lines; each line is one JSON object with a
// message type, a device identity and a capture time:
//
//	{"type":"frame","lidar_id":"mid360_front","ts_us":123,"n_points":64}
//	{"type":"imu","handle":167772170,"ts":1712.5,"gyro":[0,0,0]}
//
// Lines are stored verbatim as sample payloads under the resolved device
// id. Nothing is ever written back on the ingest socket.
package ndjson
