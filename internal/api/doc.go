// Package api implements the HTTP diagnostic API and the WebSocket
// streaming server for sensorhub.
//
// This package provides:
//   - REST endpoints for sensor status, latest and recent samples
//   - Lidar bridge endpoints (info, config, bridge start/stop, control)
//   - The WebSocket subscribe/poll protocol
//   - System metrics and Prometheus exposition
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS with optional client certificate verification
//
// # Streaming Protocol
//
// Clients connect to the WebSocket path (default /ws) and send JSON text
// messages keyed on "action":
//
//	{"action":"subscribe","sensor_id":"gps"}
//	{"action":"poll"}
//
// A poll returns the latest sample of every subscribed sensor that has data.
// The server never pushes unsolicited messages.
//
// # Graceful Degradation
//
// The catalogue, MQTT and metrics dependencies are optional. Endpoints that
// need a missing dependency answer 503.
package api
