// Package logging provides structured logging for SensorHub.
//
// It wraps log/slog so every record carries the service name and build
// version, and hands out component-scoped children to the sensor manager,
// the adapters and the API server.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//	  add_source: false
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	mgr.SetLogger(logger.Component("sensor"))
//	logger.Error("bind failed", "addr", addr, "error", err)
//
// # Security
//
// Never log secrets such as MQTT passwords or InfluxDB tokens.
package logging
