// Package config handles loading and validating SensorHub configuration.
//
// Configuration comes from a YAML file layered over built-in defaults, with
// SENSORHUB_* environment variables applied last. Validate reports every
// problem at once so an operator can fix a file in one pass.
//
// Sensor entries carry adapter-specific params as a raw yaml.Node; the
// adapter factory decodes them once it knows the kind:
//
//	sensors:
//	  - id: gps1
//	    kind: gps
//	    capacity: 256
//	    params:
//	      port: /dev/ttyACM0
//	      baud: 9600
//
// Secrets (MQTT password, InfluxDB token) should be supplied through the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
