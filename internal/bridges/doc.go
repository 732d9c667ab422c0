// Package bridges builds sensor adapters from configuration.
//
// Each entry under sensors: in the hub config names a kind and carries
// kind-specific params:
//
//	sensors:
//	  - id: gps1
//	    kind: gps
//	    params: {port: /dev/ttyACM0, baudrate: 9600, rate_hz: 5}
//	  - id: livox
//	    kind: livox
//	    params: {config_path: configs/mid360_config.json, child_capacity: 256}
//
// The adapters themselves live in subpackages: simulated, serialline
// (gps and imu), ndjson (UDP ingest and bridge control) and livox.
package bridges
