// Package process supervises external helper binaries that feed SensorHub,
// such as the native Livox bridge that relays SDK callbacks as NDJSON over
// UDP.
//
// A supervised process runs in its own process group so a stop reaches any
// children it forked. Output lines are forwarded to the logger, an exit that
// was not requested triggers a delayed restart until the attempt budget is
// spent, and an optional liveness probe kills a process that is still alive
// but has stopped producing.
//
// Example usage:
//
//	sup := process.NewManager(process.Config{
//	    Name:   "livox_bridge",
//	    Binary: "/opt/sensorhub/bin/livox_bridge",
//	    Env:    []string{"MID360_CONFIG_PATH=/etc/sensorhub/mid360.json"},
//	})
//	sup.SetLogger(log)
//
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
