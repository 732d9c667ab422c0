// Package sensor provides the ingestion core of SensorHub: the per-sensor
// ring buffers, the Adapter contract producers implement, and the Manager
// that owns every registration and supervises adapter health.
//
// # Architecture
//
//	┌──────────────┐   Sink.Push   ┌──────────────┐  Latest/Recent  ┌──────────────┐
//	│   Adapter    │──────────────▶│  RingBuffer  │◀────────────────│  consumers   │
//	│ (goroutine)  │               │ (per sensor) │                 │ (api, ws)    │
//	└──────────────┘               └──────────────┘                 └──────────────┘
//	        ▲                              ▲
//	        │ Start/Stop/Health            │ owns
//	        │                              │
//	┌───────┴──────────────────────────────┴───────┐
//	│                   Manager                    │
//	│  • registry (own RWMutex)                    │
//	│  • supervision loop (restart with budget)    │
//	└──────────────────────────────────────────────┘
//
// The registry lock and the buffer locks are disjoint: registering or
// removing a sensor never blocks pushes or reads on other sensors, and a
// buffer lock is only held for a slot copy.
//
// # Usage
//
//	mgr := sensor.NewManager(sensor.DefaultConfig())
//	mgr.SetLogger(log)
//
//	if err := mgr.Register("gps1", gpsAdapter, 1024, sensor.WithKind("gps")); err != nil {
//	    return err
//	}
//	go mgr.Run(ctx)
//
//	s, ok, err := mgr.Latest("gps1")
//
// # Health
//
// Adapters report a Health snapshot; only the Manager transitions the state
// shown to consumers. Adapters that have been Failed for longer than the
// configured grace period are restarted until the restart budget is spent,
// after which they stay Failed until re-registered. Their last samples are
// kept so Latest keeps answering with stale, timestamped data.
package sensor
