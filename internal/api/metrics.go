package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	Host          HostMetrics      `json:"host"`
	WebSocket     WSClientMetrics  `json:"websocket"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Sensors       SensorMetrics    `json:"sensors"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// HostMetrics contains load averages and memory of the host. Fields are
// zero when the platform does not report them.
type HostMetrics struct {
	Load1      float64 `json:"load1"`
	Load5      float64 `json:"load5"`
	Load15     float64 `json:"load15"`
	MemTotalKB uint64  `json:"mem_total_kb"`
	MemFreeKB  uint64  `json:"mem_free_kb"`
	BuffersKB  uint64  `json:"buffers_kb"`
	CachedKB   uint64  `json:"cached_kb"`
	MemUsedPct float64 `json:"mem_used_percent"`
}

// WSClientMetrics contains WebSocket hub statistics.
type WSClientMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// SensorMetrics counts sensors by lifecycle state.
type SensorMetrics struct {
	Total    int            `json:"total"`
	ByState  map[string]int `json:"by_state"`
	WithData int            `json:"with_data"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleSystemMetrics returns runtime, host, and registry statistics.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSClientMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Sensors: SensorMetrics{ByState: make(map[string]int)},
	}

	ctx := r.Context()
	if avg, err := load.AvgWithContext(ctx); err == nil {
		metrics.Host.Load1 = avg.Load1
		metrics.Host.Load5 = avg.Load5
		metrics.Host.Load15 = avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.Host.MemTotalKB = vm.Total / 1024
		metrics.Host.MemFreeKB = vm.Free / 1024
		metrics.Host.BuffersKB = vm.Buffers / 1024
		metrics.Host.CachedKB = vm.Cached / 1024
		metrics.Host.MemUsedPct = vm.UsedPercent
	}

	for _, st := range s.sensors.ListSensors() {
		metrics.Sensors.Total++
		metrics.Sensors.ByState[string(st.State)]++
		if st.HasData {
			metrics.Sensors.WithData++
		}
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

// handlePrometheus serves the Prometheus exposition format.
func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeUnavailable(w, "metrics not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}
