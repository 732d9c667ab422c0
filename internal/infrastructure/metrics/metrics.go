package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

const namespace = "sensorhub"

var allStates = []sensor.State{
	sensor.StateStopped,
	sensor.StateStarting,
	sensor.StateRunning,
	sensor.StateDegraded,
	sensor.StateFailed,
}

// Registry holds every hub metric.
type Registry struct {
	reg *prometheus.Registry

	samplesPushed *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	sensorState   *prometheus.GaugeVec

	ingestDatagrams *prometheus.CounterVec
	ingestBytes     *prometheus.CounterVec
	ingestLines     *prometheus.CounterVec
	socketErrors    *prometheus.CounterVec

	wsClients  prometheus.Gauge
	wsMessages *prometheus.CounterVec
	wsDropped  prometheus.Counter
}

var (
	_ sensor.Metrics  = (*Registry)(nil)
	_ sensor.Observer = (*Registry)(nil)
)

// New creates a registry and registers all collectors on it.
func New(version string) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		samplesPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_pushed_total",
			Help:      "Samples written into sensor ring buffers.",
		}, []string{"sensor_id"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_restarts_total",
			Help:      "Adapter restarts performed by the supervisor.",
		}, []string{"sensor_id"}),
		sensorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_state",
			Help:      "1 for the sensor's current lifecycle state, 0 otherwise.",
		}, []string{"sensor_id", "state"}),
		ingestDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_datagrams_total",
			Help:      "UDP datagrams received by ingest listeners.",
		}, []string{"listener"}),
		ingestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_bytes_total",
			Help:      "Bytes received by ingest listeners.",
		}, []string{"listener"}),
		ingestLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_lines_total",
			Help:      "NDJSON lines processed by ingest listeners.",
		}, []string{"listener", "result"}),
		socketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_socket_errors_total",
			Help:      "Socket read errors on ingest listeners.",
		}, []string{"listener"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected streaming clients.",
		}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Streaming protocol messages by direction and type.",
		}, []string{"direction", "type"}),
		wsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_dropped_total",
			Help:      "Replies abandoned because a client stayed backed up past the send timeout.",
		}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build version of the running hub.",
	}, []string{"version"})
	buildInfo.WithLabelValues(version).Set(1)

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		r.samplesPushed,
		r.restarts,
		r.sensorState,
		r.ingestDatagrams,
		r.ingestBytes,
		r.ingestLines,
		r.socketErrors,
		r.wsClients,
		r.wsMessages,
		r.wsDropped,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ─── sensor.Metrics ────────────────────────────────────────────────

func (r *Registry) SamplePushed(sensorID string) {
	r.samplesPushed.WithLabelValues(sensorID).Inc()
}

func (r *Registry) AdapterRestarted(sensorID string) {
	r.restarts.WithLabelValues(sensorID).Inc()
}

// ─── sensor.Observer ───────────────────────────────────────────────

func (r *Registry) SensorRegistered(info sensor.Info) {
	r.setState(info.ID, sensor.StateStarting)
}

func (r *Registry) SensorRemoved(id string) {
	for _, s := range allStates {
		r.sensorState.DeleteLabelValues(id, string(s))
	}
	r.samplesPushed.DeleteLabelValues(id)
	r.restarts.DeleteLabelValues(id)
}

func (r *Registry) StateChanged(t sensor.Transition) {
	r.setState(t.SensorID, t.To)
}

func (r *Registry) setState(id string, current sensor.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		r.sensorState.WithLabelValues(id, string(s)).Set(v)
	}
}

// ─── Ingest ────────────────────────────────────────────────────────

// Ingest returns the counters for one named listener.
func (r *Registry) Ingest(listener string) *IngestMetrics {
	return &IngestMetrics{
		datagrams: r.ingestDatagrams.WithLabelValues(listener),
		bytes:     r.ingestBytes.WithLabelValues(listener),
		accepted:  r.ingestLines.WithLabelValues(listener, "accepted"),
		malformed: r.ingestLines.WithLabelValues(listener, "malformed"),
		socketErr: r.socketErrors.WithLabelValues(listener),
	}
}

// IngestMetrics are the pre-bound counters of one UDP listener.
type IngestMetrics struct {
	datagrams prometheus.Counter
	bytes     prometheus.Counter
	accepted  prometheus.Counter
	malformed prometheus.Counter
	socketErr prometheus.Counter
}

func (m *IngestMetrics) DatagramReceived(n int) {
	m.datagrams.Inc()
	m.bytes.Add(float64(n))
}

func (m *IngestMetrics) LineAccepted()  { m.accepted.Inc() }
func (m *IngestMetrics) LineMalformed() { m.malformed.Inc() }
func (m *IngestMetrics) SocketError()   { m.socketErr.Inc() }

// ─── Streaming ─────────────────────────────────────────────────────

func (r *Registry) ClientConnected()    { r.wsClients.Inc() }
func (r *Registry) ClientDisconnected() { r.wsClients.Dec() }

// MessageReceived counts an inbound request by its type field.
func (r *Registry) MessageReceived(msgType string) {
	r.wsMessages.WithLabelValues("in", msgType).Inc()
}

// MessageSent counts an outbound response by its type field.
func (r *Registry) MessageSent(msgType string) {
	r.wsMessages.WithLabelValues("out", msgType).Inc()
}

func (r *Registry) MessageDropped() { r.wsDropped.Inc() }
