package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/sensorhub/internal/infrastructure/mqtt"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// Publisher is the MQTT side of the reporter.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// PointWriter is the InfluxDB side of the reporter. Writes are
// non-blocking and batched by the client.
type PointWriter interface {
	WriteSample(sensorID, kind string, sequence uint64, ts time.Time, payload []byte)
	WriteHealth(sensorID, state string, consecutiveFailures int, dropped uint64, lastError string, ts time.Time)
}

// Source is the read-only view of the sensor registry.
type Source interface {
	ListSensors() []sensor.Status
	Recent(id string, n int, order sensor.Order) ([]sensor.Sample, error)
}

// Logger defines the logging interface for the telemetry package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures a Reporter.
type Config struct {
	HubID   string
	Version string

	// Interval is how often every sensor's health is published.
	// Default: 10 seconds.
	Interval time.Duration

	// PublishSamples mirrors each sensor's latest sample to MQTT.
	PublishSamples bool

	// SampleRate limits mirrored samples per sensor per second. Default: 1.
	SampleRate float64

	Source    Source
	Publisher Publisher   // optional
	Points    PointWriter // optional
}

// eventQueueSize bounds registry events waiting for the report loop.
const eventQueueSize = 256

// event is a registry change handled on the report loop. Exactly one
// field is set.
type event struct {
	transition *sensor.Transition
	removed    string
}

// Reporter publishes sensor health and samples on an interval and reacts
// to registry transitions. It implements sensor.Observer.
type Reporter struct {
	cfg    Config
	topics mqtt.Topics
	now    func() time.Time

	events chan event

	mu       sync.Mutex
	lastSeq  map[string]uint64
	limiters map[string]*rate.Limiter

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewReporter creates a reporter. Call Start to begin reporting.
func NewReporter(cfg Config) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1
	}
	return &Reporter{
		cfg:      cfg,
		topics:   mqtt.Topics{Hub: cfg.HubID},
		now:      time.Now,
		events:   make(chan event, eventQueueSize),
		lastSeq:  make(map[string]uint64),
		limiters: make(map[string]*rate.Limiter),
		done:     make(chan struct{}),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for this reporter.
func (r *Reporter) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Reporter) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Start begins periodic reporting. Call Stop to shut down.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.reportLoop(ctx)
}

// Stop ends reporting and publishes the stopping status. Safe to call
// more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		//nolint:errcheck // best-effort during shutdown
		r.publishHubStatus(HubStopping)
	})
}

func (r *Reporter) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.ReportNow()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case ev := <-r.events:
			r.handleEvent(ev)
		case <-ticker.C:
			r.ReportNow()
		}
	}
}

// ReportNow publishes health for every sensor and mirrors new samples.
func (r *Reporter) ReportNow() {
	now := r.now()
	for _, st := range r.cfg.Source.ListSensors() {
		r.publishHealth(NewHealthMessage(r.cfg.HubID, st, now))
		if r.cfg.Points != nil {
			r.cfg.Points.WriteHealth(st.ID, string(st.State), 0, st.Dropped, st.LastError, now)
		}
		if st.HasData {
			r.mirrorSamples(st)
		}
	}
}

// mirrorSamples writes every buffered sample pushed since the last report
// to InfluxDB and the newest one to MQTT.
func (r *Reporter) mirrorSamples(st sensor.Status) {
	r.mu.Lock()
	last, seen := r.lastSeq[st.ID]
	r.mu.Unlock()

	if seen && st.LastSequence == last {
		return
	}

	samples, err := r.cfg.Source.Recent(st.ID, st.Buffered, sensor.OldestFirst)
	if err != nil || len(samples) == 0 {
		return
	}
	newest := samples[len(samples)-1]

	r.mu.Lock()
	r.lastSeq[st.ID] = newest.Sequence
	r.mu.Unlock()

	if r.cfg.Points != nil {
		for _, smp := range samples {
			if seen && smp.Sequence <= last {
				continue
			}
			r.cfg.Points.WriteSample(st.ID, st.Kind, smp.Sequence, smp.Timestamp, smp.Payload)
		}
	}

	if r.cfg.PublishSamples && r.allow(st.ID) {
		r.publishSample(newest)
	}
}

func (r *Reporter) allow(sensorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[sensorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.SampleRate), 1)
		r.limiters[sensorID] = lim
	}
	return lim.Allow()
}

func (r *Reporter) handleEvent(ev event) {
	if ev.removed != "" {
		r.clearHealth(ev.removed)
		return
	}

	t := ev.transition
	for _, st := range r.cfg.Source.ListSensors() {
		if st.ID != t.SensorID {
			continue
		}
		msg := NewHealthMessage(r.cfg.HubID, st, t.At)
		msg.State = t.To
		msg.Reason = t.Reason
		r.publishHealth(msg)
		if r.cfg.Points != nil {
			r.cfg.Points.WriteHealth(st.ID, string(t.To), 0, st.Dropped, st.LastError, t.At)
		}
		return
	}
}

// clearHealth deletes the retained health message of a removed sensor.
func (r *Reporter) clearHealth(id string) {
	if r.cfg.Publisher == nil || !r.cfg.Publisher.IsConnected() {
		return
	}
	// An empty retained payload deletes the retained message.
	if err := r.cfg.Publisher.Publish(r.topics.Health(id), nil, 1, true); err != nil {
		r.getLogger().Warn("clearing retained health failed", "sensor_id", id, "error", err)
	}
}

func (r *Reporter) publishHealth(msg HealthMessage) {
	if r.cfg.Publisher == nil || !r.cfg.Publisher.IsConnected() {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.getLogger().Error("encoding health message", "sensor_id", msg.SensorID, "error", err)
		return
	}
	if err := r.cfg.Publisher.Publish(r.topics.Health(msg.SensorID), payload, 1, true); err != nil {
		r.getLogger().Warn("publishing health failed", "sensor_id", msg.SensorID, "error", err)
	}
}

func (r *Reporter) publishSample(smp sensor.Sample) {
	if r.cfg.Publisher == nil || !r.cfg.Publisher.IsConnected() {
		return
	}
	payload, err := json.Marshal(SampleMessage{Hub: r.cfg.HubID, Sample: smp, Mirrored: r.now().UTC()})
	if err != nil {
		r.getLogger().Error("encoding sample message", "sensor_id", smp.SensorID, "error", err)
		return
	}
	if err := r.cfg.Publisher.Publish(r.topics.Sample(smp.SensorID), payload, 0, false); err != nil {
		r.getLogger().Debug("publishing sample failed", "sensor_id", smp.SensorID, "error", err)
	}
}

func (r *Reporter) publishHubStatus(status string) error {
	if r.cfg.Publisher == nil || !r.cfg.Publisher.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(HubMessage{
		Hub:       r.cfg.HubID,
		Status:    status,
		Version:   r.cfg.Version,
		Sensors:   len(r.cfg.Source.ListSensors()),
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.cfg.Publisher.Publish(r.topics.Status(), payload, 1, true)
}

// SensorRegistered implements sensor.Observer.
func (r *Reporter) SensorRegistered(sensor.Info) {}

// SensorRemoved forgets the sensor and queues removal of its retained
// health message.
func (r *Reporter) SensorRemoved(id string) {
	r.mu.Lock()
	delete(r.lastSeq, id)
	delete(r.limiters, id)
	r.mu.Unlock()

	r.enqueue(event{removed: id})
}

// StateChanged queues the transition for the report loop.
func (r *Reporter) StateChanged(t sensor.Transition) {
	r.enqueue(event{transition: &t})
}

// enqueue drops the event when the queue is full; the next interval
// report catches up.
func (r *Reporter) enqueue(ev event) {
	select {
	case r.events <- ev:
	default:
		r.getLogger().Debug("telemetry event queue full")
	}
}
