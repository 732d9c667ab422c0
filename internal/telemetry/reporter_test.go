package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/sensorhub/internal/infrastructure/mqtt"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// mockPublisher records MQTT publishes and subscriptions.
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
	handlers  map[string]mqtt.MessageHandler
	subErr    error
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockPublisher(connected bool) *mockPublisher {
	return &mockPublisher{connected: connected, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{
		topic:    topic,
		payload:  payload,
		qos:      qos,
		retained: retained,
	})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockPublisher) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockPublisher) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

func (m *mockPublisher) getMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]publishedMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

func (m *mockPublisher) onTopic(topic string) []publishedMessage {
	var out []publishedMessage
	for _, msg := range m.getMessages() {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// mockSource is a fixed registry view.
type mockSource struct {
	mu       sync.Mutex
	statuses []sensor.Status
	samples  map[string][]sensor.Sample
}

func newMockSource() *mockSource {
	return &mockSource{samples: make(map[string][]sensor.Sample)}
}

func (m *mockSource) ListSensors() []sensor.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sensor.Status, len(m.statuses))
	copy(out, m.statuses)
	return out
}

func (m *mockSource) Recent(id string, n int, _ sensor.Order) ([]sensor.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, ok := m.samples[id]
	if !ok {
		return nil, sensor.ErrUnknownSensor
	}
	if n > len(all) {
		n = len(all)
	}
	out := make([]sensor.Sample, n)
	copy(out, all[len(all)-n:])
	return out, nil
}

// set replaces the buffered samples of a sensor and updates its status.
func (m *mockSource) set(id, kind string, state sensor.State, seqs ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := make([]sensor.Sample, 0, len(seqs))
	for _, seq := range seqs {
		samples = append(samples, sensor.Sample{
			SensorID:  id,
			Sequence:  seq,
			Timestamp: time.Unix(int64(seq), 0),
			Payload:   json.RawMessage(`{"v":1}`),
		})
	}
	m.samples[id] = samples

	st := sensor.Status{
		Info:     sensor.Info{ID: id, Kind: kind},
		State:    state,
		Buffered: len(samples),
		HasData:  len(samples) > 0,
	}
	if len(seqs) > 0 {
		st.LastSequence = seqs[len(seqs)-1]
	}
	for i := range m.statuses {
		if m.statuses[i].ID == id {
			m.statuses[i] = st
			return
		}
	}
	m.statuses = append(m.statuses, st)
}

// mockPoints records InfluxDB writes.
type mockPoints struct {
	mu      sync.Mutex
	samples []uint64
	health  []string
}

func (m *mockPoints) WriteSample(_, _ string, sequence uint64, _ time.Time, _ []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sequence)
}

func (m *mockPoints) WriteHealth(sensorID, state string, _ int, _ uint64, _ string, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, sensorID+":"+state)
}

func (m *mockPoints) getSamples() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.samples))
	copy(out, m.samples)
	return out
}

func (m *mockPoints) getHealth() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.health))
	copy(out, m.health)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var testTopics = mqtt.Topics{Hub: "hub-test"}

// ─── Reporter Tests ───

func TestNewReporter_Defaults(t *testing.T) {
	r := NewReporter(Config{HubID: "hub-test", Source: newMockSource()})

	if r.cfg.Interval != 10*time.Second {
		t.Errorf("Interval = %v, want 10s", r.cfg.Interval)
	}
	if r.cfg.SampleRate != 1 {
		t.Errorf("SampleRate = %v, want 1", r.cfg.SampleRate)
	}
}

func TestReporter_ReportNowPublishesHealth(t *testing.T) {
	src := newMockSource()
	src.set("gps", "gps", sensor.StateRunning, 0, 1)
	src.set("imu", "imu", sensor.StateDegraded)
	pub := newMockPublisher(true)
	points := &mockPoints{}

	r := NewReporter(Config{HubID: "hub-test", Source: src, Publisher: pub, Points: points})
	r.ReportNow()

	msgs := pub.onTopic(testTopics.Health("gps"))
	if len(msgs) != 1 {
		t.Fatalf("gps health messages = %d, want 1", len(msgs))
	}
	if msgs[0].qos != 1 || !msgs[0].retained {
		t.Errorf("health qos=%d retained=%v, want 1 true", msgs[0].qos, msgs[0].retained)
	}

	var health HealthMessage
	if err := json.Unmarshal(msgs[0].payload, &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Hub != "hub-test" || health.State != sensor.StateRunning || health.LastSequence != 1 {
		t.Errorf("health = %+v", health)
	}

	if len(pub.onTopic(testTopics.Health("imu"))) != 1 {
		t.Error("imu health not published")
	}

	got := points.getHealth()
	if len(got) != 2 || got[0] != "gps:running" || got[1] != "imu:degraded" {
		t.Errorf("health points = %v", got)
	}
}

func TestReporter_MirrorsOnlyNewSamples(t *testing.T) {
	src := newMockSource()
	src.set("gps", "gps", sensor.StateRunning, 0, 1, 2)
	points := &mockPoints{}

	r := NewReporter(Config{HubID: "hub-test", Source: src, Points: points})

	r.ReportNow()
	if got := points.getSamples(); len(got) != 3 {
		t.Fatalf("first report wrote %v, want 3 samples", got)
	}

	r.ReportNow()
	if got := points.getSamples(); len(got) != 3 {
		t.Fatalf("unchanged sensor wrote again: %v", got)
	}

	src.set("gps", "gps", sensor.StateRunning, 1, 2, 3, 4)
	r.ReportNow()
	got := points.getSamples()
	if len(got) != 5 || got[3] != 3 || got[4] != 4 {
		t.Errorf("samples after growth = %v, want [0 1 2 3 4]", got)
	}
}

func TestReporter_SampleMirrorRateLimited(t *testing.T) {
	src := newMockSource()
	src.set("gps", "gps", sensor.StateRunning, 0)
	pub := newMockPublisher(true)

	r := NewReporter(Config{
		HubID:          "hub-test",
		Source:         src,
		Publisher:      pub,
		PublishSamples: true,
		SampleRate:     0.001,
	})

	r.ReportNow()
	src.set("gps", "gps", sensor.StateRunning, 0, 1)
	r.ReportNow()

	msgs := pub.onTopic(testTopics.Sample("gps"))
	if len(msgs) != 1 {
		t.Fatalf("sample messages = %d, want 1", len(msgs))
	}
	if msgs[0].retained {
		t.Error("sample mirror should not be retained")
	}

	var smp SampleMessage
	if err := json.Unmarshal(msgs[0].payload, &smp); err != nil {
		t.Fatalf("decoding sample: %v", err)
	}
	if smp.Sample.SensorID != "gps" || smp.Sample.Sequence != 0 {
		t.Errorf("sample = %+v", smp.Sample)
	}
}

func TestReporter_DisconnectedPublisher(t *testing.T) {
	src := newMockSource()
	src.set("gps", "gps", sensor.StateRunning, 0)
	pub := newMockPublisher(false)

	r := NewReporter(Config{HubID: "hub-test", Source: src, Publisher: pub, PublishSamples: true})
	r.ReportNow()

	if n := len(pub.getMessages()); n != 0 {
		t.Errorf("published %d messages while disconnected", n)
	}
}

func TestReporter_StateChangedPublishesTransition(t *testing.T) {
	src := newMockSource()
	src.set("gps", "gps", sensor.StateFailed)
	pub := newMockPublisher(true)

	r := NewReporter(Config{HubID: "hub-test", Source: src, Publisher: pub, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.StateChanged(sensor.Transition{
		SensorID: "gps",
		From:     sensor.StateDegraded,
		To:       sensor.StateFailed,
		Reason:   "device closed",
		At:       time.Now(),
	})

	var last HealthMessage
	waitFor(t, func() bool {
		for _, msg := range pub.onTopic(testTopics.Health("gps")) {
			if err := json.Unmarshal(msg.payload, &last); err == nil && last.Reason != "" {
				return true
			}
		}
		return false
	})
	if last.State != sensor.StateFailed || last.Reason != "device closed" {
		t.Errorf("transition health = %+v", last)
	}
}

func TestReporter_SensorRemovedClearsRetained(t *testing.T) {
	src := newMockSource()
	pub := newMockPublisher(true)

	r := NewReporter(Config{HubID: "hub-test", Source: src, Publisher: pub, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.SensorRemoved("gps")

	waitFor(t, func() bool { return len(pub.onTopic(testTopics.Health("gps"))) == 1 })
	msg := pub.onTopic(testTopics.Health("gps"))[0]
	if len(msg.payload) != 0 || !msg.retained {
		t.Errorf("clear message = %+v, want empty retained payload", msg)
	}
}

func TestReporter_StopPublishesStopping(t *testing.T) {
	src := newMockSource()
	src.set("gps", "gps", sensor.StateRunning)
	pub := newMockPublisher(true)

	r := NewReporter(Config{HubID: "hub-test", Version: "1.2.3", Source: src, Publisher: pub, Interval: time.Hour})
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	msgs := pub.onTopic(testTopics.Status())
	if len(msgs) != 1 {
		t.Fatalf("status messages = %d, want 1", len(msgs))
	}
	var hub HubMessage
	if err := json.Unmarshal(msgs[0].payload, &hub); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if hub.Status != HubStopping || hub.Version != "1.2.3" || hub.Sensors != 1 {
		t.Errorf("hub status = %+v", hub)
	}
}
