package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeAdapter is a test Adapter; tests drive its health through tracker.
type fakeAdapter struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	sink     Sink
	tracker  *HealthTracker
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{tracker: NewHealthTracker(5)}
}

func (f *fakeAdapter) Start(_ context.Context, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.sink = sink
	if f.startErr != nil {
		f.tracker.Fail(f.startErr)
		return f.startErr
	}
	f.tracker.Starting()
	f.tracker.Success()
	return nil
}

func (f *fakeAdapter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.tracker.Stopped()
}

func (f *fakeAdapter) Health() Health { return f.tracker.Snapshot() }

func (f *fakeAdapter) push(t *testing.T, id string, seq uint64) {
	t.Helper()
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	s, _ := NewSample(id, seq, time.Now(), map[string]uint64{"seq": seq})
	if err := sink.Push(s); err != nil {
		t.Fatalf("Push(%s) error = %v", id, err)
	}
}

func (f *fakeAdapter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// recordingObserver captures registry notifications.
type recordingObserver struct {
	mu          sync.Mutex
	registered  []Info
	removed     []string
	transitions []Transition
}

func (o *recordingObserver) SensorRegistered(info Info) {
	o.mu.Lock()
	o.registered = append(o.registered, info)
	o.mu.Unlock()
}

func (o *recordingObserver) SensorRemoved(id string) {
	o.mu.Lock()
	o.removed = append(o.removed, id)
	o.mu.Unlock()
}

func (o *recordingObserver) StateChanged(t Transition) {
	o.mu.Lock()
	o.transitions = append(o.transitions, t)
	o.mu.Unlock()
}

func (o *recordingObserver) states(id string) []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []State
	for _, t := range o.transitions {
		if t.SensorID == id {
			out = append(out, t.To)
		}
	}
	return out
}

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func stateOf(t *testing.T, m *Manager, id string) State {
	t.Helper()
	st, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return st.State
}

// ─── Registration Tests ─────────────────────────────────────────────

func TestManager_RegisterAndRecent(t *testing.T) {
	m := testManager(t, DefaultConfig())
	a := newFakeAdapter()

	if err := m.Register("gps1", a, 10, WithKind("gps")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if starts, _ := a.counts(); starts != 1 {
		t.Errorf("adapter started %d times, want 1", starts)
	}

	for i := uint64(0); i < 15; i++ {
		a.push(t, "gps1", i)
	}

	got, err := m.Recent("gps1", 10, OldestFirst)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("Recent() returned %d samples, want 10", len(got))
	}
	for i, s := range got {
		if s.Sequence != uint64(5+i) {
			t.Errorf("Recent()[%d].Sequence = %d, want %d", i, s.Sequence, 5+i)
		}
	}
	if st := stateOf(t, m, "gps1"); st != StateRunning {
		t.Errorf("state = %s, want running", st)
	}
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := testManager(t, DefaultConfig())
	first := newFakeAdapter()
	if err := m.Register("gps1", first, 10, WithKind("gps"), WithDescription("front antenna")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	first.push(t, "gps1", 7)

	second := newFakeAdapter()
	err := m.Register("gps1", second, 99, WithKind("imu"))
	if !errors.Is(err, ErrDuplicateSensor) {
		t.Fatalf("second Register() error = %v, want ErrDuplicateSensor", err)
	}
	if starts, _ := second.counts(); starts != 0 {
		t.Error("duplicate adapter should not be started")
	}

	st, err := m.Get("gps1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Kind != "gps" || st.Capacity != 10 || st.Description != "front antenna" {
		t.Errorf("first registration modified: %+v", st)
	}
	s, ok, _ := m.Latest("gps1")
	if !ok || s.Sequence != 7 {
		t.Errorf("Latest() = %+v, %v; want sequence 7", s, ok)
	}
	if len(m.ListSensors()) != 1 {
		t.Errorf("ListSensors() has %d entries, want 1", len(m.ListSensors()))
	}
}

func TestManager_RegisterValidation(t *testing.T) {
	m := testManager(t, DefaultConfig())

	if err := m.Register("", newFakeAdapter(), 10); !errors.Is(err, ErrInvalidSensorID) {
		t.Errorf("empty id error = %v", err)
	}
	if err := m.Register("x", nil, 10); !errors.Is(err, ErrNilAdapter) {
		t.Errorf("nil adapter error = %v", err)
	}
	if err := m.Register("x", newFakeAdapter(), 0); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("zero capacity error = %v", err)
	}
	if m.Has("x") {
		t.Error("failed registration left state behind")
	}
}

func TestManager_UnknownSensor(t *testing.T) {
	m := testManager(t, DefaultConfig())

	if _, _, err := m.Latest("nope"); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("Latest() error = %v", err)
	}
	if _, err := m.Recent("nope", 5, OldestFirst); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("Recent() error = %v", err)
	}
	if err := m.Deregister("nope"); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("Deregister() error = %v", err)
	}
	if _, err := m.Adapter("nope"); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("Adapter() error = %v", err)
	}
}

func TestManager_LatestEmpty(t *testing.T) {
	m := testManager(t, DefaultConfig())
	_ = m.Register("sim1", newFakeAdapter(), 4)

	_, ok, err := m.Latest("sim1")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if ok {
		t.Error("Latest() should be empty before any push")
	}
	if m.Ready() {
		t.Error("Ready() should be false without data")
	}
}

func TestManager_Deregister(t *testing.T) {
	m := testManager(t, DefaultConfig())
	obs := &recordingObserver{}
	m.SetObserver(obs)
	a := newFakeAdapter()
	_ = m.Register("imu1", a, 4)

	if err := m.Deregister("imu1"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if _, stops := a.counts(); stops != 1 {
		t.Errorf("adapter stopped %d times, want 1", stops)
	}
	if m.Has("imu1") {
		t.Error("sensor still registered")
	}
	if err := m.Deregister("imu1"); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("second Deregister() error = %v", err)
	}
	if len(obs.removed) != 1 || obs.removed[0] != "imu1" {
		t.Errorf("removed notifications = %v", obs.removed)
	}

	// Re-registration after removal is allowed.
	if err := m.Register("imu1", newFakeAdapter(), 4); err != nil {
		t.Errorf("re-Register() error = %v", err)
	}
}

func TestManager_StartFailureKeepsRegistration(t *testing.T) {
	m := testManager(t, DefaultConfig())
	a := newFakeAdapter()
	a.startErr = errors.New("open /dev/ttyUSB0: no such file or directory")

	if err := m.Register("imu1", a, 4); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	st, _ := m.Get("imu1")
	if st.State != StateFailed {
		t.Errorf("state = %s, want failed", st.State)
	}
	if st.LastError == "" {
		t.Error("LastError should carry the start error")
	}
}

// ─── Child Registration Tests ───────────────────────────────────────

func TestManager_ChildAutoRegistration(t *testing.T) {
	m := testManager(t, DefaultConfig())
	bridge := newFakeAdapter()
	if err := m.Register("livox", bridge, 8, WithKind("livox"), WithChildCapacity(16)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	bridge.push(t, "mid360_front", 0)
	bridge.push(t, "mid360_front", 1)

	if !m.Has("mid360_front") {
		t.Fatal("child sensor was not auto-registered")
	}
	s, ok, err := m.Latest("mid360_front")
	if err != nil || !ok || s.Sequence != 1 {
		t.Errorf("Latest(child) = %+v, %v, %v", s, ok, err)
	}
	st, _ := m.Get("mid360_front")
	if st.Parent != "livox" || st.Kind != "livox" || st.Capacity != 16 {
		t.Errorf("child status = %+v", st)
	}
	if a, err := m.Adapter("mid360_front"); err != nil || a != bridge {
		t.Errorf("Adapter(child) = %v, %v; want parent adapter", a, err)
	}

	if err := m.Deregister("livox"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if m.Has("mid360_front") {
		t.Error("child should be removed with its parent")
	}
}

func TestManager_ChildCollidesWithStaticSensor(t *testing.T) {
	m := testManager(t, DefaultConfig())
	_ = m.Register("gps1", newFakeAdapter(), 4)
	bridge := newFakeAdapter()
	_ = m.Register("livox", bridge, 4)

	s, _ := NewSample("gps1", 0, time.Now(), map[string]int{})
	if err := bridge.sink.Push(s); !errors.Is(err, ErrDuplicateSensor) {
		t.Errorf("Push() error = %v, want ErrDuplicateSensor", err)
	}
	if _, ok, _ := m.Latest("gps1"); ok {
		t.Error("bridge sample leaked into a statically registered sensor")
	}
}

func TestManager_ChildRecreatedAfterDeregister(t *testing.T) {
	m := testManager(t, DefaultConfig())
	bridge := newFakeAdapter()
	_ = m.Register("livox", bridge, 4)

	bridge.push(t, "mid360_rear", 0)
	if err := m.Deregister("mid360_rear"); err != nil {
		t.Fatalf("Deregister(child) error = %v", err)
	}
	bridge.push(t, "mid360_rear", 1)

	s, ok, err := m.Latest("mid360_rear")
	if err != nil || !ok || s.Sequence != 1 {
		t.Errorf("Latest() after recreate = %+v, %v, %v", s, ok, err)
	}
}

func TestManager_LatestMany(t *testing.T) {
	m := testManager(t, DefaultConfig())
	gps := newFakeAdapter()
	_ = m.Register("gps1", gps, 4)
	_ = m.Register("imu1", newFakeAdapter(), 4)
	gps.push(t, "gps1", 3)

	got := m.LatestMany([]string{"gps1", "imu1", "missing1"})
	if len(got) != 1 {
		t.Fatalf("LatestMany() = %v, want only gps1", got)
	}
	if got["gps1"].Sequence != 3 {
		t.Errorf("gps1 sequence = %d", got["gps1"].Sequence)
	}
	if !m.Ready() {
		t.Error("Ready() should be true once a sensor has data")
	}
}

// ─── Supervision Tests ──────────────────────────────────────────────

func TestManager_HealthTransitionsKeepLastSample(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureGrace = time.Hour
	m := testManager(t, cfg)
	obs := &recordingObserver{}
	m.SetObserver(obs)

	a := newFakeAdapter()
	_ = m.Register("gps1", a, 10)
	a.push(t, "gps1", 41)

	readErr := errors.New("read: device not configured")
	a.tracker.Failure(readErr)
	m.supervise()
	if st := stateOf(t, m, "gps1"); st != StateDegraded {
		t.Fatalf("after 1 failure state = %s, want degraded", st)
	}

	for range 4 {
		a.tracker.Failure(readErr)
	}
	m.supervise()
	if st := stateOf(t, m, "gps1"); st != StateFailed {
		t.Fatalf("after 5 failures state = %s, want failed", st)
	}

	want := []State{StateRunning, StateDegraded, StateFailed}
	if got := obs.states("gps1"); len(got) != len(want) {
		t.Errorf("transitions = %v, want %v", got, want)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("transition[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	}

	s, ok, err := m.Latest("gps1")
	if err != nil || !ok || s.Sequence != 41 {
		t.Errorf("Latest() after failure = %+v, %v, %v; want last good sample", s, ok, err)
	}
	if s.Timestamp.IsZero() {
		t.Error("stale sample should keep its capture timestamp")
	}
}

func TestManager_RestartBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureGrace = 0
	cfg.RestartBudget = 2
	m := testManager(t, cfg)

	a := newFakeAdapter()
	_ = m.Register("rplidar", a, 4)

	for i := 0; i < 2; i++ {
		a.tracker.Fail(errors.New("device vanished"))
		m.supervise()
		if st := stateOf(t, m, "rplidar"); st != StateRunning {
			t.Fatalf("after restart %d state = %s, want running", i+1, st)
		}
	}
	if starts, _ := a.counts(); starts != 3 {
		t.Fatalf("starts = %d, want 3", starts)
	}

	a.tracker.Fail(errors.New("device vanished"))
	m.supervise()
	a.tracker.Success()
	m.supervise()

	st, _ := m.Get("rplidar")
	if st.State != StateFailed {
		t.Errorf("state after exhausting budget = %s, want failed", st.State)
	}
	if st.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", st.Restarts)
	}
	if starts, _ := a.counts(); starts != 3 {
		t.Errorf("adapter restarted beyond budget: starts = %d", starts)
	}
}

func TestManager_GracePeriodDelaysRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureGrace = time.Minute
	m := testManager(t, cfg)

	now := time.Now()
	m.now = func() time.Time { return now }

	a := newFakeAdapter()
	_ = m.Register("gps1", a, 4)
	a.tracker.Fail(errors.New("gone"))
	m.supervise()
	if starts, _ := a.counts(); starts != 1 {
		t.Fatalf("restarted inside grace period")
	}

	now = now.Add(2 * time.Minute)
	m.supervise()
	if starts, _ := a.counts(); starts != 2 {
		t.Errorf("starts = %d, want restart after grace period", starts)
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(DefaultConfig())
	a, b := newFakeAdapter(), newFakeAdapter()
	_ = m.Register("a", a, 4)
	_ = m.Register("b", b, 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, f := range []*fakeAdapter{a, b} {
		if _, stops := f.counts(); stops != 1 {
			t.Errorf("stops = %d, want 1", stops)
		}
	}
	if err := m.Register("c", newFakeAdapter(), 4); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Register() after Shutdown error = %v", err)
	}
}

// blockingAdapter never returns from Stop.
type blockingAdapter struct{ *fakeAdapter }

func (b *blockingAdapter) Stop() { select {} }

func TestManager_DeregisterBoundedStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopTimeout = 20 * time.Millisecond
	m := NewManager(cfg)
	a := &blockingAdapter{fakeAdapter: newFakeAdapter()}
	_ = m.Register("stuck", a, 4)

	start := time.Now()
	if err := m.Deregister("stuck"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Deregister() took %v with a stuck adapter", elapsed)
	}
}

func TestManager_ListSensorsJSON(t *testing.T) {
	m := testManager(t, DefaultConfig())
	a := newFakeAdapter()
	_ = m.Register("sim1", a, 4, WithKind("simulated"))
	a.push(t, "sim1", 0)

	data, err := json.Marshal(m.ListSensors())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "sim1" || out[0]["state"] != "running" || out[0]["has_data"] != true {
		t.Errorf("ListSensors() JSON = %s", data)
	}
}

func TestObserversFanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	m := testManager(t, DefaultConfig())
	m.SetObserver(Observers{a, b})

	if err := m.Register("imu0", newFakeAdapter(), 4); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Deregister("imu0"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}

	for name, o := range map[string]*recordingObserver{"first": a, "second": b} {
		o.mu.Lock()
		if len(o.registered) != 1 || len(o.removed) != 1 {
			t.Errorf("%s observer: registered=%d removed=%d, want 1/1", name, len(o.registered), len(o.removed))
		}
		o.mu.Unlock()
	}
}
