package sensor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds Manager tuning.
type Config struct {
	// SuperviseInterval is how often adapter health is polled.
	SuperviseInterval time.Duration

	// FailureGrace is how long an adapter may stay Failed before a restart.
	FailureGrace time.Duration

	// RestartBudget is the number of restarts attempted before the sensor
	// is left Failed permanently.
	RestartBudget int

	// StopTimeout bounds each adapter Stop call.
	StopTimeout time.Duration

	// ChildCapacity is the buffer capacity of auto-registered sensors when
	// the owning registration does not set one.
	ChildCapacity int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SuperviseInterval: time.Second,
		FailureGrace:      5 * time.Second,
		RestartBudget:     3,
		StopTimeout:       2 * time.Second,
		ChildCapacity:     1024,
	}
}

// Info describes a registration.
type Info struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Parent      string `json:"parent,omitempty"`
	Capacity    int    `json:"capacity"`
}

// Status is the diagnostic view of one sensor returned by ListSensors.
type Status struct {
	Info
	State        State     `json:"state"`
	Buffered     int       `json:"buffered"`
	HasData      bool      `json:"has_data"`
	LastSequence uint64    `json:"last_sequence"`
	LastUpdate   time.Time `json:"last_update"`
	AgeSeconds   float64   `json:"age_seconds"`
	Restarts     int       `json:"restarts"`
	LastError    string    `json:"last_error,omitempty"`
	Dropped      uint64    `json:"dropped"`
}

// Transition is a change of a sensor's lifecycle state.
type Transition struct {
	SensorID string    `json:"sensor_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Observer is notified of registry changes. Calls are made outside the
// registry lock and must not block for long.
type Observer interface {
	SensorRegistered(info Info)
	SensorRemoved(id string)
	StateChanged(t Transition)
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) SensorRegistered(info Info) {
	for _, ob := range o {
		ob.SensorRegistered(info)
	}
}

func (o Observers) SensorRemoved(id string) {
	for _, ob := range o {
		ob.SensorRemoved(id)
	}
}

func (o Observers) StateChanged(t Transition) {
	for _, ob := range o {
		ob.StateChanged(t)
	}
}

// Metrics receives hot-path counters.
type Metrics interface {
	SamplePushed(sensorID string)
	AdapterRestarted(sensorID string)
}

// Option customises a registration.
type Option func(*entry)

// WithKind sets the sensor kind shown in listings.
func WithKind(kind string) Option {
	return func(e *entry) { e.info.Kind = kind }
}

// WithDescription sets a human-readable description.
func WithDescription(desc string) Option {
	return func(e *entry) { e.info.Description = desc }
}

// WithChildCapacity sets the buffer capacity of sensors auto-registered
// through this registration's sink.
func WithChildCapacity(n int) Option {
	return func(e *entry) { e.childCapacity = n }
}

type entry struct {
	info          Info
	adapter       Adapter // nil for auto-registered children
	buf           *RingBuffer
	childCapacity int
	children      map[string]struct{}

	// Guarded by Manager.mu.
	state       State
	failedSince time.Time
	restarts    int
	exhausted   bool
	startFailed bool
	lastErr     string

	removed atomic.Bool

	// lifecycle serialises Start and Stop of the adapter.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
}

// Manager is the registry of sensors. It owns every adapter and ring
// buffer, answers latest/recent queries and supervises adapter health.
//
// All public methods are thread-safe.
type Manager struct {
	cfg Config

	mu      sync.RWMutex // protects sensors and per-entry state
	sensors map[string]*entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	logger   Logger
	observer Observer
	metrics  Metrics
	now      func() time.Time
}

// NewManager creates an empty manager. Zero config fields take defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.SuperviseInterval <= 0 {
		cfg.SuperviseInterval = def.SuperviseInterval
	}
	if cfg.FailureGrace < 0 {
		cfg.FailureGrace = def.FailureGrace
	}
	if cfg.RestartBudget < 0 {
		cfg.RestartBudget = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.ChildCapacity <= 0 {
		cfg.ChildCapacity = def.ChildCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		sensors: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// SetObserver sets the registry observer. Must be called before Register.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// SetMetrics sets the hot-path metrics sink. Must be called before Register.
func (m *Manager) SetMetrics(mt Metrics) {
	m.metrics = mt
}

// Register creates the ring buffer for id, stores the adapter and starts it.
//
// Returns ErrDuplicateSensor if id is already registered; in that case no
// state is created and the existing registration is untouched. A failing
// Start does not fail the registration: the sensor is kept in StateFailed
// and supervised like any other failure.
func (m *Manager) Register(id string, adapter Adapter, capacity int, opts ...Option) error {
	if id == "" {
		return ErrInvalidSensorID
	}
	if adapter == nil {
		return ErrNilAdapter
	}
	buf, err := NewRingBuffer(capacity)
	if err != nil {
		return fmt.Errorf("registering %s: %w", id, err)
	}

	e := &entry{
		info:     Info{ID: id, Kind: "generic", Capacity: capacity},
		adapter:  adapter,
		buf:      buf,
		children: make(map[string]struct{}),
		state:    StateStarting,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.childCapacity <= 0 {
		e.childCapacity = m.cfg.ChildCapacity
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, exists := m.sensors[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSensor, id)
	}
	m.sensors[id] = e
	m.mu.Unlock()

	m.logger.Info("sensor registered", "sensor_id", id, "kind", e.info.Kind, "capacity", capacity)
	if m.observer != nil {
		m.observer.SensorRegistered(e.info)
	}

	m.startAdapter(e)
	return nil
}

// Deregister stops the adapter of id and removes its buffer, registration
// and any children it auto-registered. Returns ErrUnknownSensor if absent.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	e, ok := m.sensors[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	removed := []string{id}
	delete(m.sensors, id)
	e.removed.Store(true)
	for child := range e.children {
		if c, ok := m.sensors[child]; ok {
			c.removed.Store(true)
			delete(m.sensors, child)
			removed = append(removed, child)
		}
	}
	if e.info.Parent != "" {
		if p, ok := m.sensors[e.info.Parent]; ok {
			delete(p.children, id)
		}
	}
	m.mu.Unlock()

	if e.adapter != nil {
		m.stopAdapter(e)
	}

	m.logger.Info("sensor deregistered", "sensor_id", id, "removed", len(removed))
	if m.observer != nil {
		for _, r := range removed {
			m.observer.SensorRemoved(r)
		}
	}
	return nil
}

// Has reports whether id is registered.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sensors[id]
	return ok
}

// Latest returns the newest sample of id. The boolean is false when the
// sensor is registered but has produced nothing yet.
func (m *Manager) Latest(id string) (Sample, bool, error) {
	buf, err := m.buffer(id)
	if err != nil {
		return Sample{}, false, err
	}
	s, ok := buf.Latest()
	return s, ok, nil
}

// Recent returns up to n of the newest samples of id in the given order.
func (m *Manager) Recent(id string, n int, order Order) ([]Sample, error) {
	buf, err := m.buffer(id)
	if err != nil {
		return nil, err
	}
	return buf.Recent(n, order), nil
}

// LatestMany returns the newest sample of every id that is registered and
// has data. Unknown and empty sensors are omitted.
func (m *Manager) LatestMany(ids []string) map[string]Sample {
	bufs := make(map[string]*RingBuffer, len(ids))
	m.mu.RLock()
	for _, id := range ids {
		if e, ok := m.sensors[id]; ok {
			bufs[id] = e.buf
		}
	}
	m.mu.RUnlock()

	out := make(map[string]Sample, len(bufs))
	for id, buf := range bufs {
		if s, ok := buf.Latest(); ok {
			out[id] = s
		}
	}
	return out
}

// Adapter returns the adapter registered under id. Auto-registered children
// return the adapter of their parent.
func (m *Manager) Adapter(id string) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sensors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	if e.adapter == nil && e.info.Parent != "" {
		if p, ok := m.sensors[e.info.Parent]; ok {
			return p.adapter, nil
		}
	}
	return e.adapter, nil
}

// Ready reports whether any sensor has produced data.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	bufs := make([]*RingBuffer, 0, len(m.sensors))
	for _, e := range m.sensors {
		bufs = append(bufs, e.buf)
	}
	m.mu.RUnlock()

	for _, b := range bufs {
		if b.Len() > 0 {
			return true
		}
	}
	return false
}

// Get returns the status of a single sensor.
func (m *Manager) Get(id string) (Status, error) {
	for _, st := range m.ListSensors() {
		if st.ID == id {
			return st, nil
		}
	}
	return Status{}, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
}

// ListSensors returns the status of every sensor, sorted by ID.
func (m *Manager) ListSensors() []Status {
	type row struct {
		st      Status
		buf     *RingBuffer
		adapter Adapter
	}

	m.mu.RLock()
	rows := make([]row, 0, len(m.sensors))
	for _, e := range m.sensors {
		st := Status{
			Info:      e.info,
			State:     e.state,
			Restarts:  e.restarts,
			LastError: e.lastErr,
		}
		adapter := e.adapter
		if e.info.Parent != "" {
			if p, ok := m.sensors[e.info.Parent]; ok {
				st.State = p.state
				adapter = nil
			}
		}
		rows = append(rows, row{st: st, buf: e.buf, adapter: adapter})
	}
	m.mu.RUnlock()

	now := m.now()
	out := make([]Status, 0, len(rows))
	for _, r := range rows {
		st := r.st
		st.Buffered = r.buf.Len()
		if s, ok := r.buf.Latest(); ok {
			st.HasData = true
			st.LastSequence = s.Sequence
			st.LastUpdate = r.buf.LastPush()
			st.AgeSeconds = now.Sub(st.LastUpdate).Seconds()
		}
		if r.adapter != nil {
			st.Dropped = r.adapter.Health().Dropped
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops every adapter in parallel. It returns ctx.Err() if the
// adapters did not all stop before ctx was done; the remaining stops keep
// running in the background.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.sensors))
	for _, e := range m.sensors {
		if e.adapter != nil {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			m.stopAdapter(e)
			m.setState(e, StateStopped, "shutdown")
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	defer m.cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.logger.Warn("sensor shutdown timed out", "adapters", len(entries))
		return ctx.Err()
	}
}

func (m *Manager) buffer(id string) (*RingBuffer, error) {
	m.mu.RLock()
	e, ok := m.sensors[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	return e.buf, nil
}

// startAdapter runs Start under the entry's lifecycle lock and records the
// outcome.
func (m *Manager) startAdapter(e *entry) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.removed.Load() {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	sink := &registrationSink{m: m, owner: e, children: make(map[string]*entry)}

	err := e.adapter.Start(ctx, sink)
	if err != nil {
		m.logger.Error("adapter start failed", "sensor_id", e.info.ID, "error", err)
		m.mu.Lock()
		e.startFailed = true
		e.lastErr = err.Error()
		m.mu.Unlock()
		m.setState(e, StateFailed, err.Error())
		return
	}

	m.mu.Lock()
	e.startFailed = false
	m.mu.Unlock()

	next := e.adapter.Health().State
	if next == StateStopped {
		next = StateStarting
	}
	m.setState(e, next, "started")
}

// stopAdapter stops the adapter, giving up after StopTimeout.
func (m *Manager) stopAdapter(e *entry) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.adapter.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn("adapter stop timed out", "sensor_id", e.info.ID, "timeout", m.cfg.StopTimeout)
	}
}

// setState updates the manager's view of a sensor and notifies the observer.
func (m *Manager) setState(e *entry, next State, reason string) {
	now := m.now()

	m.mu.Lock()
	prev := e.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	e.state = next
	if next == StateFailed {
		e.failedSince = now
	}
	m.mu.Unlock()

	m.notifyTransition(Transition{SensorID: e.info.ID, From: prev, To: next, Reason: reason, At: now})
}

func (m *Manager) notifyTransition(t Transition) {
	if t.To == StateFailed {
		m.logger.Warn("sensor state changed", "sensor_id", t.SensorID, "from", t.From, "to", t.To, "reason", t.Reason)
	} else {
		m.logger.Info("sensor state changed", "sensor_id", t.SensorID, "from", t.From, "to", t.To)
	}
	if m.observer != nil {
		m.observer.StateChanged(t)
	}
}

// ensureChild returns the entry for an auto-registered sensor owned by
// owner, creating it if needed.
func (m *Manager) ensureChild(owner *entry, id string) (*entry, error) {
	m.mu.Lock()
	if owner.removed.Load() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, owner.info.ID)
	}
	if existing, ok := m.sensors[id]; ok {
		m.mu.Unlock()
		if existing.info.Parent == owner.info.ID {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSensor, id)
	}
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	buf, err := NewRingBuffer(owner.childCapacity)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	child := &entry{
		info: Info{
			ID:       id,
			Kind:     owner.info.Kind,
			Parent:   owner.info.ID,
			Capacity: owner.childCapacity,
		},
		buf:   buf,
		state: owner.state,
	}
	m.sensors[id] = child
	owner.children[id] = struct{}{}
	m.mu.Unlock()

	m.logger.Info("sensor auto-registered", "sensor_id", id, "parent", owner.info.ID)
	if m.observer != nil {
		m.observer.SensorRegistered(child.info)
	}
	return child, nil
}

// registrationSink is the write handle given to one adapter.
type registrationSink struct {
	m     *Manager
	owner *entry

	mu       sync.Mutex
	children map[string]*entry
}

func (s *registrationSink) Push(smp Sample) error {
	target := s.owner
	if smp.SensorID == "" {
		smp.SensorID = s.owner.info.ID
	}
	if smp.SensorID != s.owner.info.ID {
		child, err := s.child(smp.SensorID)
		if err != nil {
			return err
		}
		target = child
	}

	target.buf.Push(smp)
	if s.m.metrics != nil {
		s.m.metrics.SamplePushed(smp.SensorID)
	}
	return nil
}

func (s *registrationSink) child(id string) (*entry, error) {
	s.mu.Lock()
	c, ok := s.children[id]
	s.mu.Unlock()
	if ok && !c.removed.Load() {
		return c, nil
	}

	c, err := s.m.ensureChild(s.owner, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.children[id] = c
	s.mu.Unlock()
	return c, nil
}
