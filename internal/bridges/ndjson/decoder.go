package ndjson

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

// Stats counts what a decoder has seen since it was created.
type Stats struct {
	Addr      string            `json:"addr,omitempty"`
	Datagrams uint64            `json:"datagrams"`
	Lines     uint64            `json:"lines"`
	Malformed uint64            `json:"malformed"`
	ByType    map[string]uint64 `json:"by_type"`
	Devices   []string          `json:"devices"`
}

// Decoder turns bridge output into samples. It is shared by the UDP
// listener and the bridge stdout reader and is safe for concurrent use.
type Decoder struct {
	resolver *Resolver
	health   *sensor.HealthTracker
	metrics  Metrics
	logger   sensor.Logger
	now      func() time.Time

	lines     atomic.Uint64
	malformed atomic.Uint64

	mu      sync.Mutex
	seqs    map[string]*sensor.Sequencer
	byType  map[string]uint64
	devices map[string]struct{}
}

// NewDecoder creates a decoder that resolves handles through devices and
// reports drops and successes to health.
func NewDecoder(devices map[string]string, health *sensor.HealthTracker) *Decoder {
	if health == nil {
		health = sensor.NewHealthTracker(0)
	}
	return &Decoder{
		resolver: NewResolver(devices),
		health:   health,
		metrics:  noopMetrics{},
		logger:   noopLogger{},
		now:      time.Now,
		seqs:     make(map[string]*sensor.Sequencer),
		byType:   make(map[string]uint64),
		devices:  make(map[string]struct{}),
	}
}

// SetLogger sets the logger for the decoder.
func (d *Decoder) SetLogger(logger sensor.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// SetMetrics sets the ingest metrics sink.
func (d *Decoder) SetMetrics(m Metrics) {
	if m != nil {
		d.metrics = m
	}
}

// Feed splits data on newlines and pushes every valid line to sink under
// its device id. Invalid lines are counted and dropped.
func (d *Decoder) Feed(data []byte, sink sensor.Sink) {
	received := d.now()
	for len(data) > 0 {
		var raw []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			raw, data = data[:i], data[i+1:]
		} else {
			raw, data = data, nil
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		d.lines.Add(1)

		line, err := ParseLine(raw, d.resolver)
		if err != nil {
			d.reject(err)
			continue
		}

		smp := sensor.Sample{
			SensorID:  line.DeviceID,
			Timestamp: received,
			Sequence:  d.next(line.DeviceID),
			Payload:   bytes.Clone(raw),
		}
		if err := sink.Push(smp); err != nil {
			d.reject(fmt.Errorf("pushing %s: %w", line.DeviceID, err))
			continue
		}

		d.metrics.LineAccepted()
		d.mu.Lock()
		d.byType[line.Type]++
		d.devices[line.DeviceID] = struct{}{}
		d.mu.Unlock()
		d.health.Success()
	}
}

// next returns the next sequence number for a device.
func (d *Decoder) next(id string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq, ok := d.seqs[id]
	if !ok {
		seq = &sensor.Sequencer{}
		d.seqs[id] = seq
	}
	return seq.Next()
}

func (d *Decoder) reject(err error) {
	d.malformed.Add(1)
	d.metrics.LineMalformed()
	d.health.Drop(err)
	d.logger.Debug("dropping ndjson line", "error", err)
}

// Stats returns a snapshot of the counters.
func (d *Decoder) Stats() Stats {
	st := Stats{
		Lines:     d.lines.Load(),
		Malformed: d.malformed.Load(),
	}

	d.mu.Lock()
	st.ByType = make(map[string]uint64, len(d.byType))
	for k, v := range d.byType {
		st.ByType[k] = v
	}
	st.Devices = make([]string, 0, len(d.devices))
	for id := range d.devices {
		st.Devices = append(st.Devices, id)
	}
	d.mu.Unlock()

	sort.Strings(st.Devices)
	return st
}

// Devices returns the ids of every device a valid line has named.
func (d *Decoder) Devices() []string {
	return d.Stats().Devices
}
