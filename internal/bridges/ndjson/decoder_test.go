package ndjson

import (
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []sensor.Sample
	reject  string
}

func (s *recordingSink) Push(smp sensor.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if smp.SensorID == s.reject {
		return errors.New("rejected")
	}
	s.samples = append(s.samples, smp)
	return nil
}

func TestDecoder_SequencesPerDevice(t *testing.T) {
	d := NewDecoder(nil, nil)
	sink := &recordingSink{}

	d.Feed([]byte(`{"type":"frame","lidar_id":"a","ts_us":1}`+"\n"+`{"type":"frame","lidar_id":"b","ts_us":1}`), sink)
	d.Feed([]byte(`{"type":"imu","lidar_id":"a","ts_us":2}`), sink)

	want := []struct {
		id  string
		seq uint64
	}{{"a", 0}, {"b", 0}, {"a", 1}}
	if len(sink.samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(sink.samples), len(want))
	}
	for i, w := range want {
		if sink.samples[i].SensorID != w.id || sink.samples[i].Sequence != w.seq {
			t.Errorf("sample %d = %s#%d, want %s#%d", i, sink.samples[i].SensorID, sink.samples[i].Sequence, w.id, w.seq)
		}
	}
	if got := d.Devices(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Devices() = %v", got)
	}
}

func TestDecoder_PayloadIsCopied(t *testing.T) {
	d := NewDecoder(nil, nil)
	sink := &recordingSink{}

	buf := []byte(`{"type":"info","lidar_id":"a","ts_us":1}`)
	d.Feed(buf, sink)
	for i := range buf {
		buf[i] = 'x'
	}
	if got := string(sink.samples[0].Payload); got != `{"type":"info","lidar_id":"a","ts_us":1}` {
		t.Errorf("payload changed with the read buffer: %s", got)
	}
}

func TestDecoder_PushErrorCountsAsDrop(t *testing.T) {
	health := sensor.NewHealthTracker(0)
	d := NewDecoder(nil, health)
	sink := &recordingSink{reject: "busy"}

	d.Feed([]byte(`{"type":"frame","lidar_id":"busy","ts_us":1}`), sink)

	st := d.Stats()
	if st.Lines != 1 || st.Malformed != 1 {
		t.Errorf("stats = %+v", st)
	}
	if h := health.Snapshot(); h.Dropped != 1 || h.ConsecutiveFailures != 0 {
		t.Errorf("health = %+v", h)
	}
	if len(st.Devices) != 0 {
		t.Errorf("rejected device listed: %v", st.Devices)
	}
}
