package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
	"github.com/nerrad567/sensorhub/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping", "/health":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		status := f.status
		if status == 0 {
			status = http.StatusNoContent
			f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		}
		f.mu.Unlock()
		if status != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"rejected"}`))
			return
		}
		w.WriteHeader(status)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "sensorhub",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func connect(t *testing.T, fake *fakeInflux) *influxdb.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForLines(t *testing.T, fake *fakeInflux, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if lines := fake.received(); len(lines) >= n {
			return lines
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received %d lines, want %d", len(fake.received()), n)
	return nil
}

// ─── Connection Tests ──────────────────────────────────────────────

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	client, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
	if client != nil {
		t.Error("Connect() returned a client when disabled")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := influxdb.Connect(ctx, testConfig("http://127.0.0.1:1"))
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client := connect(t, &fakeInflux{})

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
}

func TestClose(t *testing.T) {
	client := connect(t, &fakeInflux{})

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
	// Second close and flush after close are no-ops.
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	client.Flush()
}

func TestClose_Nil(t *testing.T) {
	var client *influxdb.Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
}

// ─── Write Tests ───────────────────────────────────────────────────

func TestWriteSampleAndHealth(t *testing.T) {
	fake := &fakeInflux{}
	client := connect(t, fake)
	ts := time.Unix(1700000000, 0)

	client.WriteSample("sim0", "simulated", 7, ts, []byte(`{"value":0.5,"phase":1.25}`))
	client.WriteHealth("sim0", "degraded", 2, 1, "read timeout", ts)
	client.Flush()

	lines := waitForLines(t, fake, 2)
	joined := strings.Join(lines, "\n")
	for _, want := range []string{
		"sensor_sample,kind=simulated,sensor_id=sim0",
		"sequence=7i",
		"value=0.5",
		"sensor_health,sensor_id=sim0,state=degraded",
		"consecutive_failures=2i",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("written lines missing %q:\n%s", want, joined)
		}
	}
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	fake := &fakeInflux{}
	client := connect(t, fake)
	client.Close()

	client.WriteSample("sim0", "simulated", 1, time.Now(), []byte(`{}`))
	client.WriteHealth("sim0", "running", 0, 0, "", time.Now())

	time.Sleep(50 * time.Millisecond)
	if got := fake.received(); len(got) != 0 {
		t.Errorf("received %d lines after Close, want 0", len(got))
	}
}

func TestSetOnError(t *testing.T) {
	fake := &fakeInflux{status: http.StatusBadRequest}
	client := connect(t, fake)

	errs := make(chan error, 4)
	client.SetOnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	client.WriteHealth("imu0", "failed", 5, 0, "gone", time.Now())
	client.Flush()

	select {
	case err := <-errs:
		if !errors.Is(err, influxdb.ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write error callback not invoked")
	}
}

// ─── Point Tests ───────────────────────────────────────────────────

func TestSamplePoint(t *testing.T) {
	ts := time.Unix(10, 0)
	tests := []struct {
		name    string
		payload string
		want    []string
		notWant []string
	}{
		{
			name:    "numeric keys flattened",
			payload: `{"value":1.5,"ok":true,"label":"x"}`,
			want:    []string{"value=1.5", "ok=true", "sequence=3i"},
			notWant: []string{"label="},
		},
		{
			name:    "reserved keys not overwritten",
			payload: `{"sequence":99}`,
			want:    []string{"sequence=3i"},
			notWant: []string{"sequence=99"},
		},
		{
			name:    "non-object payload kept raw",
			payload: `"$GPGGA,123519"`,
			want:    []string{`payload="\"$GPGGA,123519\""`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(
				influxdb.SamplePoint("gps0", "gps", 3, ts, []byte(tt.payload)), time.Nanosecond)
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("line %q missing %q", line, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(line, nw) {
					t.Errorf("line %q should not contain %q", line, nw)
				}
			}
		})
	}
}

func TestHealthPoint(t *testing.T) {
	line := write.PointToLineProtocol(
		influxdb.HealthPoint("imu0", "failed", 5, 2, "", time.Unix(10, 0)), time.Nanosecond)

	for _, w := range []string{"state=failed", "up=false", "dropped=2i"} {
		if !strings.Contains(line, w) {
			t.Errorf("line %q missing %q", line, w)
		}
	}
	if strings.Contains(line, "last_error") {
		t.Errorf("empty last_error should be omitted: %q", line)
	}
}
