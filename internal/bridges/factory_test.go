package bridges

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/sensorhub/internal/bridges/livox"
	"github.com/nerrad567/sensorhub/internal/bridges/ndjson"
	"github.com/nerrad567/sensorhub/internal/bridges/serialline"
	"github.com/nerrad567/sensorhub/internal/bridges/simulated"
	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
)

const mid360 = `{"lidars":[{"id":"mid360_front","lidar_ip":"192.168.1.10","host_ip":"192.168.1.5",
"cmd_data_port":56000,"point_data_port":56301,"imu_data_port":58000}]}`

func sensorConfig(t *testing.T, doc string) config.SensorConfig {
	t.Helper()
	var sc config.SensorConfig
	if err := yaml.Unmarshal([]byte(doc), &sc); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	return sc
}

type countingIngest struct {
	listeners []string
}

func (c *countingIngest) provider(listener string) ndjson.Metrics {
	c.listeners = append(c.listeners, listener)
	return nil
}

func TestBuild_Simulated(t *testing.T) {
	sc := sensorConfig(t, "id: sim0\nkind: simulated\ndescription: test wave\ncapacity: 50\nparams:\n  hz: 5\n")
	built, err := Build(sc, Deps{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, ok := built.Adapter.(*simulated.Adapter); !ok {
		t.Fatalf("adapter = %T", built.Adapter)
	}
	if built.Capacity != 50 {
		t.Errorf("Capacity = %d, want 50", built.Capacity)
	}
	if len(built.Options) != 2 {
		t.Errorf("options = %d, want kind and description", len(built.Options))
	}
}

func TestBuild_NoParams(t *testing.T) {
	sc := sensorConfig(t, "id: sim0\nkind: simulated\n")
	built, err := Build(sc, Deps{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.Capacity != config.DefaultCapacity {
		t.Errorf("Capacity = %d, want default", built.Capacity)
	}
}

func TestBuild_Serial(t *testing.T) {
	tests := []struct {
		doc  string
		kind string
	}{
		{"id: gps1\nkind: gps\nparams:\n  port: /dev/ttyS1\n  rate_hz: 2\n", KindGPS},
		{"id: imu1\nkind: imu\n", KindIMU},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			built, err := Build(sensorConfig(t, tt.doc), Deps{})
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if _, ok := built.Adapter.(*serialline.Adapter); !ok {
				t.Fatalf("adapter = %T", built.Adapter)
			}
		})
	}
}

func TestBuild_Livox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mid360.json")
	if err := os.WriteFile(path, []byte(mid360), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	doc := "id: livox\nkind: livox\nparams:\n  config_path: " + path + "\n  listen_addr: 127.0.0.1:0\n  child_capacity: 64\n"

	ingest := &countingIngest{}
	built, err := Build(sensorConfig(t, doc), Deps{IngestMetrics: ingest.provider})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	a, ok := built.Adapter.(*livox.Adapter)
	if !ok {
		t.Fatalf("adapter = %T", built.Adapter)
	}
	if len(built.Options) != 2 {
		t.Errorf("options = %d, want kind and child capacity", len(built.Options))
	}
	if len(ingest.listeners) != 1 || ingest.listeners[0] != "livox" {
		t.Errorf("ingest metrics requested for %v", ingest.listeners)
	}
	if got := a.Info().SensorID; got != "livox" {
		t.Errorf("SensorID = %q", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    string
		wantErr error
	}{
		{"unknown kind", "id: x\nkind: sonar\n", "sonar", ErrUnknownKind},
		{"unknown param", "id: s\nkind: simulated\nparams:\n  frequency: 3\n", "frequency", nil},
		{"bad serial params", "id: g\nkind: gps\nparams:\n  baudrate: -1\n", "baudrate must be positive", nil},
		{"bad param type", "id: g\nkind: gps\nparams:\n  rate_hz: fast\n", "sensor g (gps)", nil},
		{"negative child capacity", "id: l\nkind: livox\nparams:\n  child_capacity: -1\n", "child_capacity", nil},
		{"missing livox config", "id: l\nkind: livox\nparams:\n  config_path: /nonexistent/mid360.json\n", "reading livox config", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(sensorConfig(t, tt.doc))
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want it to mention %q", err, tt.want)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKinds(t *testing.T) {
	if got := Kinds(); len(got) != 4 {
		t.Errorf("Kinds() = %v", got)
	}
}
