package ndjson

import (
	"errors"
	"testing"
)

func TestHandleIP(t *testing.T) {
	tests := []struct {
		handle uint32
		want   string
	}{
		{167880896, "192.168.1.10"},
		{167772170, "10.0.0.10"},
		{0, "0.0.0.0"},
		{0xFFFFFFFF, "255.255.255.255"},
	}
	for _, tt := range tests {
		if got := HandleIP(tt.handle); got != tt.want {
			t.Errorf("HandleIP(%d) = %q, want %q", tt.handle, got, tt.want)
		}
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver(map[string]string{"192.168.1.10": "mid360_front"})

	if got := r.Resolve(167880896); got != "mid360_front" {
		t.Errorf("known handle resolved to %q", got)
	}
	if got := r.Resolve(167772170); got != "10.0.0.10" {
		t.Errorf("unknown handle resolved to %q, want dotted IP", got)
	}

	var nilResolver *Resolver
	if got := nilResolver.Resolve(167772170); got != "10.0.0.10" {
		t.Errorf("nil resolver resolved to %q", got)
	}
}

func TestParseLine(t *testing.T) {
	r := NewResolver(map[string]string{"192.168.1.10": "mid360_front"})

	tests := []struct {
		name    string
		line    string
		want    Line
		wantErr error
	}{
		{
			name: "frame with explicit id",
			line: `{"type":"frame","lidar_id":"mid360_front","ts_us":123,"n_points":64}`,
			want: Line{Type: TypeFrame, DeviceID: "mid360_front", CaptureUS: 123},
		},
		{
			name: "explicit id wins over handle",
			line: `{"type":"imu","lidar_id":"rear","handle":167880896,"ts_us":5}`,
			want: Line{Type: TypeIMU, DeviceID: "rear", CaptureUS: 5},
		},
		{
			name: "handle mapped through config",
			line: `{"type":"info","handle":167880896,"ts":2}`,
			want: Line{Type: TypeInfo, DeviceID: "mid360_front", CaptureUS: 2e6},
		},
		{
			name: "empty id falls back to handle",
			line: `{"type":"push","lidar_id":"","handle":167772170,"ts_us":1}`,
			want: Line{Type: TypePush, DeviceID: "10.0.0.10", CaptureUS: 1},
		},
		{
			name: "ack",
			line: `{"type":"ack","lidar_id":"a","ts_us":0,"cmd":"set_work_mode"}`,
			want: Line{Type: TypeAck, DeviceID: "a"},
		},
		{name: "not json", line: `hello`, wantErr: ErrMalformedLine},
		{name: "truncated", line: `{"type":"frame","lidar_id":"x"`, wantErr: ErrMalformedLine},
		{name: "array", line: `[1,2]`, wantErr: ErrMalformedLine},
		{name: "id wrong type", line: `{"type":"frame","lidar_id":7,"ts_us":1}`, wantErr: ErrMalformedLine},
		{name: "negative handle", line: `{"type":"frame","handle":-1,"ts_us":1}`, wantErr: ErrMalformedLine},
		{name: "string ts", line: `{"type":"frame","lidar_id":"x","ts_us":"1"}`, wantErr: ErrMalformedLine},
		{name: "missing type", line: `{"lidar_id":"x","ts_us":1}`, wantErr: ErrMissingType},
		{name: "unknown type", line: `{"type":"log","lidar_id":"x","ts_us":1}`, wantErr: ErrMissingType},
		{name: "null", line: `null`, wantErr: ErrMissingType},
		{name: "missing identity", line: `{"type":"frame","ts_us":1}`, wantErr: ErrMissingIdentity},
		{name: "missing time", line: `{"type":"frame","lidar_id":"x"}`, wantErr: ErrMissingTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine([]byte(tt.line), r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseLine() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseLine() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
