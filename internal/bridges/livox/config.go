package livox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
)

// ErrInvalidConfig wraps every device config validation failure.
var ErrInvalidConfig = errors.New("livox: invalid config")

// Bridge-side port defaults.
const (
	DefaultCmdDataPort   = 56000
	DefaultPointDataPort = 56301
	DefaultIMUDataPort   = 58000
)

// Lidar is one device entry of the bridge config.
type Lidar struct {
	ID            string `json:"id"`
	LidarIP       string `json:"lidar_ip"`
	HostIP        string `json:"host_ip"`
	CmdDataPort   int    `json:"cmd_data_port"`
	PointDataPort int    `json:"point_data_port"`
	IMUDataPort   int    `json:"imu_data_port"`
	NDJSONUDPPort int    `json:"ndjson_udp_port,omitempty"`
}

// BridgeOptions is the optional bridge block.
type BridgeOptions struct {
	Stdout        bool `json:"stdout,omitempty"`
	NDJSONUDPPort int  `json:"ndjson_udp_port,omitempty"`
}

// DeviceConfig is the multi-device JSON file read by the native bridge.
type DeviceConfig struct {
	Lidars []Lidar         `json:"lidars"`
	Bridge *BridgeOptions  `json:"bridge,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// Devices maps each lidar IP to its id.
func (c *DeviceConfig) Devices() map[string]string {
	out := make(map[string]string, len(c.Lidars))
	for _, l := range c.Lidars {
		out[l.LidarIP] = l.ID
	}
	return out
}

// LoadConfig reads and validates a bridge config file.
func LoadConfig(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading livox config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig validates data and decodes it.
func ParseConfig(data []byte) (*DeviceConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return &cfg, nil
}

var (
	requiredLidarKeys = []string{"id", "lidar_ip", "host_ip", "cmd_data_port", "point_data_port", "imu_data_port"}
	lidarPortKeys     = []string{"cmd_data_port", "point_data_port", "imu_data_port", "ndjson_udp_port"}
	allowedLidarKeys  = map[string]bool{
		"id": true, "lidar_ip": true, "host_ip": true,
		"cmd_data_port": true, "point_data_port": true, "imu_data_port": true,
		"ndjson_udp_port": true,
	}
	allowedBridgeKeys = map[string]bool{"stdout": true, "ndjson_udp_port": true}
	allowedTopKeys    = map[string]bool{"lidars": true, "bridge": true}
)

// Validate checks a decoded JSON document (numbers as json.Number) and
// reports every problem at once.
func Validate(doc any) error {
	top, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: top-level must be an object", ErrInvalidConfig)
	}

	var errs []string
	lidars, ok := top["lidars"].([]any)
	if !ok || len(lidars) == 0 {
		errs = append(errs, "'lidars' must be a non-empty array")
	} else {
		for i, item := range lidars {
			errs = append(errs, validateLidar(i, item)...)
		}
	}

	if raw, present := top["bridge"]; present {
		errs = append(errs, validateBridge(raw)...)
	}

	if len(unknownKeys(top, allowedTopKeys)) > 0 {
		errs = append(errs, "top-level contains unknown keys")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func validateLidar(i int, item any) []string {
	l, ok := item.(map[string]any)
	if !ok {
		return []string{fmt.Sprintf("lidars[%d] must be an object", i)}
	}

	var errs []string
	for _, k := range requiredLidarKeys {
		if _, ok := l[k]; !ok {
			errs = append(errs, fmt.Sprintf("lidars[%d].%s is required", i, k))
		}
	}

	if v, ok := l["id"]; ok {
		if s, isStr := v.(string); !isStr || s == "" {
			errs = append(errs, fmt.Sprintf("lidars[%d].id must be a non-empty string", i))
		}
	}

	for _, k := range []string{"lidar_ip", "host_ip"} {
		if v, ok := l[k]; ok && !isIPv4(v) {
			errs = append(errs, fmt.Sprintf("lidars[%d].%s must be a valid IPv4 string", i, k))
		}
	}

	for _, k := range lidarPortKeys {
		if v, ok := l[k]; ok && !isPort(v) {
			errs = append(errs, fmt.Sprintf("lidars[%d].%s must be integer in [1,65535]", i, k))
		}
	}

	if extra := unknownKeys(l, allowedLidarKeys); len(extra) > 0 {
		errs = append(errs, fmt.Sprintf("lidars[%d] contains unknown keys: %v", i, extra))
	}
	return errs
}

func validateBridge(raw any) []string {
	b, ok := raw.(map[string]any)
	if !ok {
		return []string{"'bridge' must be an object"}
	}

	var errs []string
	if v, ok := b["stdout"]; ok {
		if _, isBool := v.(bool); !isBool {
			errs = append(errs, "bridge.stdout must be boolean")
		}
	}
	if v, ok := b["ndjson_udp_port"]; ok && !isPort(v) {
		errs = append(errs, "bridge.ndjson_udp_port must be integer in [1,65535]")
	}
	if extra := unknownKeys(b, allowedBridgeKeys); len(extra) > 0 {
		errs = append(errs, fmt.Sprintf("bridge contains unknown keys: %v", extra))
	}
	return errs
}

func isIPv4(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

func isPort(v any) bool {
	n, ok := v.(json.Number)
	if !ok {
		return false
	}
	p, err := n.Int64()
	return err == nil && p >= 1 && p <= 65535
}

func unknownKeys(m map[string]any, allowed map[string]bool) []string {
	var extra []string
	for k := range m {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}
