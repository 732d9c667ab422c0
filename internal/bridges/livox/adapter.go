package livox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/sensorhub/internal/bridges/ndjson"
	"github.com/nerrad567/sensorhub/internal/process"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// Environment variables read for defaults.
const (
	ConfigPathEnv = "MID360_CONFIG_PATH"
	BridgeExeEnv  = "LIVOX_BRIDGE_EXE"
)

// DefaultConfigPath is used when neither params nor MID360_CONFIG_PATH name one.
const DefaultConfigPath = "configs/mid360_config.json"

// Transport names reported by Info.
const (
	TransportUDP    = "udp"
	TransportStdout = "stdout"
)

// Errors returned by bridge and control operations.
var (
	ErrNotStarted    = errors.New("livox: adapter not started")
	ErrNoBridge      = errors.New("livox: no bridge executable configured")
	ErrUnknownDevice = errors.New("livox: unknown device")
)

// Config configures the Livox adapter.
type Config struct {
	SensorID string `yaml:"-"`

	// ConfigPath is the multi-device JSON handed to the bridge.
	ConfigPath string `yaml:"config_path"`

	// ListenAddr is where NDJSON datagrams arrive.
	ListenAddr string `yaml:"listen_addr"`

	// ControlAddr is the bridge's command socket.
	ControlAddr string `yaml:"control_addr"`

	// BridgeExe, if set, is launched and supervised alongside the listener.
	BridgeExe string `yaml:"bridge_exe"`

	// UseUDP selects the datagram transport. False reads the bridge's
	// stdout instead and requires BridgeExe.
	UseUDP *bool `yaml:"use_udp"`

	// MaxFailures is the consecutive socket error budget.
	MaxFailures int `yaml:"max_failures"`

	BridgeStopTimeout time.Duration `yaml:"-"`
}

// Info is the adapter and bridge status.
type Info struct {
	SensorID       string            `json:"sensor_id"`
	ConfigPath     string            `json:"config_path"`
	Transport      string            `json:"transport"`
	ListenAddr     string            `json:"udp_listen_addr,omitempty"`
	ListenPort     int               `json:"udp_listen_port,omitempty"`
	ControlAddr    string            `json:"control_addr"`
	FramesReceived uint64            `json:"frames_received"`
	StatsReceived  uint64            `json:"stats_received"`
	Lines          uint64            `json:"lines"`
	Malformed      uint64            `json:"malformed"`
	ByType         map[string]uint64 `json:"by_type"`
	Configured     []string          `json:"configured_devices"`
	Devices        []string          `json:"devices_seen"`
	BridgeRunning  bool              `json:"bridge_running"`
	Bridge         *process.Stats    `json:"bridge,omitempty"`
}

// Adapter ingests NDJSON from the Livox bridge, optionally supervising the
// bridge process, and relays control commands to it. Each lidar becomes a
// child sensor named by its configured id.
type Adapter struct {
	cfg      Config
	devices  *DeviceConfig
	useUDP   bool
	health   *sensor.HealthTracker
	decoder  *ndjson.Decoder
	listener *ndjson.Listener
	control  *ndjson.Controller
	logger   sensor.Logger

	mu     sync.Mutex
	ctx    context.Context
	sink   sensor.Sink
	bridge *process.Manager
}

// New loads the device config and builds the adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = os.Getenv(ConfigPathEnv)
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = DefaultConfigPath
	}
	if cfg.BridgeExe == "" {
		cfg.BridgeExe = os.Getenv(BridgeExeEnv)
	}
	if cfg.BridgeStopTimeout <= 0 {
		cfg.BridgeStopTimeout = 2 * time.Second
	}

	devices, err := LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	useUDP := true
	switch {
	case cfg.UseUDP != nil:
		useUDP = *cfg.UseUDP
	case devices.Bridge != nil && devices.Bridge.Stdout:
		useUDP = false
	}
	if !useUDP && cfg.BridgeExe == "" {
		return nil, fmt.Errorf("livox: stdout transport needs bridge_exe: %w", ErrNoBridge)
	}

	if cfg.ListenAddr == "" && devices.Bridge != nil && devices.Bridge.NDJSONUDPPort > 0 {
		cfg.ListenAddr = net.JoinHostPort(ndjson.DefaultHost, strconv.Itoa(devices.Bridge.NDJSONUDPPort))
	}

	a := &Adapter{
		cfg:     cfg,
		devices: devices,
		useUDP:  useUDP,
		control: ndjson.NewController(cfg.ControlAddr),
		logger:  noopLogger{},
	}
	if useUDP {
		a.listener = ndjson.NewListener(ndjson.Config{
			Addr:        cfg.ListenAddr,
			Devices:     devices.Devices(),
			MaxFailures: cfg.MaxFailures,
		})
		a.decoder = a.listener.Decoder()
	} else {
		a.health = sensor.NewHealthTracker(cfg.MaxFailures)
		a.decoder = ndjson.NewDecoder(devices.Devices(), a.health)
	}
	return a, nil
}

// SetLogger sets the logger for the adapter.
func (a *Adapter) SetLogger(logger sensor.Logger) {
	if logger == nil {
		return
	}
	a.logger = logger
	if a.listener != nil {
		a.listener.SetLogger(logger)
	} else {
		a.decoder.SetLogger(logger)
	}
}

// SetMetrics sets the ingest metrics sink. Must be called before Start.
func (a *Adapter) SetMetrics(m ndjson.Metrics) {
	if a.listener != nil {
		a.listener.SetMetrics(m)
	} else {
		a.decoder.SetMetrics(m)
	}
}

// Start begins ingestion and, when a bridge executable is configured,
// launches the bridge.
func (a *Adapter) Start(ctx context.Context, sink sensor.Sink) error {
	if sink == nil {
		return errors.New("livox: nil sink")
	}

	a.mu.Lock()
	a.ctx = ctx
	a.sink = sink
	a.mu.Unlock()

	if a.listener != nil {
		if err := a.listener.Start(ctx, sink); err != nil {
			return err
		}
	} else {
		a.health.Starting()
	}

	if a.cfg.BridgeExe == "" {
		return nil
	}
	if err := a.StartBridge(); err != nil {
		if a.listener != nil {
			a.listener.Stop()
		}
		if a.health != nil {
			a.health.Fail(err)
		}
		return err
	}
	if a.health != nil {
		a.health.Success()
	}
	return nil
}

// Stop stops the bridge and the listener.
func (a *Adapter) Stop() {
	if err := a.StopBridge(); err != nil {
		a.logger.Warn("stopping livox bridge", "error", err)
	}
	if a.listener != nil {
		a.listener.Stop()
	} else {
		a.health.Stopped()
	}

	a.mu.Lock()
	a.ctx, a.sink = nil, nil
	a.mu.Unlock()
}

// Health reports the ingest side's condition.
func (a *Adapter) Health() sensor.Health {
	if a.listener != nil {
		return a.listener.Health()
	}
	return a.health.Snapshot()
}

// StartBridge launches the bridge process. It is a no-op when the bridge
// is already running.
func (a *Adapter) StartBridge() error {
	if a.cfg.BridgeExe == "" {
		return ErrNoBridge
	}

	a.mu.Lock()
	ctx := a.ctx
	if ctx == nil {
		a.mu.Unlock()
		return ErrNotStarted
	}
	if a.bridge == nil {
		a.bridge = process.NewManager(a.bridgeConfig())
		a.bridge.SetLogger(a.logger)
	}
	bridge := a.bridge
	a.mu.Unlock()

	err := bridge.Start(ctx)
	if errors.Is(err, process.ErrAlreadyRunning) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("starting livox bridge: %w", err)
	}
	return nil
}

// StopBridge interrupts the bridge process, killing it if it ignores the
// interrupt.
func (a *Adapter) StopBridge() error {
	a.mu.Lock()
	bridge := a.bridge
	a.mu.Unlock()
	if bridge == nil {
		return nil
	}
	return bridge.Stop()
}

// BridgeRunning reports whether the bridge process is up.
func (a *Adapter) BridgeRunning() bool {
	a.mu.Lock()
	bridge := a.bridge
	a.mu.Unlock()
	return bridge != nil && bridge.IsRunning()
}

func (a *Adapter) bridgeConfig() process.Config {
	configPath := a.cfg.ConfigPath
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	cfg := process.DefaultConfig("livox_bridge", a.cfg.BridgeExe, nil)
	cfg.Env = []string{ConfigPathEnv + "=" + configPath}
	cfg.StopTimeout = a.cfg.BridgeStopTimeout
	cfg.OnExit = func(err error) {
		if err == nil {
			return
		}
		err = fmt.Errorf("bridge exited: %w", err)
		if a.listener != nil {
			a.listener.ReportFailure(err)
			return
		}
		a.health.Failure(err)
	}
	if !a.useUDP {
		cfg.Args = []string{"--stdout"}
		cfg.OnStdout = func(line []byte) {
			a.mu.Lock()
			sink := a.sink
			a.mu.Unlock()
			if sink != nil {
				a.decoder.Feed(line, sink)
			}
		}
	}
	return cfg
}

// SendCommand validates cmd against the configured devices and sends it to
// the bridge.
func (a *Adapter) SendCommand(ctx context.Context, cmd ndjson.Command) error {
	if !a.HasDevice(cmd.LidarID) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, cmd.LidarID)
	}
	return a.control.Send(ctx, cmd)
}

// HasDevice reports whether id is a configured lidar.
func (a *Adapter) HasDevice(id string) bool {
	for _, l := range a.devices.Lidars {
		if l.ID == id {
			return true
		}
	}
	return false
}

// ResolveDevice returns device if it is configured, or the only configured
// lidar when device is empty.
func (a *Adapter) ResolveDevice(device string) (string, error) {
	if device == "" {
		if len(a.devices.Lidars) == 1 {
			return a.devices.Lidars[0].ID, nil
		}
		return "", fmt.Errorf("%w: device is required when %d lidars are configured", ErrUnknownDevice, len(a.devices.Lidars))
	}
	if !a.HasDevice(device) {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	return device, nil
}

// Config returns the device config document as loaded.
func (a *Adapter) Config() json.RawMessage {
	return a.devices.Raw
}

// Devices returns the parsed device config.
func (a *Adapter) Devices() *DeviceConfig {
	return a.devices
}

// Info returns a snapshot of the adapter and bridge.
func (a *Adapter) Info() Info {
	var st ndjson.Stats
	if a.listener != nil {
		st = a.listener.Stats()
	} else {
		st = a.decoder.Stats()
	}

	info := Info{
		SensorID:    a.cfg.SensorID,
		ConfigPath:  a.cfg.ConfigPath,
		Transport:   TransportStdout,
		ControlAddr: a.control.Addr(),
		Lines:       st.Lines,
		Malformed:   st.Malformed,
		ByType:      st.ByType,
		Devices:     st.Devices,
	}
	if a.useUDP {
		info.Transport = TransportUDP
		info.ListenAddr = st.Addr
		if _, port, err := net.SplitHostPort(st.Addr); err == nil {
			info.ListenPort, _ = strconv.Atoi(port)
		}
	}
	for typ, n := range st.ByType {
		if typ == ndjson.TypeFrame {
			info.FramesReceived += n
		} else {
			info.StatsReceived += n
		}
	}
	for _, l := range a.devices.Lidars {
		info.Configured = append(info.Configured, l.ID)
	}

	a.mu.Lock()
	bridge := a.bridge
	a.mu.Unlock()
	if bridge != nil {
		stats := bridge.Stats()
		info.Bridge = &stats
		info.BridgeRunning = stats.Status == process.StatusRunning
	}
	return info
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
