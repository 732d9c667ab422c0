package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/sensorhub/internal/bridges/ndjson"
	"github.com/nerrad567/sensorhub/internal/infrastructure/mqtt"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// defaultCommandTimeout bounds a single relayed command.
const defaultCommandTimeout = 5 * time.Second

// Subscriber is the MQTT side of the relay.
type Subscriber interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// AdapterLookup resolves the adapter that owns a sensor. Child sensors
// resolve to their owner's adapter.
type AdapterLookup interface {
	Adapter(id string) (sensor.Adapter, error)
}

// CommandTarget is an adapter that accepts device control commands.
type CommandTarget interface {
	SendCommand(ctx context.Context, cmd ndjson.Command) error
	HasDevice(id string) bool
	ResolveDevice(device string) (string, error)
}

// CommandRelay forwards commands from the MQTT command topics to the
// adapter owning the addressed sensor and publishes the outcome.
type CommandRelay struct {
	client  Subscriber
	lookup  AdapterLookup
	topics  mqtt.Topics
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	running bool

	logger   Logger
	loggerMu sync.RWMutex
}

// NewCommandRelay creates a relay for the given hub.
func NewCommandRelay(hubID string, client Subscriber, lookup AdapterLookup) *CommandRelay {
	return &CommandRelay{
		client:  client,
		lookup:  lookup,
		topics:  mqtt.Topics{Hub: hubID},
		timeout: defaultCommandTimeout,
		now:     time.Now,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for this relay.
func (r *CommandRelay) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *CommandRelay) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Start subscribes to the command topics.
func (r *CommandRelay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if err := r.client.Subscribe(r.topics.AllCommands(), 1, r.handleMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	r.running = true
	return nil
}

// Stop unsubscribes from the command topics.
func (r *CommandRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	if err := r.client.Unsubscribe(r.topics.AllCommands()); err != nil {
		r.getLogger().Debug("unsubscribing from commands", "error", err)
	}
}

func (r *CommandRelay) handleMessage(topic string, payload []byte) error {
	sensorID, ok := r.topics.SensorFromTopic(topic)
	if !ok {
		r.getLogger().Warn("command on unexpected topic", "topic", topic)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	result := r.Execute(ctx, sensorID, payload)
	r.publishResult(result)
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}
	return nil
}

// Execute decodes and forwards one command addressed to sensorID.
func (r *CommandRelay) Execute(ctx context.Context, sensorID string, payload []byte) CommandResult {
	result := CommandResult{SensorID: sensorID, Timestamp: r.now().UTC()}

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return failed(result, ErrCodeInvalidMessage, "invalid JSON: "+err.Error())
	}
	result.CommandID = msg.ID
	result.Cmd = msg.Cmd

	adapter, err := r.lookup.Adapter(sensorID)
	if err != nil {
		return failed(result, ErrCodeUnknownSensor, err.Error())
	}
	target, ok := adapter.(CommandTarget)
	if !ok {
		return failed(result, ErrCodeNotSupported, "sensor "+sensorID+" does not accept commands")
	}

	device := msg.LidarID
	if device == "" && target.HasDevice(sensorID) {
		device = sensorID
	}
	device, err = target.ResolveDevice(device)
	if err != nil {
		return failed(result, ErrCodeInvalidCommand, err.Error())
	}

	cmd := ndjson.Command{Cmd: msg.Cmd, LidarID: device, Params: msg.Params}
	if err := cmd.Validate(); err != nil {
		return failed(result, ErrCodeInvalidCommand, err.Error())
	}
	if err := target.SendCommand(ctx, cmd); err != nil {
		return failed(result, ErrCodeSendFailed, err.Error())
	}

	r.getLogger().Info("command relayed",
		"sensor_id", sensorID,
		"lidar_id", device,
		"cmd", msg.Cmd,
		"source", msg.Source,
	)
	result.Status = ResultAccepted
	return result
}

func failed(result CommandResult, code, message string) CommandResult {
	result.Status = ResultFailed
	result.Error = &ResultError{Code: code, Message: message}
	return result
}

func (r *CommandRelay) publishResult(result CommandResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		r.getLogger().Error("encoding command result", "error", err)
		return
	}
	if err := r.client.Publish(r.topics.CommandResult(result.SensorID), payload, 1, false); err != nil {
		r.getLogger().Warn("publishing command result failed", "sensor_id", result.SensorID, "error", err)
	}
}
