package simulated

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

// DefaultHz is the emission rate when Config.Hz is not positive.
const DefaultHz = 20.0

// Config configures the sine-wave source.
type Config struct {
	// SensorID stamps each sample. Empty lets the sink use the registration ID.
	SensorID string `yaml:"-"`

	// Hz is the emission rate. Default: 20.
	Hz float64 `yaml:"hz"`
}

// Reading is the payload of one simulated sample.
type Reading struct {
	Value float64 `json:"value"`
	Phase float64 `json:"phase"`
}

// Adapter emits sin(t) at a fixed rate, advancing t by 1/Hz per sample.
type Adapter struct {
	cfg    Config
	health *sensor.HealthTracker
	now    func() time.Time

	// seq survives Stop/Start so a restarted loop continues numbering.
	seq sensor.Sequencer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a simulated adapter.
func New(cfg Config) *Adapter {
	if cfg.Hz <= 0 {
		cfg.Hz = DefaultHz
	}
	return &Adapter{
		cfg:    cfg,
		health: sensor.NewHealthTracker(sensor.DefaultMaxFailures),
		now:    time.Now,
	}
}

// Start launches the emission loop.
func (a *Adapter) Start(ctx context.Context, sink sensor.Sink) error {
	if sink == nil {
		return errors.New("simulated: nil sink")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return errors.New("simulated: already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.health.Starting()

	go a.run(loopCtx, sink, a.done)
	return nil
}

func (a *Adapter) run(ctx context.Context, sink sensor.Sink, done chan struct{}) {
	defer close(done)
	defer a.health.Stopped()

	step := 1.0 / a.cfg.Hz
	ticker := time.NewTicker(time.Duration(float64(time.Second) * step))
	defer ticker.Stop()

	t := 0.0
	for {
		smp, err := sensor.NewSample(a.cfg.SensorID, a.seq.Next(), a.now(), Reading{Value: math.Sin(t), Phase: t})
		if err == nil {
			err = sink.Push(smp)
		}
		if err != nil {
			a.health.Drop(err)
		} else {
			a.health.Success()
		}
		t += step

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

// Health returns the adapter's view of its condition.
func (a *Adapter) Health() sensor.Health {
	return a.health.Snapshot()
}
