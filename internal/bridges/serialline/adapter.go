package serialline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/time/rate"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

// Default read timeout and line bound.
const (
	DefaultReadTimeout = time.Second
	maxLineLength      = 4096
)

// ErrLineTooLong is recorded when a device writes more than maxLineLength
// bytes without a newline.
var ErrLineTooLong = errors.New("serialline: line too long")

// Port is an open serial device.
type Port interface {
	io.ReadCloser
}

// Opener opens the named device at the given baud rate. Reads on the
// returned port should time out periodically by returning (0, nil).
type Opener func(name string, baud int, readTimeout time.Duration) (Port, error)

// OpenSerial opens a real device through go.bug.st/serial.
func OpenSerial(name string, baud int, readTimeout time.Duration) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}
	return p, nil
}

// Config configures a line reader.
type Config struct {
	SensorID string `yaml:"-"`

	// Port is the device path, e.g. /dev/ttyACM0.
	Port string `yaml:"port"`

	// Baud is the line speed.
	Baud int `yaml:"baudrate"`

	// Field is the payload key each line is stored under ("nmea", "imu_text").
	Field string `yaml:"-"`

	// RateHz limits published lines per second. Zero publishes every line.
	RateHz float64 `yaml:"rate_hz"`

	// MaxFailures is the consecutive failure budget. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	ReadTimeout time.Duration  `yaml:"-"`
	Backoff     sensor.Backoff `yaml:"-"`
	Opener      Opener         `yaml:"-"`
}

// GPS returns the defaults for a u-blox style NMEA receiver.
func GPS() Config {
	return Config{Port: "/dev/ttyACM0", Baud: 9600, Field: "nmea"}
}

// IMU returns the defaults for an ASCII IMU on a USB serial adapter.
func IMU() Config {
	return Config{Port: "/dev/ttyUSB0", Baud: 115200, Field: "imu_text"}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []string
	if c.Port == "" {
		errs = append(errs, "port is required")
	}
	if c.Baud <= 0 {
		errs = append(errs, "baudrate must be positive")
	}
	if c.Field == "" {
		errs = append(errs, "payload field is required")
	}
	if c.RateHz < 0 {
		errs = append(errs, "rate_hz must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("serialline: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Adapter reads newline-terminated text from a serial device and publishes
// each non-empty line as {Field: line}. A closed or failing device is
// reopened with backoff until the failure budget is spent.
type Adapter struct {
	cfg     Config
	health  *sensor.HealthTracker
	limiter *rate.Limiter
	logger  sensor.Logger
	now     func() time.Time
	wait    func(context.Context, time.Duration) bool

	// seq survives Stop/Start so a restarted loop continues numbering.
	seq sensor.Sequencer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a line reader. Zero timing fields take defaults.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = sensor.DefaultBackoff()
	}
	if cfg.Opener == nil {
		cfg.Opener = OpenSerial
	}

	a := &Adapter{
		cfg:    cfg,
		health: sensor.NewHealthTracker(cfg.MaxFailures),
		logger: noopLogger{},
		now:    time.Now,
		wait:   sensor.Wait,
	}
	if cfg.RateHz > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateHz), 1)
	}
	return a, nil
}

// SetLogger sets the logger for the adapter.
func (a *Adapter) SetLogger(logger sensor.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Start launches the read loop. The device is opened by the loop, so an
// absent device shows up as failures rather than a Start error.
func (a *Adapter) Start(ctx context.Context, sink sensor.Sink) error {
	if sink == nil {
		return errors.New("serialline: nil sink")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return errors.New("serialline: already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.health.Starting()

	go a.run(loopCtx, sink, a.done)
	return nil
}

// Stop cancels the loop and waits for it to exit. The loop observes
// cancellation within one read timeout.
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

func (a *Adapter) run(ctx context.Context, sink sensor.Sink, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		emitted, err := a.session(ctx, sink)
		if ctx.Err() != nil {
			a.health.Stopped()
			return
		}

		if a.health.Failure(err) {
			a.logger.Error("serial device failed", "port", a.cfg.Port, "error", err)
			return
		}
		// A session that delivered data starts the backoff over.
		if emitted > 0 {
			attempt = 0
		}
		attempt++
		delay := a.cfg.Backoff.Delay(attempt)
		a.logger.Warn("serial read failed, retrying", "port", a.cfg.Port, "error", err, "retry_in", delay)
		if !a.wait(ctx, delay) {
			a.health.Stopped()
			return
		}
	}
}

// session opens the device and reads lines until an error or cancellation.
// It reports how many samples reached the sink.
func (a *Adapter) session(ctx context.Context, sink sensor.Sink) (int, error) {
	port, err := a.cfg.Opener(a.cfg.Port, a.cfg.Baud, a.cfg.ReadTimeout)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", a.cfg.Port, err)
	}
	defer port.Close() //nolint:errcheck // nothing useful to do on close failure

	// Closing the port unblocks a Read on drivers that ignore the timeout.
	stop := context.AfterFunc(ctx, func() { port.Close() }) //nolint:errcheck
	defer stop()

	buf := make([]byte, 512)
	var line []byte
	emitted := 0
	for {
		n, err := port.Read(buf)
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		if n > 0 {
			line = append(line, buf[:n]...)
			for {
				i := bytes.IndexByte(line, '\n')
				if i < 0 {
					break
				}
				if a.emit(sink, line[:i]) {
					emitted++
				}
				line = line[i+1:]
			}
			if len(line) > maxLineLength {
				a.health.Drop(ErrLineTooLong)
				line = line[:0]
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return emitted, fmt.Errorf("reading %s: device closed", a.cfg.Port)
			}
			return emitted, fmt.Errorf("reading %s: %w", a.cfg.Port, err)
		}
	}
}

// emit publishes one line and reports whether the sink accepted it.
func (a *Adapter) emit(sink sensor.Sink, raw []byte) bool {
	text := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
	if text == "" {
		return false
	}
	if a.limiter != nil && !a.limiter.Allow() {
		return false
	}

	smp, err := sensor.NewSample(a.cfg.SensorID, a.seq.Next(), a.now(), map[string]string{a.cfg.Field: text})
	if err == nil {
		err = sink.Push(smp)
	}
	if err != nil {
		a.health.Drop(err)
		return false
	}
	a.health.Success()
	return true
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
