package ndjson

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

// Listener defaults.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 18080
	DefaultReadDeadline = 100 * time.Millisecond
	maxDatagram         = 65535
)

// PortEnv overrides the default listen port.
const PortEnv = "LIVOX_UDP_PORT"

// DefaultListenAddr returns 127.0.0.1:18080, or the port from LIVOX_UDP_PORT.
func DefaultListenAddr() string {
	port := fmt.Sprint(DefaultPort)
	if v := os.Getenv(PortEnv); v != "" {
		port = v
	}
	return net.JoinHostPort(DefaultHost, port)
}

// Metrics receives ingest counters. Implemented by the Prometheus registry.
type Metrics interface {
	DatagramReceived(n int)
	LineAccepted()
	LineMalformed()
	SocketError()
}

type noopMetrics struct{}

func (noopMetrics) DatagramReceived(int) {}
func (noopMetrics) LineAccepted()        {}
func (noopMetrics) LineMalformed()       {}
func (noopMetrics) SocketError()         {}

// Config configures a Listener.
type Config struct {
	// Addr is the local host:port to bind.
	Addr string

	// Devices maps lidar IPv4 addresses to device ids for handle lookups.
	Devices map[string]string

	// ReadDeadline bounds each receive so Stop is observed promptly.
	ReadDeadline time.Duration

	// MaxFailures is the consecutive socket error budget.
	MaxFailures int

	Backoff sensor.Backoff
}

// Listener is an Adapter that binds a datagram socket and turns every
// valid line into a Sample for the device it names. Devices the Manager
// has not seen are auto-registered through the sink.
type Listener struct {
	cfg     Config
	health  *sensor.HealthTracker
	decoder *Decoder
	metrics Metrics
	logger  sensor.Logger

	mu     sync.Mutex
	conn   net.PacketConn
	cancel context.CancelFunc
	done   chan struct{}

	datagrams atomic.Uint64
}

// NewListener creates a listener. Zero fields take defaults.
func NewListener(cfg Config) *Listener {
	if cfg.Addr == "" {
		cfg.Addr = DefaultListenAddr()
	}
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = DefaultReadDeadline
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = sensor.Backoff{Initial: 10 * time.Millisecond, Max: time.Second}
	}
	health := sensor.NewHealthTracker(cfg.MaxFailures)
	return &Listener{
		cfg:     cfg,
		health:  health,
		decoder: NewDecoder(cfg.Devices, health),
		metrics: noopMetrics{},
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the listener.
func (l *Listener) SetLogger(logger sensor.Logger) {
	if logger != nil {
		l.logger = logger
		l.decoder.SetLogger(logger)
	}
}

// SetMetrics sets the ingest metrics sink. Must be called before Start.
func (l *Listener) SetMetrics(m Metrics) {
	if m != nil {
		l.metrics = m
		l.decoder.SetMetrics(m)
	}
}

// Start binds the socket and launches the receive loop.
func (l *Listener) Start(ctx context.Context, sink sensor.Sink) error {
	if sink == nil {
		return errors.New("ndjson: nil sink")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return errors.New("ndjson: already started")
	}

	l.health.Starting()
	conn, err := net.ListenPacket("udp", l.cfg.Addr)
	if err != nil {
		err = fmt.Errorf("binding %s: %w", l.cfg.Addr, err)
		l.health.Fail(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.conn = conn
	l.cancel = cancel
	l.done = make(chan struct{})
	l.health.Success()
	l.logger.Info("ndjson listener bound", "addr", conn.LocalAddr().String())

	go l.run(loopCtx, conn, sink, l.done)
	return nil
}

// Stop closes the socket and waits for the receive loop.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done, conn := l.cancel, l.done, l.conn
	l.cancel, l.done, l.conn = nil, nil, nil
	l.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	conn.Close() //nolint:errcheck // unblocks ReadFrom
	<-done
}

// Health returns the listener's view of its condition.
func (l *Listener) Health() sensor.Health {
	return l.health.Snapshot()
}

// ReportFailure records a failure of the upstream producer, such as the
// bridge process exiting. It counts toward the failure budget like a socket
// error and is cleared by the next datagram.
func (l *Listener) ReportFailure(err error) bool {
	return l.health.Failure(err)
}

// LocalAddr returns the bound address, or nil when not running.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Addr returns the configured listen address.
func (l *Listener) Addr() string {
	return l.cfg.Addr
}

// Stats returns a snapshot of the counters.
func (l *Listener) Stats() Stats {
	st := l.decoder.Stats()
	st.Addr = l.cfg.Addr
	st.Datagrams = l.datagrams.Load()
	if addr := l.LocalAddr(); addr != nil {
		st.Addr = addr.String()
	}
	return st
}

// Decoder returns the line decoder shared with non-socket sources.
func (l *Listener) Decoder() *Decoder {
	return l.decoder
}

func (l *Listener) run(ctx context.Context, conn net.PacketConn, sink sensor.Sink, done chan struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagram)
	attempt := 0

	for {
		if ctx.Err() != nil {
			l.health.Stopped()
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadDeadline)); err != nil && ctx.Err() == nil {
			l.logger.Debug("setting read deadline failed", "error", err)
		}

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				l.health.Stopped()
				return
			}
			l.metrics.SocketError()
			if l.health.Failure(err) {
				l.logger.Error("ndjson listener failed", "addr", l.cfg.Addr, "error", err)
				return
			}
			attempt++
			if !sensor.Wait(ctx, l.cfg.Backoff.Delay(attempt)) {
				l.health.Stopped()
				return
			}
			continue
		}
		attempt = 0

		l.datagrams.Add(1)
		l.metrics.DatagramReceived(n)
		l.decoder.Feed(buf[:n], sink)
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
