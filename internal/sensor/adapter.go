package sensor

import (
	"context"
	"time"
)

// Adapter is a producer that bridges one sensor source into samples.
//
// Start launches the producer goroutine and returns; samples are written
// through sink. Stop must be idempotent, safe to call after a Start that
// failed partway, and return within a bounded time. Health reports the
// adapter's own view of its condition.
type Adapter interface {
	Start(ctx context.Context, sink Sink) error
	Stop()
	Health() Health
}

// Sink is the write handle the Manager hands to an adapter.
//
// A sample whose SensorID is empty or equals the registration's ID lands in
// the registration's buffer. Any other ID auto-registers a child sensor,
// which lets one adapter multiplex several devices.
type Sink interface {
	Push(s Sample) error
}

// Logger defines the logging interface used by the sensor package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Backoff computes retry delays that double from Initial up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s, then 5s between attempts.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 5 * time.Second}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Wait sleeps for d or until ctx is done. It reports whether the full delay
// elapsed.
func Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
