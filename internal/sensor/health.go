package sensor

import (
	"sync"
	"time"
)

// State is the lifecycle state of a registered sensor.
type State string

// Lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

// DefaultMaxFailures is the number of consecutive read failures after which
// an adapter reports StateFailed.
const DefaultMaxFailures = 5

// Health is the self-reported condition of an adapter.
type Health struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success"`
	Dropped             uint64    `json:"dropped"`
}

// HealthTracker records failures and successes for an adapter and derives
// its Health. It is safe for concurrent use: the producer goroutine writes
// while the manager reads.
type HealthTracker struct {
	mu          sync.Mutex
	h           Health
	maxFailures int
}

// NewHealthTracker creates a tracker that reports StateFailed after
// maxFailures consecutive failures. Non-positive values use DefaultMaxFailures.
func NewHealthTracker(maxFailures int) *HealthTracker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &HealthTracker{
		h:           Health{State: StateStopped},
		maxFailures: maxFailures,
	}
}

// Starting marks the adapter as starting and clears the failure count.
func (t *HealthTracker) Starting() {
	t.mu.Lock()
	t.h.State = StateStarting
	t.h.ConsecutiveFailures = 0
	t.mu.Unlock()
}

// Success records a good read.
func (t *HealthTracker) Success() {
	t.mu.Lock()
	t.h.State = StateRunning
	t.h.ConsecutiveFailures = 0
	t.h.LastSuccess = time.Now()
	t.mu.Unlock()
}

// Failure records a transient read failure. It returns true once the
// consecutive failure count has reached the budget and the adapter is Failed.
func (t *HealthTracker) Failure(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.h.ConsecutiveFailures++
	if err != nil {
		t.h.LastError = err.Error()
	}
	if t.h.ConsecutiveFailures >= t.maxFailures {
		t.h.State = StateFailed
		return true
	}
	t.h.State = StateDegraded
	return false
}

// Drop records discarded input. It degrades a running adapter but does not
// count toward the failure budget.
func (t *HealthTracker) Drop(err error) {
	t.mu.Lock()
	t.h.Dropped++
	if err != nil {
		t.h.LastError = err.Error()
	}
	if t.h.State == StateRunning {
		t.h.State = StateDegraded
	}
	t.mu.Unlock()
}

// Fail marks a permanent failure.
func (t *HealthTracker) Fail(err error) {
	t.mu.Lock()
	t.h.State = StateFailed
	if err != nil {
		t.h.LastError = err.Error()
	}
	t.mu.Unlock()
}

// Stopped marks the adapter as stopped.
func (t *HealthTracker) Stopped() {
	t.mu.Lock()
	t.h.State = StateStopped
	t.mu.Unlock()
}

// Snapshot returns a copy of the current health.
func (t *HealthTracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}
