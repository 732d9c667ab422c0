package sensor

import (
	"context"
	"time"
)

// Run polls adapter health every SuperviseInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SuperviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.supervise()
		}
	}
}

// supervise runs one health pass over every adapter-backed sensor.
func (m *Manager) supervise() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sensors))
	for _, e := range m.sensors {
		if e.adapter != nil {
			entries = append(entries, e)
		}
	}
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return
	}
	for _, e := range entries {
		m.superviseOne(e)
	}
}

func (m *Manager) superviseOne(e *entry) {
	h := e.adapter.Health()
	now := m.now()

	m.mu.Lock()
	if e.removed.Load() || e.exhausted {
		m.mu.Unlock()
		return
	}

	prev := e.state
	next := h.State
	reason := h.LastError
	switch {
	case e.startFailed:
		next = StateFailed
		reason = e.lastErr
	case next == StateStopped:
		// The adapter's loop exited without being asked to.
		next = StateFailed
		if reason == "" {
			reason = "adapter stopped"
		}
	}

	if next == StateFailed && prev != StateFailed {
		e.failedSince = now
	}
	e.state = next
	if h.LastError != "" {
		e.lastErr = h.LastError
	}

	restart := next == StateFailed && now.Sub(e.failedSince) >= m.cfg.FailureGrace
	if restart && e.restarts >= m.cfg.RestartBudget {
		e.exhausted = true
		restart = false
		m.logger.Error("sensor restart budget exhausted", "sensor_id", e.info.ID, "restarts", e.restarts)
	}
	if restart {
		e.restarts++
	}
	attempt := e.restarts
	m.mu.Unlock()

	if prev != next {
		m.notifyTransition(Transition{SensorID: e.info.ID, From: prev, To: next, Reason: reason, At: now})
	}

	if restart {
		m.logger.Info("restarting adapter", "sensor_id", e.info.ID, "attempt", attempt, "budget", m.cfg.RestartBudget)
		if m.metrics != nil {
			m.metrics.AdapterRestarted(e.info.ID)
		}
		m.stopAdapter(e)
		m.setState(e, StateStarting, "restart")
		m.startAdapter(e)
	}
}
