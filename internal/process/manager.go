package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the state of a supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// maxOutputLine bounds a single captured output line.
const maxOutputLine = 64 * 1024

// ErrAlreadyRunning is returned by Start when the process is active.
var ErrAlreadyRunning = errors.New("process: already running")

// Config describes a supervised process.
type Config struct {
	// Name identifies the process in logs.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are passed to the binary.
	Args []string

	// Env entries (KEY=value) are appended to the parent environment.
	Env []string

	// WorkDir is the working directory; empty inherits the parent's.
	WorkDir string

	// RestartOnFailure restarts the process after an unrequested exit.
	RestartOnFailure bool

	// RestartDelay is the wait before each restart.
	RestartDelay time.Duration

	// MaxRestartAttempts limits restarts. 0 means unlimited.
	MaxRestartAttempts int

	// StopTimeout is how long to wait after SIGINT before SIGKILL.
	StopTimeout time.Duration

	// Liveness, if set, is probed every LivenessInterval. The process is
	// killed after three consecutive failures.
	Liveness         func(ctx context.Context) error
	LivenessInterval time.Duration

	// OnExit is called after the process exits, with nil for a requested stop.
	OnExit func(err error)

	// OnStdout, if set, receives each stdout line instead of the logger.
	// The slice is only valid for the duration of the call.
	OnStdout func(line []byte)
}

// DefaultConfig returns a Config that restarts the binary on failure.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:               name,
		Binary:             binary,
		Args:               args,
		RestartOnFailure:   true,
		RestartDelay:       2 * time.Second,
		MaxRestartAttempts: 10,
		StopTimeout:        2 * time.Second,
		LivenessInterval:   10 * time.Second,
	}
}

// Logger defines the logging interface for the supervisor.
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

// Manager supervises one external process.
type Manager struct {
	cfg    Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restarts      int
	lastErr       error
	startedAt     time.Time
	stopRequested bool
	done          chan struct{}
}

// NewManager creates a supervisor. Zero durations take defaults.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = 10 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process and its monitor goroutine. The process lives
// until Stop is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.cfg.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.restarts = 0
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.spawn(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastErr = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.monitor(ctx)
	return nil
}

func (m *Manager) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.cfg.Binary, m.cfg.Args...) //nolint:gosec // binary comes from validated config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}
	if m.cfg.WorkDir != "" {
		cmd.Dir = m.cfg.WorkDir
	}
	// SIGINT lets the bridge uninitialise the vendor SDK.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = m.cfg.StopTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.cfg.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startedAt = time.Now()
	m.mu.Unlock()

	go m.forwardLines("stdout", stdout)
	go m.forwardLines("stderr", stderr)

	m.logger.Info("process started", "name", m.cfg.Name, "pid", cmd.Process.Pid, "binary", m.cfg.Binary)
	return nil
}

// forwardLines logs each output line of the process.
func (m *Manager) forwardLines(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxOutputLine)
	for sc.Scan() {
		if stream == "stdout" && m.cfg.OnStdout != nil {
			m.cfg.OnStdout(sc.Bytes())
			continue
		}
		m.logger.Debug("process output", "name", m.cfg.Name, "stream", stream, "line", sc.Text())
	}
}

// wait blocks until the process exits, ctx is done, or liveness fails
// three times in a row.
func (m *Manager) wait(ctx context.Context, cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if m.cfg.Liveness == nil {
		return <-exited
	}

	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case err := <-exited:
			return err
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.LivenessInterval)
			err := m.cfg.Liveness(probeCtx)
			cancel()
			if err == nil {
				misses = 0
				continue
			}
			misses++
			m.logger.Warn("liveness probe failed", "name", m.cfg.Name, "error", err, "misses", misses)
			if misses < 3 {
				continue
			}
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-exited
			return fmt.Errorf("killed after %d failed liveness probes: %w", misses, err)
		}
	}
}

// monitor restarts the process after unrequested exits.
func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()

		err := m.wait(ctx, cmd)

		m.mu.Lock()
		requested := m.stopRequested || ctx.Err() != nil
		if requested {
			m.status = StatusStopped
		} else {
			m.status = StatusFailed
			m.lastErr = err
		}
		m.mu.Unlock()

		if requested {
			m.logger.Info("process stopped", "name", m.cfg.Name)
			if m.cfg.OnExit != nil {
				m.cfg.OnExit(nil)
			}
			return
		}

		if err == nil {
			err = errors.New("exited with status 0")
		}
		m.logger.Warn("process exited unexpectedly", "name", m.cfg.Name, "error", err)
		if m.cfg.OnExit != nil {
			m.cfg.OnExit(err)
		}
		if !m.cfg.RestartOnFailure {
			return
		}

		m.mu.Lock()
		if m.cfg.MaxRestartAttempts > 0 && m.restarts >= m.cfg.MaxRestartAttempts {
			m.mu.Unlock()
			m.logger.Error("process restart budget exhausted", "name", m.cfg.Name, "attempts", m.cfg.MaxRestartAttempts)
			return
		}
		m.restarts++
		attempt := m.restarts
		m.mu.Unlock()

		m.logger.Info("restarting process", "name", m.cfg.Name, "attempt", attempt, "delay", m.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RestartDelay):
		}

		m.mu.RLock()
		stop := m.stopRequested
		m.mu.RUnlock()
		if stop {
			m.mu.Lock()
			m.status = StatusStopped
			m.mu.Unlock()
			return
		}

		if err := m.spawn(ctx); err != nil {
			m.logger.Error("process restart failed", "name", m.cfg.Name, "error", err)
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
			return
		}
	}
}

// Stop interrupts the process group, escalating to SIGKILL after
// StopTimeout. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	running := m.status == StatusRunning || m.status == StatusStarting
	m.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.cfg.Name, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGINT); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("interrupting process group failed", "name", m.cfg.Name, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn("process ignored interrupt, killing", "name", m.cfg.Name, "timeout", m.cfg.StopTimeout)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing %s: %w", m.cfg.Name, err)
	}
	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		return fmt.Errorf("process %s did not exit after SIGKILL", m.cfg.Name)
	}
	return nil
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning reports whether the process is running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// Stats is a snapshot of the supervised process.
type Stats struct {
	Name          string  `json:"name"`
	Status        Status  `json:"status"`
	PID           int     `json:"pid,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	Restarts      int     `json:"restarts"`
	LastError     string  `json:"last_error,omitempty"`
}

// Stats returns a snapshot of the process state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Name: m.cfg.Name, Status: m.status, Restarts: m.restarts}
	if m.cmd != nil && m.cmd.Process != nil && m.status == StatusRunning {
		st.PID = m.cmd.Process.Pid
		st.UptimeSeconds = time.Since(m.startedAt).Seconds()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
