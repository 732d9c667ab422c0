package catalogue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sensorhub/internal/sensor"
)

const (
	defaultQueueSize = 256
	drainTimeout     = 2 * time.Second
	writeTimeout     = 5 * time.Second
)

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type op func(ctx context.Context, repo Repository) error

// Recorder implements sensor.Observer by queueing writes to a Repository.
// Observer callbacks never block; a full queue drops the write.
type Recorder struct {
	repo    Repository
	queue   chan op
	logger  Logger
	dropped atomic.Uint64
	now     func() time.Time
}

var _ sensor.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder with a queue of size entries.
func NewRecorder(repo Repository, size int) *Recorder {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan op, size),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger. Call before Run.
func (r *Recorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Dropped returns how many writes were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) SensorRegistered(info sensor.Info) {
	s := &Sensor{
		ID:           info.ID,
		Kind:         info.Kind,
		Description:  info.Description,
		ParentID:     info.Parent,
		Capacity:     info.Capacity,
		RegisteredAt: r.now(),
	}
	r.enqueue(func(ctx context.Context, repo Repository) error {
		return repo.UpsertSensor(ctx, s)
	})
}

func (r *Recorder) SensorRemoved(id string) {
	at := r.now()
	r.enqueue(func(ctx context.Context, repo Repository) error {
		return repo.MarkRemoved(ctx, id, at)
	})
}

func (r *Recorder) StateChanged(t sensor.Transition) {
	e := &HealthEvent{
		SensorID:   t.SensorID,
		From:       string(t.From),
		To:         string(t.To),
		Reason:     t.Reason,
		OccurredAt: t.At,
	}
	r.enqueue(func(ctx context.Context, repo Repository) error {
		return repo.AppendEvent(ctx, e)
	})
}

func (r *Recorder) enqueue(o op) {
	select {
	case r.queue <- o:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("catalogue queue full, dropping writes")
		}
	}
}

// Run applies queued writes until ctx is cancelled, then drains what is
// left for up to two seconds.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case o := <-r.queue:
			r.apply(ctx, o)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case o := <-r.queue:
			r.apply(ctx, o)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Recorder) apply(ctx context.Context, o op) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := o(wctx, r.repo); err != nil {
		r.logger.Error("catalogue write failed", "error", err)
	}
}
