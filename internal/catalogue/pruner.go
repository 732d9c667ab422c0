package catalogue

import (
	"context"
	"time"
)

// defaultPruneInterval is how often expired health events are deleted.
const defaultPruneInterval = time.Hour

// Pruner deletes health events older than a retention window.
type Pruner struct {
	repo      Repository
	retention time.Duration
	interval  time.Duration
	logger    Logger
	now       func() time.Time
}

// NewPruner creates a pruner. A non-positive interval uses one hour.
func NewPruner(repo Repository, retention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &Pruner{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger. Call before Run.
func (p *Pruner) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// PruneNow deletes every event older than the retention window and
// returns how many were removed.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.repo.PruneEvents(wctx, p.now().Add(-p.retention))
}

// Run prunes once at start and then every interval until ctx is cancelled.
// It returns immediately when retention is not positive.
func (p *Pruner) Run(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PruneNow(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("pruning health events failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
