package outbox

import (
	"context"
	"log/slog"
	"time"
)

// CachePruner is a local store with time-based retention.
type CachePruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// PruneResult counts rows removed by one prune.
type PruneResult struct {
	Outbox int64
	Cache  int64
}

// Defaults.
const (
	DefaultRetention      = 30 * 24 * time.Hour
	DefaultPruneInterval  = time.Hour
	DefaultPruneInitDelay = 5 * time.Second
)

// Pruner deletes SENT outbox rows and local cache rows older than the
// retention period. PENDING, IN_PROGRESS and FAILED rows are never pruned.
type Pruner struct {
	store        Store
	cache        CachePruner
	retention    time.Duration
	interval     time.Duration
	initialDelay time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewPruner creates a pruner with a 30 day retention, running hourly after
// an initial 5s delay.
func NewPruner(store Store) *Pruner {
	return &Pruner{
		store:        store,
		retention:    DefaultRetention,
		interval:     DefaultPruneInterval,
		initialDelay: DefaultPruneInitDelay,
		logger:       slog.Default().With("component", "outbox.pruner"),
		now:          time.Now,
	}
}

// WithLocalCache also prunes c.
func (p *Pruner) WithLocalCache(c CachePruner) *Pruner {
	p.cache = c
	return p
}

// WithRetention sets how long SENT rows are kept.
func (p *Pruner) WithRetention(d time.Duration) *Pruner {
	if d > 0 {
		p.retention = d
	}
	return p
}

// WithInterval sets the prune period.
func (p *Pruner) WithInterval(d time.Duration) *Pruner {
	if d > 0 {
		p.interval = d
	}
	return p
}

// WithInitialDelay sets the delay before the first prune.
func (p *Pruner) WithInitialDelay(d time.Duration) *Pruner {
	if d >= 0 {
		p.initialDelay = d
	}
	return p
}

// WithLogger sets a custom logger.
func (p *Pruner) WithLogger(l *slog.Logger) *Pruner {
	if l != nil {
		p.logger = l
	}
	return p
}

// WithClock overrides the time source.
func (p *Pruner) WithClock(now func() time.Time) *Pruner {
	if now != nil {
		p.now = now
	}
	return p
}

// Start prunes after the initial delay and then every interval until ctx is
// cancelled. Returns ctx.Err().
func (p *Pruner) Start(ctx context.Context) error {
	delay := time.NewTimer(p.initialDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-delay.C:
		p.PruneOnce(ctx)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes everything older than the retention period.
func (p *Pruner) PruneOnce(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	cutoff := p.now().Add(-p.retention)

	n, err := p.store.DeleteSent(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to prune outbox", "error", err)
		return res, err
	}
	res.Outbox = n

	if p.cache != nil {
		n, err := p.cache.Prune(ctx, cutoff)
		if err != nil {
			p.logger.Error("failed to prune local cache", "error", err)
			return res, err
		}
		res.Cache = n
	}

	if res.Outbox > 0 || res.Cache > 0 {
		p.logger.Info("pruned old rows", "outbox", res.Outbox, "cache", res.Cache, "cutoff", cutoff)
	}
	return res, nil
}
