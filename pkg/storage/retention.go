package storage

import (
	"context"
	"time"

	"github.com/odvcencio/chartshot/pkg/logging"
)

// Retainer periodically prunes capture history older than a retention window.
type Retainer struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *logging.Logger
}

// RetainerConfig configures a Retainer. Interval defaults to an hour.
type RetainerConfig struct {
	Retention time.Duration
	Interval  time.Duration
	Now       func() time.Time
	Logger    *logging.Logger
}

func NewRetainer(store *Store, cfg RetainerConfig) *Retainer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Retainer{
		store:     store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// PruneOnce removes runs that started before now minus the retention window.
// A zero retention keeps everything.
func (r *Retainer) PruneOnce(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.retention)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info(logging.CategoryStorage, "history.pruned", "pruned capture history", map[string]any{
			"removed": n,
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		})
	}
	return n, nil
}

// Run prunes once immediately and then on every interval until ctx ends.
func (r *Retainer) Run(ctx context.Context) error {
	if r.retention <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error(logging.CategoryStorage, "history.prune_failed", err.Error(), nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
