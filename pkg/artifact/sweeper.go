package artifact

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/odvcencio/chartshot/pkg/logging"
	"github.com/odvcencio/chartshot/pkg/telemetry"
)

// SweeperConfig configures the Sweeper.
type SweeperConfig struct {
	Dir      string
	TTL      time.Duration
	Interval time.Duration
	Now      func() time.Time
	Logger   *logging.Logger
	Hub      telemetry.Publisher
}

// DefaultSweeperConfig returns a 30 minute TTL swept every minute.
func DefaultSweeperConfig(dir string) SweeperConfig {
	return SweeperConfig{
		Dir:      dir,
		TTL:      30 * time.Minute,
		Interval: time.Minute,
	}
}

// Sweeper deletes image files, and temp files abandoned mid-write, older
// than a TTL.
type Sweeper struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *logging.Logger
	hub      telemetry.Publisher
	remove   func(path string) error
}

// NewSweeper creates a sweeper. Zero durations fall back to the defaults.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	defaults := DefaultSweeperConfig(cfg.Dir)
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		dir:      cfg.Dir,
		ttl:      cfg.TTL,
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   cfg.Logger,
		hub:      cfg.Hub,
		remove:   os.Remove,
	}
}

// Sweep removes every image or leftover temp file whose age at now exceeds
// the TTL and returns how many were removed. Per-entry failures are logged
// and skipped; only a failure to list the directory is returned.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !(isImage(entry.Name()) || isPartial(entry.Name())) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn(logging.CategorySweep, "sweep.stat_failed", err.Error(), map[string]any{"name": entry.Name()})
			continue
		}
		if now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		if err := s.remove(filepath.Join(s.dir, entry.Name())); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn(logging.CategorySweep, "sweep.remove_failed", err.Error(), map[string]any{"name": entry.Name()})
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info(logging.CategorySweep, "sweep.completed", "removed expired screenshots", map[string]any{
			"removed": removed,
			"ttl":     s.ttl.String(),
		})
		if s.hub != nil {
			s.hub.Publish(telemetry.Event{
				Type: telemetry.EventArtifactSwept,
				Data: map[string]any{"removed": removed},
			})
		}
	}
	return removed, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(s.now()); err != nil {
				s.logger.Error(logging.CategorySweep, "sweep.failed", err.Error(), map[string]any{"dir": s.dir})
			}
		}
	}
}

// Start runs the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}
