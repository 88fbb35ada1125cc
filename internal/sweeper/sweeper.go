// ABOUTME: Cron-driven eviction of expired content filters
// ABOUTME: Optional; reads already hide expired filters, this only bounds storage

package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Target deletes filters that lapsed at or before now.
type Target interface {
	DeleteExpiredFilters(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs DeleteExpiredFilters on a cron schedule.
type Sweeper struct {
	target   Target
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time

	runs    atomic.Int64
	removed atomic.Int64
}

// New creates a sweeper for the given standard cron spec or @descriptor.
// Pass nil logger for default.
func New(target Target, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", schedule, err)
	}

	s := &Sweeper{
		target:   target,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("scheduled sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling sweep: %w", err)
	}

	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped", "runs", s.runs.Load(), "removed", s.removed.Load())
}

// RunOnce deletes expired filters now and returns how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	removed, err := s.target.DeleteExpiredFilters(ctx, s.now())
	s.runs.Add(1)
	if err != nil {
		return 0, fmt.Errorf("deleting expired filters: %w", err)
	}
	s.removed.Add(removed)
	s.logger.Debug("sweep finished", "removed", removed)
	return removed, nil
}

// Runs reports how many sweeps have executed.
func (s *Sweeper) Runs() int64 {
	return s.runs.Load()
}
