// Package maintenance runs background housekeeping against the task store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the purge hourly.
const DefaultSchedule = "@every 1h"

// Purger deletes terminal tasks last updated before a cutoff.
type Purger interface {
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
}

// Config controls the retention purge. A zero Retention disables it.
type Config struct {
	Schedule  string        `mapstructure:"schedule"`
	Retention time.Duration `mapstructure:"retention"`
}

// Scheduler purges completed and failed tasks on a cron schedule. Paused
// tasks are never purged regardless of age.
type Scheduler struct {
	purger    Purger
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	running atomic.Bool
	purged  atomic.Int64
}

// New creates a Scheduler. The schedule accepts standard five-field cron
// expressions and descriptors such as "@hourly" or "@every 30m".
func New(p Purger, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative, got %s", cfg.Retention)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		purger:    p,
		schedule:  schedule,
		retention: cfg.Retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Enabled reports whether a retention window is configured.
func (s *Scheduler) Enabled() bool {
	return s.retention > 0
}

// Purged returns the number of tasks removed since the scheduler was created.
func (s *Scheduler) Purged() int64 {
	return s.purged.Load()
}

// Start launches the background loop. It is a no-op when purging is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Info("task retention purge disabled")
		return nil
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("maintenance scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("task retention purge started", slog.Duration("retention", s.retention))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("task retention purge failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce purges terminal tasks older than the retention window. Overlapping
// calls return immediately with zero.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	cutoff := s.now().Add(-s.retention)
	n, err := s.purger.PurgeFinished(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.purged.Add(int64(n))
	if n > 0 {
		s.logger.Info("purged finished tasks", slog.Int("count", n), slog.Time("before", cutoff))
	}
	return n, nil
}

// Stop ends the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("task retention purge stopped")
}
