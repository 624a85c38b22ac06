// Package maintenance runs the periodic housekeeping jobs: terminal-task
// retention sweeps, cache and dedupe expiry purges, feedback log pruning, and
// metric rollup flushes. Jobs are best-effort; a failed run logs and waits
// for the next tick.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/harrier-ai/harrier/internal/feedback"
	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/queue"
	"github.com/harrier-ai/harrier/internal/router"
)

// jobTimeout bounds one maintenance run.
const jobTimeout = 5 * time.Minute

// Scheduler owns the cron loop for housekeeping jobs.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week.
type Scheduler struct {
	cron *cron.Cron

	tasks      *queue.Store
	cache      *router.Cache
	guardStore *guard.Store
	metrics    *guard.Recorder
	loop       *feedback.Loop

	retentionDays int
	flushEvery    time.Duration
}

// New creates a scheduler over the stores it maintains. Any store may be nil;
// its jobs are skipped.
func New(tasks *queue.Store, cache *router.Cache, guardStore *guard.Store, metrics *guard.Recorder, loop *feedback.Loop, retentionDays int, flushEvery time.Duration) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		tasks:         tasks,
		cache:         cache,
		guardStore:    guardStore,
		metrics:       metrics,
		loop:          loop,
		retentionDays: retentionDays,
		flushEvery:    flushEvery,
	}
}

// Register adds the housekeeping cron entries: purges every 15 minutes,
// retention sweep daily at 03:10, metric flush on its own interval.
func (s *Scheduler) Register() error {
	if _, err := s.cron.AddFunc("*/15 * * * *", s.runPurges); err != nil {
		return fmt.Errorf("registering purge job: %w", err)
	}
	if _, err := s.cron.AddFunc("10 3 * * *", s.runRetention); err != nil {
		return fmt.Errorf("registering retention job: %w", err)
	}

	every := s.flushEvery
	if every <= 0 {
		every = 5 * time.Minute
	}
	spec := fmt.Sprintf("@every %s", every)
	if _, err := s.cron.AddFunc(spec, s.runFlush); err != nil {
		return fmt.Errorf("registering metric flush job: %w", err)
	}
	return nil
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("maintenance_started")
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// runPurges drops expired cache entries and dedupe records.
func (s *Scheduler) runPurges() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if s.cache != nil {
		if n, err := s.cache.PurgeExpired(ctx); err != nil {
			log.Warn().Err(err).Msg("cache_purge_failed")
		} else if n > 0 {
			log.Info().Int64("purged", n).Msg("cache_entries_purged")
		}
	}
	if s.guardStore != nil {
		if n, err := s.guardStore.PurgeExpiredDedupe(ctx); err != nil {
			log.Warn().Err(err).Msg("dedupe_purge_failed")
		} else if n > 0 {
			log.Info().Int64("purged", n).Msg("dedupe_records_purged")
		}
	}
}

// runRetention sweeps terminal tasks and old feedback outcomes past the
// retention window.
func (s *Scheduler) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if s.tasks != nil {
		if n, err := s.tasks.SweepTerminal(ctx, s.retentionDays); err != nil {
			log.Warn().Err(err).Msg("retention_sweep_failed")
		} else {
			log.Info().Int64("swept", n).Int("retention_days", s.retentionDays).Msg("terminal_tasks_swept")
		}
	}
	if s.loop != nil {
		if n, err := s.loop.PurgeOutcomes(ctx, s.retentionDays); err != nil {
			log.Warn().Err(err).Msg("outcome_purge_failed")
		} else if n > 0 {
			log.Info().Int64("purged", n).Msg("feedback_outcomes_purged")
		}
	}
}

// runFlush persists in-memory metric rollups.
func (s *Scheduler) runFlush() {
	if s.metrics == nil || s.guardStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.metrics.Flush(ctx, s.guardStore)
}
