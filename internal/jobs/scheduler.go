/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/theWinterDojer/baseline-sub000/internal/config"
)

var errNoJobsScheduled = errors.New("no pledge jobs could be scheduled")

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.SchedulerConfig
}

// NewScheduler creates a new scheduler instance. A job still running when its
// next tick fires is skipped rather than stacked.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if err := s.register(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) register() error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "offer expiry", schedule: s.config.ExpireOffersJobSchedule, run: s.jobs.ExpireOverdueOffers},
		{name: "drift reconciliation", schedule: s.config.ReconcileJobSchedule, run: s.jobs.ReconcileOnchainPledges},
		{name: "no-response settlement", schedule: s.config.SettleOverdueJobSchedule, run: s.jobs.SettleOverdueNoResponse},
		{name: "legacy settlement", schedule: s.config.SettleLegacyJobSchedule, run: s.jobs.SettleLegacyOffchain},
	}

	registered := 0
	for _, entry := range entries {
		if entry.schedule == "" || entry.schedule == "-" {
			s.logger.Info("job disabled", "job", entry.name)
			continue
		}
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			s.logger.Error("failed to schedule job", "job", entry.name, "schedule", entry.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", entry.name, "schedule", entry.schedule)
		registered++
	}

	if registered == 0 {
		return errNoJobsScheduled
	}
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
