/**
 * @description
 * This is the main entry point for the scheduler-service.
 * This service is a non-HTTP, long-running process that triggers the pledge
 * procedures on cron schedules through the pledge-service trigger endpoints.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/theWinterDojer/baseline-sub000/internal/config"
	"github.com/theWinterDojer/baseline-sub000/internal/jobs"
	"github.com/theWinterDojer/baseline-sub000/pkg/pledgeclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	client := pledgeclient.NewClient(cfg.PledgeServiceURL, cfg.CronSecret)
	runner := jobs.NewJobs(client, logger, *cfg)
	scheduler := jobs.NewScheduler(runner, logger, *cfg)

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "pledge_service_url", cfg.PledgeServiceURL)

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for running jobs to finish
	logger.Info("scheduler stopped gracefully")
}
