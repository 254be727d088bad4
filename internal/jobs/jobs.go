/**
 * @description
 * Scheduled job implementations for the scheduler-service. Each job triggers
 * one pledge-service procedure and logs its summary.
 */
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/theWinterDojer/baseline-sub000/internal/config"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

const (
	jobTimeout          = 10 * time.Minute
	maxReconcilePages   = 50
	maxLoggedDriftItems = 100
)

// PledgeClient defines the interface for triggering pledge-service procedures.
type PledgeClient interface {
	ExpireOverdueOffers(ctx context.Context) (*domain.ExpiryResult, error)
	ReconcileOnchainPledges(ctx context.Context, limit, offset int) (*domain.DriftReport, error)
	SettleOverdueNoResponse(ctx context.Context) (*domain.SettlementRunResult, error)
	SettleLegacyOffchain(ctx context.Context) (*domain.SettlementRunResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client PledgeClient
	logger *slog.Logger
	config config.SchedulerConfig
}

// NewJobs creates a new Jobs runner.
func NewJobs(client PledgeClient, logger *slog.Logger, cfg config.SchedulerConfig) *Jobs {
	return &Jobs{
		client: client,
		logger: logger,
		config: cfg,
	}
}

// ExpireOverdueOffers marks stale offers as expired.
func (j *Jobs) ExpireOverdueOffers() {
	j.logger.Info("starting offer expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := j.client.ExpireOverdueOffers(ctx)
	if err != nil {
		j.logger.Error("failed to expire overdue offers", "error", err)
		return
	}

	j.logger.Info("offer expiry job finished", "expired", result.Expired)
}

// ReconcileOnchainPledges walks every page of chain-linked pledges and logs drift.
func (j *Jobs) ReconcileOnchainPledges() {
	j.logger.Info("starting drift reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	limit := j.config.ReconcileJobLimit
	if limit <= 0 {
		limit = 200
	}

	var scanned, drifted, driftItems, logged int
	for page := 0; page < maxReconcilePages; page++ {
		report, err := j.client.ReconcileOnchainPledges(ctx, limit, page*limit)
		if err != nil {
			j.logger.Error("failed to reconcile onchain pledges", "offset", page*limit, "error", err)
			return
		}

		scanned += report.Scanned
		drifted += report.Drifted
		driftItems += report.DriftItems
		for _, drift := range report.Drifts {
			if logged >= maxLoggedDriftItems {
				break
			}
			j.logger.Warn("pledge drift detected",
				"pledge_id", drift.PledgeID,
				"issue", drift.Issue,
				"expected", drift.Expected,
				"actual", drift.Actual,
				"onchain_pledge_id", drift.OnchainPledgeID,
			)
			logged++
		}

		if report.Scanned < limit {
			break
		}
		if page == maxReconcilePages-1 {
			j.logger.Warn("drift reconciliation stopped at page cap", "pages", maxReconcilePages, "limit", limit)
		}
	}

	j.logger.Info("drift reconciliation job finished", "scanned", scanned, "drifted", drifted, "drift_items", driftItems)
}

// SettleOverdueNoResponse force-settles escrows whose sponsor never responded.
func (j *Jobs) SettleOverdueNoResponse() {
	j.logger.Info("starting no-response settlement job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := j.client.SettleOverdueNoResponse(ctx)
	if err != nil {
		j.logger.Error("failed to settle overdue pledges", "error", err)
		return
	}

	j.logSettlementRun("no-response settlement job finished", result)
}

// SettleLegacyOffchain settles accepted pledges that never had an escrow.
func (j *Jobs) SettleLegacyOffchain() {
	j.logger.Info("starting legacy settlement job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := j.client.SettleLegacyOffchain(ctx)
	if err != nil {
		j.logger.Error("failed to settle legacy pledges", "error", err)
		return
	}

	j.logSettlementRun("legacy settlement job finished", result)
}

func (j *Jobs) logSettlementRun(msg string, result *domain.SettlementRunResult) {
	for _, failure := range result.Failures {
		attrs := []any{"pledge_id", failure.PledgeID, "kind", failure.Kind, "error", failure.Error}
		if failure.SettlementTx != "" {
			attrs = append(attrs, "settlement_tx", failure.SettlementTx)
		}
		j.logger.Error("pledge settlement failed", attrs...)
	}
	j.logger.Info(msg, "settled", result.Settled, "skipped", result.Skipped, "failed", result.Failed)
}
