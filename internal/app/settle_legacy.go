package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

// SettleLegacyOffchain settles accepted pledges that predate on-chain escrow
// once their goal is complete and both the review window and deadline passed.
func (s *Service) SettleLegacyOffchain(ctx context.Context) (*domain.SettlementRunResult, error) {
	pledges, err := s.repo.ListUnsettledAcceptedPledges(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy pledges: %w", err)
	}
	goals, err := s.loadGoals(ctx, pledges)
	if err != nil {
		return nil, fmt.Errorf("failed to load goals for legacy settlement: %w", err)
	}

	cmd := domain.ViaLegacyOffchain{ReviewWindow: s.cfg.DefaultReviewWindow}
	result := &domain.SettlementRunResult{Failures: []domain.SettlementFailure{}}

	for _, p := range pledges {
		goal := goalFor(goals, p.GoalID)
		if err := domain.PlanSettlement(p, goal, cmd, s.now()); err != nil {
			if domain.IsNotYetEligible(err) {
				result.Skipped++
				continue
			}
			result.Failed++
			result.Failures = append(result.Failures, domain.SettlementFailure{PledgeID: p.ID, Kind: domain.FailureKindValidation, Error: err.Error()})
			continue
		}

		if _, err := s.settleOffchain(ctx, p, *goal, cmd); err != nil {
			if errors.Is(err, ErrPledgeStateChanged) {
				result.Skipped++
				continue
			}
			log.Printf("level=error component=service flow=settle_legacy msg=\"pledge settlement failed\" pledge_id=%s err=%v", p.ID, err)
			result.Failed++
			result.Failures = append(result.Failures, domain.SettlementFailure{PledgeID: p.ID, Kind: domain.FailureKindPersistence, Error: err.Error()})
			continue
		}
		result.Settled++
	}

	log.Printf("level=info component=service flow=settle_legacy msg=\"legacy settlement run complete\" settled=%d skipped=%d failed=%d", result.Settled, result.Skipped, result.Failed)
	return result, nil
}
