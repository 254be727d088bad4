package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/theWinterDojer/baseline-sub000/internal/domain"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

type pledgeOutcome int

const (
	outcomeSettled pledgeOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// ReviewWindow reads the review window from the default escrow contract and
// falls back to the configured default when it cannot be read.
func (s *Service) ReviewWindow(ctx context.Context) time.Duration {
	if s.chain == nil || s.cfg.DefaultEscrowAddress == "" {
		return s.cfg.DefaultReviewWindow
	}
	window, err := s.chain.ReviewWindow(ctx, s.cfg.DefaultEscrowAddress)
	if err != nil {
		log.Printf("level=warn component=service flow=settle_no_response msg=\"review window unreadable, using default\" default_seconds=%d err=%v", int64(s.cfg.DefaultReviewWindow.Seconds()), err)
		return s.cfg.DefaultReviewWindow
	}
	return window
}

// SettleOverdueNoResponse force-settles on-chain pledges whose sponsor did not
// respond within the review window after goal completion and whose deadline has
// passed. Pledges are processed one at a time; no single failure stops the batch.
func (s *Service) SettleOverdueNoResponse(ctx context.Context) (*domain.SettlementRunResult, error) {
	if s.chain == nil {
		return nil, &ConfigError{Setting: "CHAIN_RPC_URL"}
	}
	if !s.chain.HasRelayer() {
		return nil, &ConfigError{Setting: "RELAYER_PRIVATE_KEY"}
	}

	window := s.ReviewWindow(ctx)
	result := &domain.SettlementRunResult{
		Failures:            []domain.SettlementFailure{},
		ReviewWindowSeconds: int64(window.Seconds()),
	}

	pledges, err := s.repo.ListUnsettledAcceptedPledges(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled pledges: %w", err)
	}
	goals, err := s.loadGoals(ctx, pledges)
	if err != nil {
		return nil, fmt.Errorf("failed to load goals for settlement: %w", err)
	}

	for _, p := range pledges {
		outcome, failure := s.settleNoResponse(ctx, p, goalFor(goals, p.GoalID), window)
		switch outcome {
		case outcomeSettled:
			result.Settled++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Failed++
			result.Failures = append(result.Failures, failure)
		}
	}

	log.Printf("level=info component=service flow=settle_no_response msg=\"settlement run complete\" settled=%d skipped=%d failed=%d review_window_seconds=%d", result.Settled, result.Skipped, result.Failed, result.ReviewWindowSeconds)
	return result, nil
}

func (s *Service) settleNoResponse(ctx context.Context, p domain.Pledge, goal *domain.Goal, window time.Duration) (pledgeOutcome, domain.SettlementFailure) {
	fail := func(kind string, err error, tx string) (pledgeOutcome, domain.SettlementFailure) {
		log.Printf("level=error component=service flow=settle_no_response msg=\"pledge settlement failed\" pledge_id=%s kind=%s settlement_tx=%s err=%v", p.ID, kind, tx, err)
		return outcomeFailed, domain.SettlementFailure{PledgeID: p.ID, Kind: kind, Error: err.Error(), SettlementTx: tx}
	}
	skip := func(reason string) (pledgeOutcome, domain.SettlementFailure) {
		log.Printf("level=info component=service flow=settle_no_response msg=\"pledge skipped\" pledge_id=%s reason=%q", p.ID, reason)
		return outcomeSkipped, domain.SettlementFailure{}
	}

	if goal == nil || goal.CompletedAt == nil || !p.HasOnchainEscrow() {
		return outcomeSkipped, domain.SettlementFailure{}
	}

	cmd := domain.ViaNoResponseTimeout{ReviewWindow: window}
	if err := domain.PlanSettlement(p, goal, cmd, s.now()); err != nil {
		if domain.IsNotYetEligible(err) {
			return outcomeSkipped, domain.SettlementFailure{}
		}
		return fail(domain.FailureKindValidation, err, "")
	}

	onchainID, err := domain.ParseOnchainPledgeID(*p.OnchainPledgeID)
	if err != nil {
		return fail(domain.FailureKindValidation, fmt.Errorf("%w: %q", err, *p.OnchainPledgeID), "")
	}
	contract := s.resolveEscrowAddress(p, goal)
	if contract == "" {
		return fail(domain.FailureKindConfiguration, errors.New("no valid escrow contract address for pledge"), "")
	}

	release, acquired, err := s.lease.Acquire(ctx, p.ID)
	if err != nil {
		return fail(domain.FailureKindPersistence, err, "")
	}
	if !acquired {
		return skip("settlement lease held by another run")
	}
	defer release()

	// Another path may have settled the pledge between the batch select and the lease.
	current, err := s.repo.FindPledgeByID(ctx, p.ID)
	if err != nil {
		return fail(domain.FailureKindPersistence, err, "")
	}
	if current.Status != domain.PledgeStatusAccepted || current.SettledAt != nil {
		return skip("pledge no longer accepted and unsettled")
	}

	txHash, err := s.chain.SettleNoResponse(ctx, contract, onchainID)
	if err != nil {
		if IsBenignRevert(err) {
			return skip(err.Error())
		}
		// A reverted receipt or a rejected submission usually means another
		// submitter settled the escrow first. An unconfirmed tx may be ours.
		var pendingErr *escrowclient.UnconfirmedTxError
		if !errors.As(err, &pendingErr) && s.escrowClosed(ctx, contract, onchainID) {
			return skip("escrow already settled on-chain: " + err.Error())
		}
		return fail(domain.FailureKindChain, err, escrowclient.TxHashOf(err))
	}

	// The escrow is settled; the mirror write must not inherit the caller's cancellation.
	persistCtx := context.WithoutCancel(ctx)
	update, err := domain.ApplySettlement(*current, *goal, cmd, txHash, s.now())
	if err != nil {
		return fail(domain.FailureKindPostCommitPersistence, err, txHash)
	}
	ok, err := s.repo.MarkPledgeSettled(persistCtx, update, s.settlementTarget())
	if err != nil {
		return fail(domain.FailureKindPostCommitPersistence, err, txHash)
	}
	if !ok {
		return fail(domain.FailureKindPostCommitPersistence, ErrPledgeStateChanged, txHash)
	}

	log.Printf("level=info component=service flow=settle_no_response msg=\"pledge settled\" pledge_id=%s settlement_tx=%s", p.ID, txHash)
	return outcomeSettled, domain.SettlementFailure{}
}

// escrowClosed reports whether the on-chain record is no longer settleable.
// Read errors count as open so the original failure is reported.
func (s *Service) escrowClosed(ctx context.Context, contract string, onchainID *big.Int) bool {
	record, err := s.chain.GetPledge(ctx, contract, onchainID)
	if err != nil {
		log.Printf("level=warn component=service flow=settle_no_response msg=\"escrow re-read failed\" onchain_pledge_id=%s err=%v", onchainID, err)
		return false
	}
	return !record.Exists || record.Status != domain.OnchainStatusActive || record.SettledAt > 0
}
