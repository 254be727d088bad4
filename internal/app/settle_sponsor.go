package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

// ApprovePledgeRequest carries the sponsor's signed settlePledgeBySponsor
// transaction. It is ignored for legacy pledges with no on-chain escrow.
type ApprovePledgeRequest struct {
	SignedTx string `json:"signed_tx"`
}

// ApprovePledge settles an accepted pledge on behalf of its sponsor. For
// on-chain pledges the sponsor's signed transaction is broadcast and confirmed
// before the off-chain record is touched.
func (s *Service) ApprovePledge(ctx context.Context, pledgeID, sponsorID uuid.UUID, sponsorWallet string, req ApprovePledgeRequest) (*domain.SponsorApprovalResult, error) {
	p, err := s.repo.FindPledgeByID(ctx, pledgeID)
	if err != nil {
		return nil, err
	}
	if p.SponsorID != sponsorID {
		return nil, domain.ErrNotPledgeSponsor
	}
	goal, err := s.repo.FindGoalByID(ctx, p.GoalID)
	if err != nil {
		return nil, err
	}

	cmd := domain.ViaSponsorApproval{SponsorID: sponsorID}
	if err := domain.PlanSettlement(*p, goal, cmd, s.now()); err != nil {
		return nil, err
	}

	if !p.HasOnchainEscrow() {
		return s.settleOffchain(ctx, *p, *goal, cmd)
	}

	if s.chain == nil {
		return nil, &ConfigError{Setting: "CHAIN_RPC_URL"}
	}
	contract := s.resolveSponsorEscrowAddress(*p)
	if contract == "" {
		return nil, &ConfigError{Setting: "ESCROW_REGISTRY_ADDRESS"}
	}
	onchainID, err := domain.ParseOnchainPledgeID(*p.OnchainPledgeID)
	if err != nil {
		return nil, err
	}
	rawTx, err := decodeSignedTx(req.SignedTx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sponsorWallet) == "" {
		return nil, escrowclient.ErrSponsorWalletMissing
	}

	release, acquired, err := s.lease.Acquire(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrSettlementInProgress
	}
	defer release()

	current, err := s.repo.FindPledgeByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := domain.PlanSettlement(*current, goal, cmd, s.now()); err != nil {
		return nil, err
	}

	txHash, err := s.chain.SubmitSponsorSettlement(ctx, contract, onchainID, rawTx, sponsorWallet)
	if err != nil {
		log.Printf("level=warn component=service flow=sponsor_approval msg=\"on-chain settlement rejected\" pledge_id=%s err=%v", p.ID, err)
		return nil, err
	}

	update, err := domain.ApplySettlement(*current, *goal, cmd, txHash, s.now())
	if err == nil {
		var ok bool
		ok, err = s.repo.MarkPledgeSettled(context.WithoutCancel(ctx), update, s.settlementTarget())
		if err == nil && !ok {
			err = ErrPledgeStateChanged
		}
	}
	if err != nil {
		log.Printf("level=error component=service flow=sponsor_approval msg=\"post-commit persistence failed\" pledge_id=%s settlement_tx=%s err=%v", p.ID, txHash, err)
		return nil, &PostCommitPersistenceError{PledgeID: p.ID, SettlementTx: txHash, Err: err}
	}

	log.Printf("level=info component=service flow=sponsor_approval msg=\"pledge settled\" pledge_id=%s settlement_tx=%s", p.ID, txHash)
	return &domain.SponsorApprovalResult{PledgeID: p.ID, Status: domain.PledgeStatusSettled, SettlementTx: update.SettlementTx}, nil
}

func (s *Service) settleOffchain(ctx context.Context, p domain.Pledge, goal domain.Goal, cmd domain.SettlementCommand) (*domain.SponsorApprovalResult, error) {
	update, err := domain.ApplySettlement(p, goal, cmd, "", s.now())
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.MarkPledgeSettled(ctx, update, s.settlementTarget())
	if err != nil {
		return nil, fmt.Errorf("failed to settle pledge: %w", err)
	}
	if !ok {
		return nil, ErrPledgeStateChanged
	}

	log.Printf("level=info component=service flow=%s msg=\"pledge settled off-chain\" pledge_id=%s", cmd.Trigger(), p.ID)
	return &domain.SponsorApprovalResult{PledgeID: p.ID, Status: domain.PledgeStatusSettled}, nil
}

func decodeSignedTx(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrSignedTxRequired
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	decoded, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignedTx, err)
	}
	return decoded, nil
}
