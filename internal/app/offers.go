package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

// CreateOffer records a new pledge offer from sponsorID against a goal.
func (s *Service) CreateOffer(ctx context.Context, sponsorID uuid.UUID, req domain.CreatePledgeRequest) (*domain.Pledge, error) {
	goalID, err := uuid.Parse(strings.TrimSpace(req.GoalID))
	if err != nil {
		return nil, fmt.Errorf("invalid goal id: %w", err)
	}
	goal, err := s.repo.FindGoalByID(ctx, goalID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := domain.ValidateOffer(req, sponsorID, *goal, now); err != nil {
		return nil, err
	}

	pledge := &domain.Pledge{
		ID:                       uuid.New(),
		GoalID:                   goal.ID,
		SponsorID:                sponsorID,
		AmountCents:              req.AmountCents,
		Status:                   domain.PledgeStatusOffered,
		DeadlineAt:               req.DeadlineAt.UTC(),
		MinimumProgressThreshold: req.MinimumProgressThreshold,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.repo.CreatePledge(ctx, pledge); err != nil {
		return nil, fmt.Errorf("failed to create pledge: %w", err)
	}

	log.Printf("level=info component=service flow=create_offer msg=\"pledge offered\" pledge_id=%s goal_id=%s amount_cents=%d", pledge.ID, goal.ID, pledge.AmountCents)
	return pledge, nil
}

// AcceptOffer accepts an open offer on behalf of the goal owner. When link is
// set the escrow record is verified on-chain and written in the same update
// that accepts the pledge.
func (s *Service) AcceptOffer(ctx context.Context, pledgeID, ownerID uuid.UUID, link *domain.EscrowLink) (*domain.Pledge, error) {
	p, err := s.repo.FindPledgeByID(ctx, pledgeID)
	if err != nil {
		return nil, err
	}
	goal, err := s.repo.FindGoalByID(ctx, p.GoalID)
	if err != nil {
		return nil, err
	}
	if goal.UserID != ownerID {
		return nil, domain.ErrNotGoalOwner
	}
	if !domain.CanTransition(p.Status, domain.PledgeStatusAccepted) {
		return nil, domain.ErrPledgeNotOffered
	}

	now := s.now()
	if p.DeadlineAt.Before(now) {
		return nil, domain.ErrOfferExpired
	}

	if link != nil {
		verified, err := s.verifyEscrowLink(ctx, *p, goal, *link)
		if err != nil {
			return nil, err
		}
		link = verified
	}

	ok, err := s.repo.AcceptPledgeOffer(ctx, p.ID, now, link)
	if err != nil {
		return nil, fmt.Errorf("failed to accept pledge: %w", err)
	}
	if !ok {
		return nil, ErrPledgeStateChanged
	}

	log.Printf("level=info component=service flow=accept_offer msg=\"pledge accepted\" pledge_id=%s onchain=%t", p.ID, link != nil)
	return s.repo.FindPledgeByID(ctx, p.ID)
}

func (s *Service) verifyEscrowLink(ctx context.Context, p domain.Pledge, goal *domain.Goal, link domain.EscrowLink) (*domain.EscrowLink, error) {
	onchainID, err := domain.ParseOnchainPledgeID(link.OnchainPledgeID)
	if err != nil {
		return nil, err
	}
	normalized := domain.EscrowLink{OnchainPledgeID: onchainID.String()}

	if link.EscrowContractAddress != nil && strings.TrimSpace(*link.EscrowContractAddress) != "" {
		address := strings.TrimSpace(*link.EscrowContractAddress)
		if !escrowclient.IsValidAddress(address) {
			return nil, domain.ErrInvalidEscrowAddress
		}
		normalized.EscrowContractAddress = &address
	}
	if link.EscrowTokenAddress != nil && strings.TrimSpace(*link.EscrowTokenAddress) != "" {
		token := strings.TrimSpace(*link.EscrowTokenAddress)
		if !escrowclient.IsValidAddress(token) {
			return nil, domain.ErrInvalidEscrowAddress
		}
		normalized.EscrowTokenAddress = &token
	}

	if s.chain == nil {
		return nil, &ConfigError{Setting: "CHAIN_RPC_URL"}
	}
	p.EscrowContractAddress = normalized.EscrowContractAddress
	contract := s.resolveEscrowAddress(p, goal)
	if contract == "" {
		return nil, &ConfigError{Setting: "ESCROW_REGISTRY_ADDRESS"}
	}

	record, err := s.chain.GetPledge(ctx, contract, onchainID)
	if err != nil {
		return nil, fmt.Errorf("failed to read on-chain pledge: %w", err)
	}
	if !record.Exists {
		return nil, domain.ErrEscrowLinkMismatch
	}
	if record.Status != domain.OnchainStatusActive {
		return nil, domain.ErrOnchainEscrowInactive
	}

	if link.EscrowAmountRaw != nil && strings.TrimSpace(*link.EscrowAmountRaw) != "" {
		amount, err := domain.ParseRawAmount(*link.EscrowAmountRaw)
		if err != nil {
			return nil, err
		}
		if record.Amount == nil || amount.Cmp(record.Amount) != 0 {
			return nil, domain.ErrEscrowLinkMismatch
		}
	}
	if normalized.EscrowTokenAddress != nil && !strings.EqualFold(*normalized.EscrowTokenAddress, record.Token) {
		return nil, domain.ErrEscrowLinkMismatch
	}
	if record.Deadline != uint64(p.DeadlineAt.Unix()) || record.MinCheckIns != uint64(p.MinimumCheckIns()) {
		return nil, domain.ErrEscrowLinkMismatch
	}

	amountRaw := record.Amount.String()
	normalized.EscrowAmountRaw = &amountRaw
	if normalized.EscrowTokenAddress == nil {
		token := record.Token
		normalized.EscrowTokenAddress = &token
	}
	if normalized.EscrowContractAddress == nil {
		normalized.EscrowContractAddress = &contract
	}
	return &normalized, nil
}

// CancelOffer withdraws an open offer on behalf of its sponsor.
func (s *Service) CancelOffer(ctx context.Context, pledgeID, sponsorID uuid.UUID) (*domain.Pledge, error) {
	p, err := s.repo.FindPledgeByID(ctx, pledgeID)
	if err != nil {
		return nil, err
	}
	if p.SponsorID != sponsorID {
		return nil, domain.ErrNotPledgeSponsor
	}
	if !domain.CanTransition(p.Status, domain.PledgeStatusCancelled) {
		return nil, domain.ErrPledgeNotOffered
	}

	ok, err := s.repo.CancelPledgeOffer(ctx, p.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel pledge: %w", err)
	}
	if !ok {
		return nil, ErrPledgeStateChanged
	}

	log.Printf("level=info component=service flow=cancel_offer msg=\"pledge cancelled\" pledge_id=%s", p.ID)
	return s.repo.FindPledgeByID(ctx, p.ID)
}
