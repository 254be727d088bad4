package app

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

func seedOffer(repo *memoryRepo, deadline time.Time) (domain.Pledge, domain.Goal) {
	goal := repo.addGoal(domain.Goal{ID: uuid.New(), UserID: uuid.New()})
	pledge := repo.addPledge(domain.Pledge{
		ID:                       uuid.New(),
		GoalID:                   goal.ID,
		SponsorID:                uuid.New(),
		AmountCents:              5000,
		Status:                   domain.PledgeStatusOffered,
		DeadlineAt:               deadline,
		MinimumProgressThreshold: ptr(2),
	})
	return pledge, goal
}

func TestCreateOffer(t *testing.T) {
	repo := newMemoryRepo()
	goal := repo.addGoal(domain.Goal{ID: uuid.New(), UserID: uuid.New()})
	svc := newTestService(repo, nil, nil, "")

	sponsorID := uuid.New()
	pledge, err := svc.CreateOffer(context.Background(), sponsorID, domain.CreatePledgeRequest{
		GoalID:      goal.ID.String(),
		AmountCents: 2500,
		DeadlineAt:  testNow.Add(48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateOffer returned error: %v", err)
	}
	if pledge.Status != domain.PledgeStatusOffered || pledge.SponsorID != sponsorID || pledge.GoalID != goal.ID {
		t.Fatalf("unexpected pledge: %+v", pledge)
	}
	if _, err := repo.FindPledgeByID(context.Background(), pledge.ID); err != nil {
		t.Fatalf("expected pledge persisted: %v", err)
	}

	_, err = svc.CreateOffer(context.Background(), goal.UserID, domain.CreatePledgeRequest{
		GoalID:      goal.ID.String(),
		AmountCents: 2500,
		DeadlineAt:  testNow.Add(48 * time.Hour),
	})
	if !errors.Is(err, domain.ErrSelfSponsorship) {
		t.Fatalf("expected ErrSelfSponsorship, got %v", err)
	}

	if _, err := svc.CreateOffer(context.Background(), sponsorID, domain.CreatePledgeRequest{GoalID: "nope"}); err == nil {
		t.Fatalf("expected invalid goal id error")
	}
}

func TestAcceptOffer_WithoutEscrow(t *testing.T) {
	repo := newMemoryRepo()
	pledge, goal := seedOffer(repo, testNow.Add(time.Hour))

	accepted, err := newTestService(repo, nil, nil, "").AcceptOffer(context.Background(), pledge.ID, goal.UserID, nil)
	if err != nil {
		t.Fatalf("AcceptOffer returned error: %v", err)
	}
	if accepted.Status != domain.PledgeStatusAccepted || accepted.AcceptedAt == nil || accepted.OnchainPledgeID != nil {
		t.Fatalf("unexpected accepted pledge: %+v", accepted)
	}
}

func TestAcceptOffer_VerifiesEscrowLink(t *testing.T) {
	deadline := testNow.Add(time.Hour).Truncate(time.Second)
	setup := func() (*memoryRepo, *chainStub, domain.Pledge, domain.Goal) {
		repo := newMemoryRepo()
		chain := newChainStub()
		pledge, goal := seedOffer(repo, deadline)
		chain.records["77"] = &domain.OnchainPledge{
			CommitmentID: big.NewInt(1),
			Token:        testTokenAddress,
			Amount:       big.NewInt(5_000_000),
			Deadline:     uint64(deadline.Unix()),
			MinCheckIns:  2,
			Status:       domain.OnchainStatusActive,
			Exists:       true,
		}
		return repo, chain, pledge, goal
	}

	t.Run("matching link is stored with acceptance", func(t *testing.T) {
		repo, chain, pledge, goal := setup()
		link := &domain.EscrowLink{OnchainPledgeID: "77", EscrowAmountRaw: ptr("5000000")}

		accepted, err := newTestService(repo, chain, nil, testEscrowAddress).AcceptOffer(context.Background(), pledge.ID, goal.UserID, link)
		if err != nil {
			t.Fatalf("AcceptOffer returned error: %v", err)
		}
		if accepted.OnchainPledgeID == nil || *accepted.OnchainPledgeID != "77" {
			t.Fatalf("expected onchain id stored, got %+v", accepted)
		}
		if accepted.EscrowContractAddress == nil || *accepted.EscrowContractAddress != testEscrowAddress {
			t.Fatalf("expected resolved contract address stored, got %+v", accepted.EscrowContractAddress)
		}
		if accepted.EscrowTokenAddress == nil || *accepted.EscrowTokenAddress != testTokenAddress {
			t.Fatalf("expected token from chain, got %+v", accepted.EscrowTokenAddress)
		}
	})

	t.Run("amount mismatch rejects acceptance", func(t *testing.T) {
		repo, chain, pledge, goal := setup()
		link := &domain.EscrowLink{OnchainPledgeID: "77", EscrowAmountRaw: ptr("1")}

		_, err := newTestService(repo, chain, nil, testEscrowAddress).AcceptOffer(context.Background(), pledge.ID, goal.UserID, link)
		if !errors.Is(err, domain.ErrEscrowLinkMismatch) {
			t.Fatalf("expected ErrEscrowLinkMismatch, got %v", err)
		}
		if repo.pledge(pledge.ID).Status != domain.PledgeStatusOffered {
			t.Fatalf("pledge must stay offered")
		}
	})

	t.Run("inactive escrow rejects acceptance", func(t *testing.T) {
		repo, chain, pledge, goal := setup()
		chain.records["77"].Status = domain.OnchainStatusSettled

		_, err := newTestService(repo, chain, nil, testEscrowAddress).AcceptOffer(context.Background(), pledge.ID, goal.UserID, &domain.EscrowLink{OnchainPledgeID: "77"})
		if !errors.Is(err, domain.ErrOnchainEscrowInactive) {
			t.Fatalf("expected ErrOnchainEscrowInactive, got %v", err)
		}
	})

	t.Run("unknown escrow rejects acceptance", func(t *testing.T) {
		repo, chain, pledge, goal := setup()

		_, err := newTestService(repo, chain, nil, testEscrowAddress).AcceptOffer(context.Background(), pledge.ID, goal.UserID, &domain.EscrowLink{OnchainPledgeID: "78"})
		if !errors.Is(err, domain.ErrEscrowLinkMismatch) {
			t.Fatalf("expected ErrEscrowLinkMismatch, got %v", err)
		}
	})
}

func TestAcceptOffer_Rejections(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil, nil, "")

	pledge, goal := seedOffer(repo, testNow.Add(time.Hour))
	if _, err := svc.AcceptOffer(context.Background(), pledge.ID, uuid.New(), nil); !errors.Is(err, domain.ErrNotGoalOwner) {
		t.Fatalf("expected ErrNotGoalOwner, got %v", err)
	}

	expired, expiredGoal := seedOffer(repo, testNow.Add(-time.Hour))
	if _, err := svc.AcceptOffer(context.Background(), expired.ID, expiredGoal.UserID, nil); !errors.Is(err, domain.ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}

	if _, err := svc.AcceptOffer(context.Background(), pledge.ID, goal.UserID, nil); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	if _, err := svc.AcceptOffer(context.Background(), pledge.ID, goal.UserID, nil); !errors.Is(err, domain.ErrPledgeNotOffered) {
		t.Fatalf("expected ErrPledgeNotOffered on second accept, got %v", err)
	}
}

func TestCancelOffer(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil, nil, "")
	pledge, _ := seedOffer(repo, testNow.Add(time.Hour))

	if _, err := svc.CancelOffer(context.Background(), pledge.ID, uuid.New()); !errors.Is(err, domain.ErrNotPledgeSponsor) {
		t.Fatalf("expected ErrNotPledgeSponsor, got %v", err)
	}
	cancelled, err := svc.CancelOffer(context.Background(), pledge.ID, pledge.SponsorID)
	if err != nil {
		t.Fatalf("CancelOffer returned error: %v", err)
	}
	if cancelled.Status != domain.PledgeStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := svc.CancelOffer(context.Background(), pledge.ID, pledge.SponsorID); !errors.Is(err, domain.ErrPledgeNotOffered) {
		t.Fatalf("expected ErrPledgeNotOffered for terminal pledge, got %v", err)
	}
}
