package app

import (
	"context"
	"testing"
	"time"

	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

func TestSettleLegacyOffchain(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	eligible, _ := seedLegacyPledge(repo, ptr(testNow.Add(-8*24*time.Hour)), testNow.Add(-time.Hour))
	windowOpen, _ := seedLegacyPledge(repo, ptr(testNow.Add(-24*time.Hour)), testNow.Add(-time.Hour))
	notCompleted, _ := seedLegacyPledge(repo, nil, testNow.Add(-time.Hour))
	onchain, _ := seedOnchainPledge(repo, chain, "1", testNow.Add(-30*24*time.Hour), testNow.Add(-time.Hour))

	result, err := newTestService(repo, chain, nil, "").SettleLegacyOffchain(context.Background())
	if err != nil {
		t.Fatalf("SettleLegacyOffchain returned error: %v", err)
	}
	if result.Settled != 1 || result.Skipped != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if repo.pledge(eligible.ID).Status != domain.PledgeStatusSettled {
		t.Fatalf("expected eligible legacy pledge settled")
	}
	for _, id := range []domain.Pledge{windowOpen, notCompleted, onchain} {
		if repo.pledge(id.ID).Status != domain.PledgeStatusAccepted {
			t.Fatalf("expected pledge %s untouched", id.ID)
		}
	}
	if repo.events[0].Data["trigger"] != string(domain.SettlementViaLegacyOffchain) {
		t.Fatalf("unexpected event trigger %v", repo.events[0].Data["trigger"])
	}

	again, err := newTestService(repo, chain, nil, "").SettleLegacyOffchain(context.Background())
	if err != nil || again.Settled != 0 {
		t.Fatalf("expected second run to settle nothing, got %+v err=%v", again, err)
	}
}
