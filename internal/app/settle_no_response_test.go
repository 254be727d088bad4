package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/theWinterDojer/baseline-sub000/internal/domain"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

func TestSettleOverdueNoResponse_SettlesEligiblePledge(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	pledge, goal := seedOnchainPledge(repo, chain, "11", testNow.Add(-4*24*time.Hour), testNow.Add(-time.Hour))

	result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Settled != 1 || result.Skipped != 0 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ReviewWindowSeconds != int64((3 * 24 * time.Hour).Seconds()) {
		t.Fatalf("expected review window from contract, got %d", result.ReviewWindowSeconds)
	}

	stored := repo.pledge(pledge.ID)
	if stored.Status != domain.PledgeStatusSettled || stored.SettledAt == nil || !stored.SettledAt.Equal(testNow) {
		t.Fatalf("expected pledge settled at now, got %+v", stored)
	}
	if stored.SettlementTx == nil || *stored.SettlementTx == "" {
		t.Fatalf("expected settlement tx to be recorded")
	}
	if len(repo.events) != 1 || repo.events[0].EventType != domain.EventTypePledgeSettled || repo.events[0].UserID != goal.UserID {
		t.Fatalf("unexpected events: %+v", repo.events)
	}
	if repo.events[0].Data["trigger"] != string(domain.SettlementViaNoResponseTimeout) {
		t.Fatalf("unexpected event trigger: %v", repo.events[0].Data["trigger"])
	}
	if repo.targets[0].Exchange != DefaultEventsExchange || repo.targets[0].RoutingKey != PledgeSettledRoutingKey {
		t.Fatalf("unexpected outbox target: %+v", repo.targets[0])
	}
}

func TestSettleOverdueNoResponse_EligibilityGate(t *testing.T) {
	tests := []struct {
		name        string
		completedAt *time.Time
		deadline    time.Time
	}{
		{name: "goal not completed", completedAt: nil, deadline: testNow.Add(-30 * 24 * time.Hour)},
		{name: "deadline in future with window elapsed", completedAt: ptr(testNow.Add(-30 * 24 * time.Hour)), deadline: testNow.Add(time.Hour)},
		{name: "review window still open", completedAt: ptr(testNow.Add(-time.Hour)), deadline: testNow.Add(-time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryRepo()
			chain := newChainStub()
			pledge, goal := seedOnchainPledge(repo, chain, "1", testNow, tt.deadline)
			goal.CompletedAt = tt.completedAt
			repo.addGoal(goal)

			result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
			if err != nil {
				t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
			}
			if result.Settled != 0 || result.Skipped != 1 || result.Failed != 0 {
				t.Fatalf("unexpected result: %+v", result)
			}
			if _, settles, _ := chain.calls(); settles != 0 {
				t.Fatalf("expected no on-chain settlement, got %d calls", settles)
			}
			if repo.pledge(pledge.ID).Status != domain.PledgeStatusAccepted {
				t.Fatalf("pledge must stay accepted")
			}
		})
	}
}

func TestSettleOverdueNoResponse_BenignRevertIsSkipped(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	pledge, _ := seedOnchainPledge(repo, chain, "3", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	chain.settleErr = &escrowclient.RevertError{Stage: escrowclient.StageSimulate, Reason: "execution reverted: DeadlineNotReached()"}

	result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Skipped != 1 || result.Failed != 0 || len(result.Failures) != 0 {
		t.Fatalf("expected benign skip, got %+v", result)
	}
	if repo.pledge(pledge.ID).Status != domain.PledgeStatusAccepted {
		t.Fatalf("pledge must stay accepted after a revert")
	}
}

func TestSettleOverdueNoResponse_OtherChainErrorsFailWithoutStoppingBatch(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	first, _ := seedOnchainPledge(repo, chain, "1", testNow.Add(-10*24*time.Hour), testNow.Add(-2*time.Hour))
	second, _ := seedOnchainPledge(repo, chain, "2", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	chain.settleErr = errors.New("insufficient funds for gas")

	result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Failed != 2 || len(result.Failures) != 2 {
		t.Fatalf("expected both pledges to fail independently, got %+v", result)
	}
	if result.Failures[0].PledgeID != first.ID || result.Failures[1].PledgeID != second.ID {
		t.Fatalf("unexpected failure attribution: %+v", result.Failures)
	}
	if result.Failures[0].Kind != domain.FailureKindChain || result.Failures[0].Error == "" {
		t.Fatalf("unexpected failure entry: %+v", result.Failures[0])
	}
}

func TestSettleOverdueNoResponse_InvalidOnchainIDFails(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	pledge, _ := seedOnchainPledge(repo, chain, "1", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	p := repo.pledge(pledge.ID)
	p.OnchainPledgeID = ptr("0xabc")
	repo.addPledge(p)

	result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Failed != 1 || result.Failures[0].Kind != domain.FailureKindValidation {
		t.Fatalf("expected validation failure, got %+v", result)
	}
	if _, settles, _ := chain.calls(); settles != 0 {
		t.Fatalf("expected no chain submission")
	}
}

func TestSettleOverdueNoResponse_PostCommitFailureKeepsTxHash(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	pledge, _ := seedOnchainPledge(repo, chain, "4", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	repo.markErr = errors.New("connection refused")

	result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Failed != 1 || len(result.Failures) != 1 {
		t.Fatalf("expected one failure, got %+v", result)
	}
	failure := result.Failures[0]
	if failure.PledgeID != pledge.ID || failure.Kind != domain.FailureKindPostCommitPersistence || failure.SettlementTx == "" {
		t.Fatalf("unexpected failure entry: %+v", failure)
	}
	if chain.records["4"].Status != domain.OnchainStatusSettled {
		t.Fatalf("expected on-chain record settled")
	}
	if repo.pledge(pledge.ID).Status != domain.PledgeStatusAccepted {
		t.Fatalf("expected off-chain record to remain stale")
	}
}

func TestSettleOverdueNoResponse_ConcurrentRunsSettleOnce(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	pledge, _ := seedOnchainPledge(repo, chain, "8", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	svc := newTestService(repo, chain, nil, testEscrowAddress)

	var wg sync.WaitGroup
	results := make([]*domainResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.SettleOverdueNoResponse(context.Background())
			results[i] = &domainResult{res: res, err: err}
		}(i)
	}
	wg.Wait()

	settled, skipped, failed := 0, 0, 0
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("run returned error: %v", r.err)
		}
		settled += r.res.Settled
		skipped += r.res.Skipped
		failed += r.res.Failed
	}
	if settled != 1 || failed != 0 {
		t.Fatalf("expected exactly one settlement and no failures, got settled=%d skipped=%d failed=%d", settled, skipped, failed)
	}
	if repo.settleWrites != 1 || len(repo.events) != 1 {
		t.Fatalf("expected exactly one off-chain settlement, got writes=%d events=%d", repo.settleWrites, len(repo.events))
	}
	if repo.pledge(pledge.ID).Status != domain.PledgeStatusSettled {
		t.Fatalf("expected pledge settled")
	}
}

type domainResult struct {
	res *domain.SettlementRunResult
	err error
}

func TestSettleOverdueNoResponse_HeldLeaseSkips(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	seedOnchainPledge(repo, chain, "8", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))

	result, err := newTestService(repo, chain, heldLease{}, testEscrowAddress).SettleOverdueNoResponse(context.Background())
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Skipped != 1 || result.Settled != 0 {
		t.Fatalf("expected skip while lease is held, got %+v", result)
	}
	if _, settles, _ := chain.calls(); settles != 0 {
		t.Fatalf("expected no chain submission while lease is held")
	}
}

func TestSettleOverdueNoResponse_ConfigurationErrors(t *testing.T) {
	repo := newMemoryRepo()

	var cfgErr *ConfigError
	if _, err := newTestService(repo, nil, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background()); !errors.As(err, &cfgErr) || cfgErr.Setting != "CHAIN_RPC_URL" {
		t.Fatalf("expected CHAIN_RPC_URL config error, got %v", err)
	}

	chain := newChainStub()
	chain.relayer = false
	seedOnchainPledge(repo, chain, "1", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	if _, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background()); !errors.As(err, &cfgErr) || cfgErr.Setting != "RELAYER_PRIVATE_KEY" {
		t.Fatalf("expected RELAYER_PRIVATE_KEY config error, got %v", err)
	}
	if _, settles, _ := chain.calls(); settles != 0 {
		t.Fatalf("expected no work attempted on configuration error")
	}
}

func TestReviewWindowFallsBackToDefault(t *testing.T) {
	chain := newChainStub()
	chain.reviewErr = errors.New("call reverted")
	svc := newTestService(newMemoryRepo(), chain, nil, testEscrowAddress)

	if got := svc.ReviewWindow(context.Background()); got != DefaultReviewWindow {
		t.Fatalf("expected default review window, got %s", got)
	}
	if got := newTestService(newMemoryRepo(), chain, nil, "").ReviewWindow(context.Background()); got != DefaultReviewWindow {
		t.Fatalf("expected default review window without registry, got %s", got)
	}
}

func TestIsBenignRevert(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: &escrowclient.RevertError{Reason: "DeadlineNotReached"}, want: true},
		{err: &escrowclient.RevertError{Reason: "PledgeNotActive"}, want: true},
		{err: errors.New("execution reverted: ReviewWindowActive()"), want: true},
		{err: errors.New("MinimumCheckInsNotMet"), want: true},
		{err: &escrowclient.RevertError{Reason: "NotSponsor"}, want: false},
		{err: errors.New("insufficient funds for gas * price + value"), want: false},
		{err: nil, want: false},
	}
	for _, tt := range tests {
		if got := IsBenignRevert(tt.err); got != tt.want {
			t.Fatalf("IsBenignRevert(%v) = %t, want %t", tt.err, got, tt.want)
		}
	}
}

func TestSettleOverdueNoResponse_LostRaceToConcurrentSettlerIsSkipped(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "receipt revert", err: &escrowclient.RevertError{Stage: escrowclient.StageReceipt, Reason: "transaction reverted on-chain", TxHash: "0xabc"}},
		{name: "nonce rejected", err: errors.New("nonce too low")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryRepo()
			chain := newChainStub()
			pledge, _ := seedOnchainPledge(repo, chain, "8", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
			chain.settleErr = tt.err
			chain.settledByOther = true

			result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
			if err != nil {
				t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
			}
			if result.Skipped != 1 || result.Failed != 0 || len(result.Failures) != 0 {
				t.Fatalf("expected skip after concurrent settlement, got %+v", result)
			}
			if repo.pledge(pledge.ID).Status != domain.PledgeStatusAccepted || repo.settleWrites != 0 {
				t.Fatalf("mirror must be left to the winning submitter")
			}
		})
	}
}

func TestSettleOverdueNoResponse_ChainFailureCarriesKnownTxHash(t *testing.T) {
	tests := []struct {
		name string
		err  error
		tx   string
	}{
		{name: "receipt revert on active escrow", err: &escrowclient.RevertError{Stage: escrowclient.StageReceipt, Reason: "transaction reverted on-chain", TxHash: "0xabc"}, tx: "0xabc"},
		{name: "receipt not observed", err: &escrowclient.UnconfirmedTxError{TxHash: "0xdef", Err: context.DeadlineExceeded}, tx: "0xdef"},
		{name: "never broadcast", err: errors.New("dial tcp: connection refused"), tx: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryRepo()
			chain := newChainStub()
			seedOnchainPledge(repo, chain, "9", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
			chain.settleErr = tt.err

			result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
			if err != nil {
				t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
			}
			if result.Failed != 1 || len(result.Failures) != 1 {
				t.Fatalf("expected a single failure, got %+v", result)
			}
			if got := result.Failures[0]; got.Kind != domain.FailureKindChain || got.SettlementTx != tt.tx {
				t.Fatalf("unexpected failure entry: %+v", got)
			}
		})
	}
}

func TestSettleOverdueNoResponse_UnconfirmedTxIsNotSkippedWhenEscrowClosed(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	seedOnchainPledge(repo, chain, "10", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	chain.settleErr = &escrowclient.UnconfirmedTxError{TxHash: "0xfeed", Err: context.DeadlineExceeded}
	chain.settledByOther = true

	result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(context.Background())
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Failed != 1 || result.Failures[0].SettlementTx != "0xfeed" {
		t.Fatalf("expected failure carrying the pending tx, got %+v", result)
	}
}

func TestSettleOverdueNoResponse_MirrorWriteSurvivesCallerCancellation(t *testing.T) {
	repo := newMemoryRepo()
	chain := newChainStub()
	pledge, _ := seedOnchainPledge(repo, chain, "12", testNow.Add(-10*24*time.Hour), testNow.Add(-time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	chain.onSubmit = cancel

	result, err := newTestService(repo, chain, nil, testEscrowAddress).SettleOverdueNoResponse(ctx)
	if err != nil {
		t.Fatalf("SettleOverdueNoResponse returned error: %v", err)
	}
	if result.Settled != 1 || repo.pledge(pledge.ID).Status != domain.PledgeStatusSettled {
		t.Fatalf("expected mirrored settlement after caller cancellation, got %+v", result)
	}
}
