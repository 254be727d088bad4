package app

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strconv"

	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

func (s *Service) normalizeReconcileLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.ReconcileDefaultLimit
	}
	if limit > s.cfg.ReconcileMaxLimit {
		return s.cfg.ReconcileMaxLimit
	}
	return limit
}

// ReconcileOnchainPledges compares a page of chain-linked pledges against the
// escrow contract and reports every divergence. It never writes.
func (s *Service) ReconcileOnchainPledges(ctx context.Context, limit, offset int) (*domain.DriftReport, error) {
	if s.chain == nil {
		return nil, &ConfigError{Setting: "CHAIN_RPC_URL"}
	}
	limit = s.normalizeReconcileLimit(limit)
	if offset < 0 {
		offset = 0
	}

	pledges, err := s.repo.ListOnchainPledges(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list on-chain pledges: %w", err)
	}
	goals, err := s.loadGoals(ctx, pledges)
	if err != nil {
		return nil, fmt.Errorf("failed to load goals for reconciliation: %w", err)
	}

	report := &domain.DriftReport{Scanned: len(pledges), Drifts: []domain.DriftEntry{}}
	for _, p := range pledges {
		entries := s.reconcilePledge(ctx, p, goalFor(goals, p.GoalID))
		if len(entries) == 0 {
			continue
		}
		report.Drifted++
		report.Drifts = append(report.Drifts, entries...)
	}
	report.Matched = report.Scanned - report.Drifted
	report.DriftItems = len(report.Drifts)

	log.Printf("level=info component=service flow=reconcile msg=\"reconciliation complete\" scanned=%d matched=%d drifted=%d drift_items=%d", report.Scanned, report.Matched, report.Drifted, report.DriftItems)
	return report, nil
}

func (s *Service) reconcilePledge(ctx context.Context, p domain.Pledge, goal *domain.Goal) []domain.DriftEntry {
	rawID := ""
	if p.OnchainPledgeID != nil {
		rawID = *p.OnchainPledgeID
	}

	contract := s.resolveEscrowAddress(p, goal)
	drift := func(issue domain.DriftIssue, expected, actual string) domain.DriftEntry {
		return domain.DriftEntry{
			PledgeID:        p.ID,
			Issue:           issue,
			Expected:        expected,
			Actual:          actual,
			ContractAddress: contract,
			OnchainPledgeID: rawID,
		}
	}

	if contract == "" {
		return []domain.DriftEntry{drift(domain.DriftEscrowContractAddressMissing, "valid contract address", "")}
	}
	onchainID, err := domain.ParseOnchainPledgeID(rawID)
	if err != nil {
		return []domain.DriftEntry{drift(domain.DriftOnchainPledgeIDInvalid, "unsigned integer", rawID)}
	}
	record, err := s.chain.GetPledge(ctx, contract, onchainID)
	if err != nil {
		log.Printf("level=warn component=service flow=reconcile msg=\"on-chain read failed\" pledge_id=%s onchain_pledge_id=%s err=%v", p.ID, rawID, err)
		return []domain.DriftEntry{drift(domain.DriftOnchainReadFailed, "", err.Error())}
	}
	if !record.Exists {
		return []domain.DriftEntry{drift(domain.DriftOnchainPledgeMissing, "exists", "missing")}
	}

	var entries []domain.DriftEntry

	switch p.Status {
	case domain.PledgeStatusAccepted, domain.PledgeStatusSettled:
		expected := domain.OnchainStatusActive
		if p.Status == domain.PledgeStatusSettled {
			expected = domain.OnchainStatusSettled
		}
		if record.Status != expected {
			entries = append(entries, drift(domain.DriftStatus, formatUint(uint64(expected)), formatUint(uint64(record.Status))))
		}
	default:
		entries = append(entries, drift(domain.DriftUnexpectedDBStatus, "accepted|settled", string(p.Status)))
	}

	offchainSettled := p.SettledAt != nil
	onchainSettled := record.SettledAt > 0
	if offchainSettled != onchainSettled {
		entries = append(entries, drift(domain.DriftSettlementFlag, settledFlag(offchainSettled), settledFlag(onchainSettled)))
	}

	if p.EscrowAmountRaw != nil {
		amount, err := domain.ParseRawAmount(*p.EscrowAmountRaw)
		switch {
		case err != nil:
			entries = append(entries, drift(domain.DriftEscrowAmountInvalid, "unsigned integer", *p.EscrowAmountRaw))
		case record.Amount == nil || amount.Cmp(record.Amount) != 0:
			entries = append(entries, drift(domain.DriftEscrowAmount, amount.String(), bigString(record.Amount)))
		}
	}

	if goal != nil && goal.CommitmentID != nil {
		commitmentID, err := domain.ParseRawAmount(*goal.CommitmentID)
		switch {
		case err != nil:
			entries = append(entries, drift(domain.DriftCommitmentIDInvalid, "unsigned integer", *goal.CommitmentID))
		case record.CommitmentID == nil || commitmentID.Cmp(record.CommitmentID) != 0:
			entries = append(entries, drift(domain.DriftCommitmentID, commitmentID.String(), bigString(record.CommitmentID)))
		}
	}

	// Unix() floors to whole seconds.
	deadline := p.DeadlineAt.Unix()
	if deadline < 0 || uint64(deadline) != record.Deadline {
		entries = append(entries, drift(domain.DriftDeadline, strconv.FormatInt(deadline, 10), formatUint(record.Deadline)))
	}

	minCheckIns := p.MinimumCheckIns()
	if minCheckIns < 0 || uint64(minCheckIns) != record.MinCheckIns {
		entries = append(entries, drift(domain.DriftMinCheckIns, strconv.Itoa(minCheckIns), formatUint(record.MinCheckIns)))
	}

	return entries
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func settledFlag(settled bool) string {
	if settled {
		return "settled"
	}
	return "unsettled"
}
