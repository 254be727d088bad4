package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/config"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

type pledgeClientStub struct {
	total        int
	offsets      []int
	limits       []int
	reconcileErr error
	settleResult *domain.SettlementRunResult
	settleErr    error
	expireCalls  int
}

func (s *pledgeClientStub) ExpireOverdueOffers(ctx context.Context) (*domain.ExpiryResult, error) {
	s.expireCalls++
	return &domain.ExpiryResult{Expired: 2, PledgeIDs: []uuid.UUID{uuid.New(), uuid.New()}}, nil
}

func (s *pledgeClientStub) ReconcileOnchainPledges(ctx context.Context, limit, offset int) (*domain.DriftReport, error) {
	s.limits = append(s.limits, limit)
	s.offsets = append(s.offsets, offset)
	if s.reconcileErr != nil {
		return nil, s.reconcileErr
	}
	scanned := s.total - offset
	if scanned > limit {
		scanned = limit
	}
	if scanned < 0 {
		scanned = 0
	}
	return &domain.DriftReport{Scanned: scanned, Matched: scanned, Drifts: []domain.DriftEntry{}}, nil
}

func (s *pledgeClientStub) SettleOverdueNoResponse(ctx context.Context) (*domain.SettlementRunResult, error) {
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	return s.settleResult, nil
}

func (s *pledgeClientStub) SettleLegacyOffchain(ctx context.Context) (*domain.SettlementRunResult, error) {
	return &domain.SettlementRunResult{Failures: []domain.SettlementFailure{}}, nil
}

func newTestJobs(client PledgeClient, out io.Writer, limit int) *Jobs {
	logger := slog.New(slog.NewTextHandler(out, nil))
	return NewJobs(client, logger, config.SchedulerConfig{ReconcileJobLimit: limit})
}

func TestReconcileOnchainPledges_WalksAllPages(t *testing.T) {
	client := &pledgeClientStub{total: 450}
	jobs := newTestJobs(client, io.Discard, 200)

	jobs.ReconcileOnchainPledges()

	want := []int{0, 200, 400}
	if len(client.offsets) != len(want) {
		t.Fatalf("expected offsets %v, got %v", want, client.offsets)
	}
	for i := range want {
		if client.offsets[i] != want[i] || client.limits[i] != 200 {
			t.Fatalf("expected offsets %v with limit 200, got %v / %v", want, client.offsets, client.limits)
		}
	}
}

func TestReconcileOnchainPledges_ExactMultipleFetchesEmptyPage(t *testing.T) {
	client := &pledgeClientStub{total: 400}
	jobs := newTestJobs(client, io.Discard, 200)

	jobs.ReconcileOnchainPledges()

	if len(client.offsets) != 3 {
		t.Fatalf("expected a trailing empty page, got offsets %v", client.offsets)
	}
}

func TestReconcileOnchainPledges_StopsOnError(t *testing.T) {
	client := &pledgeClientStub{total: 1000, reconcileErr: errors.New("unauthorized")}
	jobs := newTestJobs(client, io.Discard, 0)

	jobs.ReconcileOnchainPledges()

	if len(client.offsets) != 1 || client.limits[0] != 200 {
		t.Fatalf("expected a single call with the default limit, got %v / %v", client.offsets, client.limits)
	}
}

func TestSettleOverdueNoResponse_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	client := &pledgeClientStub{settleResult: &domain.SettlementRunResult{
		Settled: 1,
		Failed:  1,
		Failures: []domain.SettlementFailure{{
			PledgeID:     uuid.New(),
			Kind:         domain.FailureKindPostCommitPersistence,
			Error:        "db down",
			SettlementTx: "0xabc",
		}},
	}}
	jobs := newTestJobs(client, &buf, 200)

	jobs.SettleOverdueNoResponse()

	logs := buf.String()
	if !strings.Contains(logs, "settlement_tx=0xabc") || !strings.Contains(logs, "kind=post_commit_persistence") {
		t.Fatalf("expected failure details in logs, got %s", logs)
	}
	if !strings.Contains(logs, "settled=1") {
		t.Fatalf("expected run summary in logs, got %s", logs)
	}
}

func TestSettleOverdueNoResponse_ClientError(t *testing.T) {
	var buf bytes.Buffer
	client := &pledgeClientStub{settleErr: errors.New("pledge service returned status 500")}
	jobs := newTestJobs(client, &buf, 200)

	jobs.SettleOverdueNoResponse()

	if !strings.Contains(buf.String(), "failed to settle overdue pledges") {
		t.Fatalf("expected error log, got %s", buf.String())
	}
}

func TestSchedulerRegistration(t *testing.T) {
	client := &pledgeClientStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.SchedulerConfig{
		ExpireOffersJobSchedule:  "*/15 * * * *",
		ReconcileJobSchedule:     "not a schedule",
		SettleOverdueJobSchedule: "-",
		SettleLegacyJobSchedule:  "",
	}
	scheduler := NewScheduler(NewJobs(client, logger, cfg), logger, cfg)
	if err := scheduler.register(); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if got := len(scheduler.cron.Entries()); got != 1 {
		t.Fatalf("expected 1 scheduled entry, got %d", got)
	}

	empty := NewScheduler(NewJobs(client, logger, config.SchedulerConfig{}), logger, config.SchedulerConfig{})
	if err := empty.register(); !errors.Is(err, errNoJobsScheduled) {
		t.Fatalf("expected errNoJobsScheduled, got %v", err)
	}
}
