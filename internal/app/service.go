/**
 * @description
 * This file contains the core business logic for the pledge-service. The `Service`
 * struct coordinates the Postgres repository, the on-chain escrow contract and the
 * per-pledge settlement lease to run the pledge sweepers and settlement paths.
 *
 * Key features:
 * - Offer expiry, drift reconciliation, no-response settlement, sponsor approval
 *   and the legacy off-chain settlement sweep.
 * - Chain first, then mirror: the off-chain record is only marked settled after
 *   the escrow transaction is confirmed.
 * - Batch procedures capture every per-pledge error in their result payload.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/escrowclient: For address validation and revert types.
 */

package app

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
	"github.com/theWinterDojer/baseline-sub000/internal/store"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

const (
	DefaultReviewWindow          = 7 * 24 * time.Hour
	DefaultReconcileLimit        = 200
	MaxReconcileLimit            = 500
	DefaultEventsExchange        = "baseline.events"
	PledgeSettledRoutingKey      = "pledge.settled"
	settlementLeaseDefaultExpiry = 5 * time.Minute
)

// EscrowChain is the on-chain escrow contract as seen by the service.
// *escrowclient.Client satisfies it.
type EscrowChain interface {
	ReviewWindow(ctx context.Context, contractAddress string) (time.Duration, error)
	GetPledge(ctx context.Context, contractAddress string, onchainPledgeID *big.Int) (*domain.OnchainPledge, error)
	SettleNoResponse(ctx context.Context, contractAddress string, onchainPledgeID *big.Int) (string, error)
	SubmitSponsorSettlement(ctx context.Context, contractAddress string, onchainPledgeID *big.Int, rawTx []byte, expectedSender string) (string, error)
	HasRelayer() bool
}

// Config holds the service-level settings that do not belong to a collaborator.
type Config struct {
	DefaultEscrowAddress  string
	DefaultReviewWindow   time.Duration
	ReconcileDefaultLimit int
	ReconcileMaxLimit     int
	EventsExchange        string
}

// Service provides the core business logic for pledges.
type Service struct {
	repo  store.Repository
	chain EscrowChain
	lease SettlementLease
	cfg   Config
	now   func() time.Time
}

// NewService creates a new pledge service instance. chain may be nil when no
// RPC endpoint is configured; procedures that need it then report a
// configuration error. lease may be nil, in which case no lease is taken.
func NewService(repo store.Repository, chain EscrowChain, lease SettlementLease, cfg Config) *Service {
	if lease == nil {
		lease = NoopSettlementLease{}
	}
	if cfg.DefaultReviewWindow <= 0 {
		cfg.DefaultReviewWindow = DefaultReviewWindow
	}
	if cfg.ReconcileDefaultLimit <= 0 {
		cfg.ReconcileDefaultLimit = DefaultReconcileLimit
	}
	if cfg.ReconcileMaxLimit <= 0 {
		cfg.ReconcileMaxLimit = MaxReconcileLimit
	}
	if cfg.ReconcileDefaultLimit > cfg.ReconcileMaxLimit {
		cfg.ReconcileDefaultLimit = cfg.ReconcileMaxLimit
	}
	if strings.TrimSpace(cfg.EventsExchange) == "" {
		cfg.EventsExchange = DefaultEventsExchange
	}
	cfg.DefaultEscrowAddress = strings.TrimSpace(cfg.DefaultEscrowAddress)

	return &Service{
		repo:  repo,
		chain: chain,
		lease: lease,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) settlementTarget() store.OutboxTarget {
	return store.OutboxTarget{Exchange: s.cfg.EventsExchange, RoutingKey: PledgeSettledRoutingKey}
}

// resolveEscrowAddress picks the first valid address from the pledge override,
// the goal's commitment contract and the global default, in that order.
func (s *Service) resolveEscrowAddress(p domain.Pledge, goal *domain.Goal) string {
	candidates := []*string{p.EscrowContractAddress}
	if goal != nil {
		candidates = append(candidates, goal.CommitmentContractAddress)
	}
	candidates = append(candidates, &s.cfg.DefaultEscrowAddress)

	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if address := strings.TrimSpace(*candidate); escrowclient.IsValidAddress(address) {
			return address
		}
	}
	return ""
}

// resolveSponsorEscrowAddress is the sponsor approval variant: pledge override, else global default.
func (s *Service) resolveSponsorEscrowAddress(p domain.Pledge) string {
	if p.EscrowContractAddress != nil {
		if address := strings.TrimSpace(*p.EscrowContractAddress); escrowclient.IsValidAddress(address) {
			return address
		}
	}
	if escrowclient.IsValidAddress(s.cfg.DefaultEscrowAddress) {
		return s.cfg.DefaultEscrowAddress
	}
	return ""
}

func (s *Service) loadGoals(ctx context.Context, pledges []domain.Pledge) (map[uuid.UUID]domain.Goal, error) {
	if len(pledges) == 0 {
		return map[uuid.UUID]domain.Goal{}, nil
	}
	ids := make([]uuid.UUID, 0, len(pledges))
	for _, p := range pledges {
		ids = append(ids, p.GoalID)
	}
	return s.repo.FindGoalsByIDs(ctx, ids)
}

func goalFor(goals map[uuid.UUID]domain.Goal, id uuid.UUID) *domain.Goal {
	goal, ok := goals[id]
	if !ok {
		return nil
	}
	return &goal
}
