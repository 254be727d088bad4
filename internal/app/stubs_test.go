package app

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
	"github.com/theWinterDojer/baseline-sub000/internal/store"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

const (
	testEscrowAddress = "0x00000000000000000000000000000000000000aa"
	testTokenAddress  = "0x00000000000000000000000000000000000000cc"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type memoryRepo struct {
	store.Repository

	mu      sync.Mutex
	order   []uuid.UUID
	pledges map[uuid.UUID]domain.Pledge
	goals   map[uuid.UUID]domain.Goal

	events        []domain.Event
	targets       []store.OutboxTarget
	markErr       error
	expireErr     error
	settleWrites  int
	outbox        []store.OutboxMessage
	published     []int64
	failedOutbox  []int64
	failedReasons []string
	deadOutbox    []int64
	outboxMarkErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		pledges: make(map[uuid.UUID]domain.Pledge),
		goals:   make(map[uuid.UUID]domain.Goal),
	}
}

func (r *memoryRepo) addGoal(g domain.Goal) domain.Goal {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goals[g.ID] = g
	return g
}

func (r *memoryRepo) addPledge(p domain.Pledge) domain.Pledge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pledges[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.pledges[p.ID] = p
	return p
}

func (r *memoryRepo) pledge(id uuid.UUID) domain.Pledge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pledges[id]
}

func (r *memoryRepo) snapshot() map[uuid.UUID]domain.Pledge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]domain.Pledge, len(r.pledges))
	for id, p := range r.pledges {
		out[id] = p
	}
	return out
}

func (r *memoryRepo) FindGoalByID(ctx context.Context, goalID uuid.UUID) (*domain.Goal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.goals[goalID]
	if !ok {
		return nil, store.ErrGoalNotFound
	}
	return &g, nil
}

func (r *memoryRepo) FindGoalsByIDs(ctx context.Context, goalIDs []uuid.UUID) (map[uuid.UUID]domain.Goal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]domain.Goal)
	for _, id := range goalIDs {
		if g, ok := r.goals[id]; ok {
			out[id] = g
		}
	}
	return out, nil
}

func (r *memoryRepo) CreatePledge(ctx context.Context, pledge *domain.Pledge) error {
	r.addPledge(*pledge)
	return nil
}

func (r *memoryRepo) FindPledgeByID(ctx context.Context, pledgeID uuid.UUID) (*domain.Pledge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pledges[pledgeID]
	if !ok {
		return nil, store.ErrPledgeNotFound
	}
	return &p, nil
}

func (r *memoryRepo) AcceptPledgeOffer(ctx context.Context, pledgeID uuid.UUID, acceptedAt time.Time, link *domain.EscrowLink) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pledges[pledgeID]
	if !ok || p.Status != domain.PledgeStatusOffered || p.DeadlineAt.Before(acceptedAt) {
		return false, nil
	}
	p.Status = domain.PledgeStatusAccepted
	p.AcceptedAt = &acceptedAt
	if link != nil {
		id := link.OnchainPledgeID
		p.OnchainPledgeID = &id
		p.EscrowContractAddress = link.EscrowContractAddress
		p.EscrowTokenAddress = link.EscrowTokenAddress
		p.EscrowAmountRaw = link.EscrowAmountRaw
	}
	r.pledges[pledgeID] = p
	return true, nil
}

func (r *memoryRepo) CancelPledgeOffer(ctx context.Context, pledgeID uuid.UUID, cancelledAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pledges[pledgeID]
	if !ok || p.Status != domain.PledgeStatusOffered {
		return false, nil
	}
	p.Status = domain.PledgeStatusCancelled
	p.UpdatedAt = cancelledAt
	r.pledges[pledgeID] = p
	return true, nil
}

func (r *memoryRepo) ExpireOverdueOffers(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expireErr != nil {
		return nil, r.expireErr
	}
	var ids []uuid.UUID
	for _, id := range r.order {
		p := r.pledges[id]
		if p.Status == domain.PledgeStatusOffered && p.DeadlineAt.Before(now) {
			p.Status = domain.PledgeStatusExpired
			r.pledges[id] = p
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memoryRepo) ListOnchainPledges(ctx context.Context, limit, offset int) ([]domain.Pledge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Pledge
	for _, id := range r.order {
		if p := r.pledges[id]; p.OnchainPledgeID != nil {
			out = append(out, p)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) ListUnsettledAcceptedPledges(ctx context.Context, onchain bool) ([]domain.Pledge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Pledge
	for _, id := range r.order {
		p := r.pledges[id]
		if p.Status == domain.PledgeStatusAccepted && p.SettledAt == nil && (p.OnchainPledgeID != nil) == onchain {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return out, nil
}

func (r *memoryRepo) MarkPledgeSettled(ctx context.Context, update domain.SettlementUpdate, target store.OutboxTarget) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return false, r.markErr
	}
	p, ok := r.pledges[update.PledgeID]
	if !ok || p.Status != domain.PledgeStatusAccepted || p.SettledAt != nil {
		return false, nil
	}
	settledAt := update.SettledAt
	p.Status = domain.PledgeStatusSettled
	p.SettledAt = &settledAt
	if update.ApprovalAt != nil {
		p.ApprovalAt = update.ApprovalAt
	}
	if update.SettlementTx != nil {
		p.SettlementTx = update.SettlementTx
	}
	r.pledges[update.PledgeID] = p
	r.events = append(r.events, update.Event)
	r.targets = append(r.targets, target)
	r.settleWrites++
	return true, nil
}

func (r *memoryRepo) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := r.outbox
	r.outbox = nil
	return claimed, nil
}

func (r *memoryRepo) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, id)
	return nil
}

func (r *memoryRepo) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outboxMarkErr != nil {
		return r.outboxMarkErr
	}
	r.failedOutbox = append(r.failedOutbox, id)
	r.failedReasons = append(r.failedReasons, reason)
	return nil
}

func (r *memoryRepo) MarkOutboxDead(ctx context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outboxMarkErr != nil {
		return r.outboxMarkErr
	}
	r.deadOutbox = append(r.deadOutbox, id)
	r.failedReasons = append(r.failedReasons, reason)
	return nil
}

type chainStub struct {
	mu sync.Mutex

	records      map[string]*domain.OnchainPledge
	readErr      error
	reviewWindow time.Duration
	reviewErr    error
	settleErr    error
	sponsorErr   error
	relayer      bool
	onSubmit     func()
	// settledByOther lands a competing settlement before settleErr is returned.
	settledByOther bool

	reads        int
	settleCalls  int
	sponsorCalls int
	lastContract string
	lastSigned   []byte
	lastSender   string
}

func newChainStub() *chainStub {
	return &chainStub{
		records:      make(map[string]*domain.OnchainPledge),
		reviewWindow: 3 * 24 * time.Hour,
		relayer:      true,
	}
}

func (c *chainStub) ReviewWindow(ctx context.Context, contractAddress string) (time.Duration, error) {
	return c.reviewWindow, c.reviewErr
}

func (c *chainStub) GetPledge(ctx context.Context, contractAddress string, onchainPledgeID *big.Int) (*domain.OnchainPledge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	c.lastContract = contractAddress
	if c.readErr != nil {
		return nil, c.readErr
	}
	record, ok := c.records[onchainPledgeID.String()]
	if !ok {
		return &domain.OnchainPledge{Exists: false}, nil
	}
	copied := *record
	return &copied, nil
}

func (c *chainStub) settle(onchainPledgeID *big.Int) (string, error) {
	record, ok := c.records[onchainPledgeID.String()]
	if !ok {
		return "", &escrowclient.RevertError{Stage: escrowclient.StageSimulate, Reason: "PledgeNotFound"}
	}
	if record.Status != domain.OnchainStatusActive {
		return "", &escrowclient.RevertError{Stage: escrowclient.StageSimulate, Reason: "PledgeNotActive"}
	}
	record.Status = domain.OnchainStatusSettled
	record.SettledAt = uint64(testNow.Unix())
	return fmt.Sprintf("0x%064x", c.settleCalls+c.sponsorCalls), nil
}

func (c *chainStub) SettleNoResponse(ctx context.Context, contractAddress string, onchainPledgeID *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleCalls++
	c.lastContract = contractAddress
	if c.settleErr != nil {
		if record, ok := c.records[onchainPledgeID.String()]; ok && c.settledByOther {
			record.Status = domain.OnchainStatusSettled
			record.SettledAt = uint64(testNow.Unix())
		}
		return "", c.settleErr
	}
	defer c.afterSubmit()
	return c.settle(onchainPledgeID)
}

func (c *chainStub) SubmitSponsorSettlement(ctx context.Context, contractAddress string, onchainPledgeID *big.Int, rawTx []byte, expectedSender string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sponsorCalls++
	c.lastContract = contractAddress
	c.lastSigned = rawTx
	c.lastSender = expectedSender
	if c.sponsorErr != nil {
		return "", c.sponsorErr
	}
	defer c.afterSubmit()
	return c.settle(onchainPledgeID)
}

func (c *chainStub) afterSubmit() {
	if c.onSubmit != nil {
		c.onSubmit()
	}
}

func (c *chainStub) HasRelayer() bool {
	return c.relayer
}

func (c *chainStub) calls() (reads, settles, sponsors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads, c.settleCalls, c.sponsorCalls
}

type heldLease struct{}

func (heldLease) Acquire(context.Context, uuid.UUID) (func(), bool, error) {
	return nil, false, nil
}

func newTestService(repo store.Repository, chain EscrowChain, lease SettlementLease, defaultEscrow string) *Service {
	svc := NewService(repo, chain, lease, Config{DefaultEscrowAddress: defaultEscrow})
	svc.now = func() time.Time { return testNow }
	return svc
}

func ptr[T any](v T) *T {
	return &v
}

// seedOnchainPledge stores a completed goal and an accepted, chain-linked pledge
// whose on-chain record matches it field for field.
func seedOnchainPledge(repo *memoryRepo, chain *chainStub, onchainID string, completedAt, deadline time.Time) (domain.Pledge, domain.Goal) {
	goal := repo.addGoal(domain.Goal{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		CompletedAt:  ptr(completedAt),
		CommitmentID: ptr("7"),
	})
	pledge := repo.addPledge(domain.Pledge{
		ID:                       uuid.New(),
		GoalID:                   goal.ID,
		SponsorID:                uuid.New(),
		AmountCents:              2500,
		Status:                   domain.PledgeStatusAccepted,
		DeadlineAt:               deadline,
		MinimumProgressThreshold: ptr(3),
		AcceptedAt:               ptr(deadline.Add(-30 * 24 * time.Hour)),
		OnchainPledgeID:          ptr(onchainID),
		EscrowContractAddress:    ptr(testEscrowAddress),
		EscrowTokenAddress:       ptr(testTokenAddress),
		EscrowAmountRaw:          ptr("1000000"),
	})
	chain.records[onchainID] = &domain.OnchainPledge{
		CommitmentID: big.NewInt(7),
		Token:        testTokenAddress,
		Amount:       big.NewInt(1_000_000),
		Deadline:     uint64(deadline.Unix()),
		MinCheckIns:  3,
		Status:       domain.OnchainStatusActive,
		Exists:       true,
	}
	return pledge, goal
}
