package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SettlementTrigger names the path that moved a pledge to settled.
type SettlementTrigger string

const (
	SettlementViaSponsorApproval   SettlementTrigger = "sponsor_approval"
	SettlementViaNoResponseTimeout SettlementTrigger = "no_response_timeout"
	SettlementViaLegacyOffchain    SettlementTrigger = "legacy_offchain"
)

const EventTypePledgeSettled = "pledge_settled"

var (
	ErrGoalNotCompleted         = errors.New("goal has not been marked complete")
	ErrReviewWindowOpen         = errors.New("sponsor review window has not elapsed")
	ErrDeadlineNotReached       = errors.New("pledge deadline has not been reached")
	ErrOnchainEscrowRequired    = errors.New("pledge has no on-chain escrow")
	ErrOnchainEscrowPresent     = errors.New("pledge has an on-chain escrow and must settle on-chain")
	ErrSettlementTxRequired     = errors.New("on-chain settlement requires a transaction hash")
	ErrGoalMismatch             = errors.New("goal does not belong to pledge")
	ErrUnknownSettlementCommand = errors.New("unknown settlement command")
)

// SettlementCommand is one of ViaSponsorApproval, ViaNoResponseTimeout or ViaLegacyOffchain.
type SettlementCommand interface {
	Trigger() SettlementTrigger
	settlementCommand()
}

// ViaSponsorApproval settles because the sponsor approved completion.
type ViaSponsorApproval struct {
	SponsorID uuid.UUID
}

// ViaNoResponseTimeout settles an on-chain escrow the sponsor never reviewed.
type ViaNoResponseTimeout struct {
	ReviewWindow time.Duration
}

// ViaLegacyOffchain settles a pre-escrow pledge the sponsor never reviewed.
type ViaLegacyOffchain struct {
	ReviewWindow time.Duration
}

func (ViaSponsorApproval) Trigger() SettlementTrigger   { return SettlementViaSponsorApproval }
func (ViaNoResponseTimeout) Trigger() SettlementTrigger { return SettlementViaNoResponseTimeout }
func (ViaLegacyOffchain) Trigger() SettlementTrigger    { return SettlementViaLegacyOffchain }

func (ViaSponsorApproval) settlementCommand()   {}
func (ViaNoResponseTimeout) settlementCommand() {}
func (ViaLegacyOffchain) settlementCommand()    {}

// SettlementUpdate holds the terminal field values written for a settled pledge.
type SettlementUpdate struct {
	PledgeID     uuid.UUID
	Trigger      SettlementTrigger
	SettledAt    time.Time
	ApprovalAt   *time.Time
	SettlementTx *string
	Event        Event
}

// PlanSettlement decides whether cmd may settle p at now. It must pass before
// any on-chain action is attempted.
func PlanSettlement(p Pledge, goal *Goal, cmd SettlementCommand, now time.Time) error {
	if p.Status == PledgeStatusSettled || p.SettledAt != nil {
		return ErrPledgeAlreadySettled
	}
	if p.Status != PledgeStatusAccepted {
		return ErrPledgeNotAccepted
	}
	if goal == nil || goal.ID != p.GoalID {
		return ErrGoalMismatch
	}
	if goal.CompletedAt == nil {
		return ErrGoalNotCompleted
	}

	switch c := cmd.(type) {
	case ViaSponsorApproval:
		if c.SponsorID != p.SponsorID {
			return ErrNotPledgeSponsor
		}
		return nil
	case ViaNoResponseTimeout:
		if !p.HasOnchainEscrow() {
			return ErrOnchainEscrowRequired
		}
		return checkNoResponseElapsed(p, *goal, c.ReviewWindow, now)
	case ViaLegacyOffchain:
		if p.HasOnchainEscrow() {
			return ErrOnchainEscrowPresent
		}
		return checkNoResponseElapsed(p, *goal, c.ReviewWindow, now)
	default:
		return ErrUnknownSettlementCommand
	}
}

// Both the review window and the original deadline must have elapsed.
func checkNoResponseElapsed(p Pledge, goal Goal, window time.Duration, now time.Time) error {
	if goal.CompletedAt.Add(window).After(now) {
		return ErrReviewWindowOpen
	}
	if p.DeadlineAt.After(now) {
		return ErrDeadlineNotReached
	}
	return nil
}

// ApplySettlement produces the settled field values and the domain event for p.
// txHash is the confirmed settlement transaction, empty for off-chain settlement.
func ApplySettlement(p Pledge, goal Goal, cmd SettlementCommand, txHash string, now time.Time) (SettlementUpdate, error) {
	if !CanTransition(p.Status, PledgeStatusSettled) {
		return SettlementUpdate{}, ErrInvalidTransition
	}
	if cmd == nil {
		return SettlementUpdate{}, ErrUnknownSettlementCommand
	}
	if p.HasOnchainEscrow() && txHash == "" {
		return SettlementUpdate{}, ErrSettlementTxRequired
	}

	settledAt := now.UTC()
	update := SettlementUpdate{
		PledgeID:  p.ID,
		Trigger:   cmd.Trigger(),
		SettledAt: settledAt,
	}
	if txHash != "" {
		hash := txHash
		update.SettlementTx = &hash
	}
	if _, ok := cmd.(ViaSponsorApproval); ok {
		update.ApprovalAt = &settledAt
	}

	data := map[string]any{
		"trigger":      string(update.Trigger),
		"amount_cents": p.AmountCents,
		"sponsor_id":   p.SponsorID.String(),
	}
	if update.SettlementTx != nil {
		data["settlement_tx"] = *update.SettlementTx
	}
	if p.HasOnchainEscrow() {
		data["onchain_pledge_id"] = *p.OnchainPledgeID
	}

	update.Event = Event{
		ID:        uuid.New(),
		UserID:    goal.UserID,
		EventType: EventTypePledgeSettled,
		GoalID:    goal.ID,
		PledgeID:  p.ID,
		Data:      data,
		CreatedAt: settledAt,
	}
	return update, nil
}

// IsNotYetEligible reports whether err only means the pledge may become
// eligible later.
func IsNotYetEligible(err error) bool {
	return errors.Is(err, ErrGoalNotCompleted) ||
		errors.Is(err, ErrReviewWindowOpen) ||
		errors.Is(err, ErrDeadlineNotReached) ||
		errors.Is(err, ErrOnchainEscrowRequired) ||
		errors.Is(err, ErrOnchainEscrowPresent) ||
		errors.Is(err, ErrPledgeAlreadySettled)
}
