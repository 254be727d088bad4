/**
 * @description
 * Core domain models for sponsorship pledges and the goals they are attached to.
 * A Pledge is the off-chain mirror of an escrow record that may live on-chain;
 * the status field partitions work between the sweepers and settlement paths.
 */
package domain

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PledgeStatus is the lifecycle state of a pledge.
type PledgeStatus string

const (
	PledgeStatusOffered   PledgeStatus = "offered"
	PledgeStatusAccepted  PledgeStatus = "accepted"
	PledgeStatusSettled   PledgeStatus = "settled"
	PledgeStatusExpired   PledgeStatus = "expired"
	PledgeStatusCancelled PledgeStatus = "cancelled"
)

// On-chain escrow status codes returned by pledges(uint256).
const (
	OnchainStatusActive  uint8 = 0
	OnchainStatusSettled uint8 = 1
)

var (
	ErrInvalidTransition     = errors.New("pledge status transition not allowed")
	ErrPledgeNotOffered      = errors.New("pledge is not an open offer")
	ErrPledgeNotAccepted     = errors.New("pledge is not accepted")
	ErrPledgeAlreadySettled  = errors.New("pledge is already settled")
	ErrOfferExpired          = errors.New("pledge offer deadline has passed")
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
	ErrInvalidDeadline       = errors.New("deadline must be in the future")
	ErrInvalidThreshold      = errors.New("minimum progress threshold must not be negative")
	ErrSelfSponsorship       = errors.New("goal owners cannot sponsor their own goal")
	ErrGoalAlreadyCompleted  = errors.New("goal is already completed")
	ErrNotPledgeSponsor      = errors.New("only the pledge sponsor can perform this action")
	ErrNotGoalOwner          = errors.New("only the goal owner can perform this action")
	ErrInvalidOnchainPledge  = errors.New("onchain pledge id must be an unsigned integer")
	ErrInvalidEscrowAmount   = errors.New("escrow amount must be an unsigned integer")
	ErrInvalidEscrowAddress  = errors.New("escrow address is not a valid contract address")
	ErrEscrowLinkMismatch    = errors.New("escrow link does not match the on-chain record")
	ErrOnchainEscrowInactive = errors.New("on-chain escrow is not active")
)

// allowedTransitions encodes offered -> {accepted|expired|cancelled} and accepted -> settled.
var allowedTransitions = map[PledgeStatus][]PledgeStatus{
	PledgeStatusOffered:  {PledgeStatusAccepted, PledgeStatusExpired, PledgeStatusCancelled},
	PledgeStatusAccepted: {PledgeStatusSettled},
}

// IsTerminal reports whether no further transition is possible from s.
func (s PledgeStatus) IsTerminal() bool {
	return s == PledgeStatusSettled || s == PledgeStatusExpired || s == PledgeStatusCancelled
}

// IsValid reports whether s is a known status.
func (s PledgeStatus) IsValid() bool {
	switch s {
	case PledgeStatusOffered, PledgeStatusAccepted, PledgeStatusSettled, PledgeStatusExpired, PledgeStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a pledge may move from one status to another.
func CanTransition(from, to PledgeStatus) bool {
	if !from.IsValid() || !to.IsValid() || from.IsTerminal() {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Pledge is a sponsor's conditional monetary commitment against a goal.
type Pledge struct {
	ID                       uuid.UUID    `json:"id"`
	GoalID                   uuid.UUID    `json:"goal_id"`
	SponsorID                uuid.UUID    `json:"sponsor_id"`
	AmountCents              int64        `json:"amount_cents"`
	Status                   PledgeStatus `json:"status"`
	DeadlineAt               time.Time    `json:"deadline_at"`
	MinimumProgressThreshold *int         `json:"min_check_ins,omitempty"`
	AcceptedAt               *time.Time   `json:"accepted_at,omitempty"`
	ApprovalAt               *time.Time   `json:"approval_at,omitempty"`
	SettledAt                *time.Time   `json:"settled_at,omitempty"`
	OnchainPledgeID          *string      `json:"onchain_pledge_id,omitempty"`
	EscrowContractAddress    *string      `json:"escrow_contract_address,omitempty"`
	EscrowTokenAddress       *string      `json:"escrow_token_address,omitempty"`
	EscrowAmountRaw          *string      `json:"escrow_amount_raw,omitempty"`
	SettlementTx             *string      `json:"settlement_tx,omitempty"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

// HasOnchainEscrow reports whether the pledge has an escrow counterpart on-chain.
// Pledges created before escrow integration settle purely off-chain.
func (p Pledge) HasOnchainEscrow() bool {
	return p.OnchainPledgeID != nil && strings.TrimSpace(*p.OnchainPledgeID) != ""
}

// MinimumCheckIns returns the threshold with null treated as zero.
func (p Pledge) MinimumCheckIns() int {
	if p.MinimumProgressThreshold == nil {
		return 0
	}
	return *p.MinimumProgressThreshold
}

// Goal carries the goal attributes the pledge flows depend on.
type Goal struct {
	ID                        uuid.UUID  `json:"id"`
	UserID                    uuid.UUID  `json:"user_id"`
	CompletedAt               *time.Time `json:"completed_at,omitempty"`
	CommitmentID              *string    `json:"commitment_id,omitempty"`
	CommitmentContractAddress *string    `json:"commitment_contract_address,omitempty"`
}

// OnchainPledge is the escrow tuple read from pledges(uint256).
type OnchainPledge struct {
	CommitmentID *big.Int
	Sponsor      string
	Token        string
	Amount       *big.Int
	Deadline     uint64
	MinCheckIns  uint64
	ApprovedAt   uint64
	SettledAt    uint64
	Status       uint8
	Exists       bool
}

// EscrowLink is the on-chain escrow reference recorded when an offer is accepted.
type EscrowLink struct {
	OnchainPledgeID       string  `json:"onchain_pledge_id"`
	EscrowContractAddress *string `json:"escrow_contract_address,omitempty"`
	EscrowTokenAddress    *string `json:"escrow_token_address,omitempty"`
	EscrowAmountRaw       *string `json:"escrow_amount_raw,omitempty"`
}

// CreatePledgeRequest is the payload a sponsor submits to offer a pledge.
type CreatePledgeRequest struct {
	GoalID                   string    `json:"goal_id"`
	AmountCents              int64     `json:"amount_cents"`
	DeadlineAt               time.Time `json:"deadline_at"`
	MinimumProgressThreshold *int      `json:"min_check_ins,omitempty"`
}

// ValidateOffer checks a new offer against its goal.
func ValidateOffer(req CreatePledgeRequest, sponsorID uuid.UUID, goal Goal, now time.Time) error {
	if req.AmountCents <= 0 {
		return ErrInvalidAmount
	}
	if !req.DeadlineAt.After(now) {
		return ErrInvalidDeadline
	}
	if req.MinimumProgressThreshold != nil && *req.MinimumProgressThreshold < 0 {
		return ErrInvalidThreshold
	}
	if goal.UserID == sponsorID {
		return ErrSelfSponsorship
	}
	if goal.CompletedAt != nil {
		return ErrGoalAlreadyCompleted
	}
	return nil
}

// ParseOnchainPledgeID parses a numeric on-chain pledge id.
func ParseOnchainPledgeID(raw string) (*big.Int, error) {
	return parseUnsigned(raw, ErrInvalidOnchainPledge)
}

// ParseRawAmount parses a raw token-unit amount.
func ParseRawAmount(raw string) (*big.Int, error) {
	return parseUnsigned(raw, ErrInvalidEscrowAmount)
}

func parseUnsigned(raw string, invalid error) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, invalid
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return nil, invalid
		}
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalid
	}
	return value, nil
}
