/**
 * @description
 * Result shapes for the pledge sweepers, the drift reconciler and the
 * settlement runs. These are returned to trigger callers as JSON.
 */
package domain

import "github.com/google/uuid"

// DriftIssue classifies a mismatch between a pledge row and its escrow record.
type DriftIssue string

const (
	DriftEscrowContractAddressMissing DriftIssue = "escrow_contract_address_missing"
	DriftOnchainPledgeIDInvalid       DriftIssue = "onchain_pledge_id_invalid"
	DriftOnchainReadFailed            DriftIssue = "onchain_read_failed"
	DriftOnchainPledgeMissing         DriftIssue = "onchain_pledge_missing"
	DriftUnexpectedDBStatus           DriftIssue = "unexpected_db_status_for_onchain_pledge"
	DriftStatus                       DriftIssue = "status_drift"
	DriftSettlementFlag               DriftIssue = "settlement_flag_drift"
	DriftEscrowAmountInvalid          DriftIssue = "escrow_amount_invalid"
	DriftEscrowAmount                 DriftIssue = "escrow_amount_drift"
	DriftCommitmentIDInvalid          DriftIssue = "commitment_id_invalid"
	DriftCommitmentID                 DriftIssue = "commitment_id_drift"
	DriftDeadline                     DriftIssue = "deadline_drift"
	DriftMinCheckIns                  DriftIssue = "min_check_ins_drift"
)

// DriftEntry is one reported divergence. It is never persisted.
type DriftEntry struct {
	PledgeID        uuid.UUID  `json:"pledge_id"`
	Issue           DriftIssue `json:"issue"`
	Expected        string     `json:"expected,omitempty"`
	Actual          string     `json:"actual,omitempty"`
	ContractAddress string     `json:"contract_address,omitempty"`
	OnchainPledgeID string     `json:"onchain_pledge_id,omitempty"`
}

// DriftReport summarizes one reconciliation pass.
type DriftReport struct {
	Scanned    int          `json:"scanned"`
	Matched    int          `json:"matched"`
	Drifted    int          `json:"drifted"`
	DriftItems int          `json:"drift_items"`
	Drifts     []DriftEntry `json:"drifts"`
}

// ExpiryResult summarizes an offer expiry sweep.
type ExpiryResult struct {
	Expired   int         `json:"expired"`
	PledgeIDs []uuid.UUID `json:"pledge_ids"`
}

// Failure kinds reported in SettlementFailure.Kind.
const (
	FailureKindValidation            = "validation"
	FailureKindConfiguration         = "configuration"
	FailureKindChain                 = "chain"
	FailureKindPostCommitPersistence = "post_commit_persistence"
	FailureKindPersistence           = "persistence"
)

// SettlementFailure is one pledge a settlement run could not settle.
type SettlementFailure struct {
	PledgeID     uuid.UUID `json:"pledge_id"`
	Kind         string    `json:"kind"`
	Error        string    `json:"error"`
	SettlementTx string    `json:"settlement_tx,omitempty"`
}

// SettlementRunResult summarizes a batch settlement run.
type SettlementRunResult struct {
	Settled             int                 `json:"settled"`
	Skipped             int                 `json:"skipped"`
	Failed              int                 `json:"failed"`
	Failures            []SettlementFailure `json:"failures"`
	ReviewWindowSeconds int64               `json:"review_window_seconds,omitempty"`
}

// SponsorApprovalResult is returned after a sponsor settles a pledge.
type SponsorApprovalResult struct {
	PledgeID     uuid.UUID    `json:"pledge_id"`
	Status       PledgeStatus `json:"status"`
	SettlementTx *string      `json:"settlement_tx,omitempty"`
}
