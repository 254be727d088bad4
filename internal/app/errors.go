package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/pkg/escrowclient"
)

var (
	ErrSettlementInProgress = errors.New("settlement for this pledge is already in progress")
	ErrPledgeStateChanged   = errors.New("pledge changed state concurrently")
	ErrSignedTxRequired     = errors.New("signed settlement transaction is required for on-chain pledges")
	ErrInvalidSignedTx      = errors.New("signed settlement transaction is not valid hex")
)

// ConfigError reports a setting that a procedure needs but is not configured.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing configuration: %s", e.Setting)
}

// PostCommitPersistenceError means the escrow transaction was confirmed but the
// off-chain mirror could not be written. It must never be retried on-chain.
type PostCommitPersistenceError struct {
	PledgeID     uuid.UUID
	SettlementTx string
	Err          error
}

func (e *PostCommitPersistenceError) Error() string {
	return fmt.Sprintf("on-chain settlement %s confirmed but off-chain update for pledge %s failed: %v", e.SettlementTx, e.PledgeID, e.Err)
}

func (e *PostCommitPersistenceError) Unwrap() error {
	return e.Err
}

// benignRevertReasons are contract errors meaning "not eligible yet" or
// "already handled". They are skips, not failures.
var benignRevertReasons = []string{
	"CommitmentNotCompleted",
	"DeadlineNotReached",
	"ReviewWindowActive",
	"SettlementWindowOpen",
	"MinimumCheckInsNotMet",
	"MinCheckInsNotMet",
	"PledgeNotActive",
	"PledgeInactive",
	"PledgeNotFound",
}

// IsBenignRevert reports whether err is an expected contract revert.
func IsBenignRevert(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	var revertErr *escrowclient.RevertError
	if errors.As(err, &revertErr) {
		message = revertErr.Reason + " " + message
	}
	for _, reason := range benignRevertReasons {
		if strings.Contains(message, reason) {
			return true
		}
	}
	return false
}

// IsOnchainRejection reports whether err is a contract revert of any kind.
func IsOnchainRejection(err error) bool {
	var revertErr *escrowclient.RevertError
	return errors.As(err, &revertErr)
}
