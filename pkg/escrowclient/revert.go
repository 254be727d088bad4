package escrowclient

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Stages at which a contract write can be rejected.
const (
	StageSimulate = "simulate"
	StageSubmit   = "submit"
	StageReceipt  = "receipt"
)

// RevertError is returned when the contract rejects a settlement. Reason holds
// the decoded custom error name or revert string when one is available.
type RevertError struct {
	Stage  string
	Reason string
	TxHash string
	Err    error
}

func (e *RevertError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("escrow %s reverted (%s): %s", e.Stage, e.TxHash, e.Reason)
	}
	return fmt.Sprintf("escrow %s reverted: %s", e.Stage, e.Reason)
}

func (e *RevertError) Unwrap() error {
	return e.Err
}

// UnconfirmedTxError means a transaction was accepted by the node but its
// receipt was not observed. The transaction may still mine.
type UnconfirmedTxError struct {
	TxHash string
	Err    error
}

func (e *UnconfirmedTxError) Error() string {
	return fmt.Sprintf("transaction %s submitted but not confirmed: %v", e.TxHash, e.Err)
}

func (e *UnconfirmedTxError) Unwrap() error {
	return e.Err
}

// TxHashOf returns the hash of the broadcast transaction carried by err, if any.
func TxHashOf(err error) string {
	var revertErr *RevertError
	if errors.As(err, &revertErr) && revertErr.TxHash != "" {
		return revertErr.TxHash
	}
	var pendingErr *UnconfirmedTxError
	if errors.As(err, &pendingErr) {
		return pendingErr.TxHash
	}
	return ""
}

// classify turns a revert into a RevertError and leaves transport errors alone.
func (c *Client) classify(stage string, err error) error {
	if err == nil {
		return nil
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason := c.decodeRevertData(dataErr.ErrorData()); reason != "" {
			return &RevertError{Stage: stage, Reason: reason, Err: err}
		}
		return &RevertError{Stage: stage, Reason: err.Error(), Err: err}
	}

	message := err.Error()
	if strings.Contains(strings.ToLower(message), "revert") {
		return &RevertError{Stage: stage, Reason: message, Err: err}
	}
	return fmt.Errorf("escrow %s failed: %w", stage, err)
}

func (c *Client) decodeRevertData(raw interface{}) string {
	var data []byte
	switch v := raw.(type) {
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return ""
		}
		data = decoded
	case []byte:
		data = v
	default:
		return ""
	}
	if len(data) < 4 {
		return ""
	}

	for name, customErr := range c.abi.Errors {
		if bytes.Equal(data[:4], customErr.ID[:4]) {
			return name
		}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return ""
}
