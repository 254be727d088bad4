/**
 * @description
 * Client for the on-chain pledge escrow contract. It reads escrow records,
 * submits no-response settlements from the relayer account, and broadcasts
 * sponsor-signed settlement transactions. Every write is simulated before it
 * is submitted and is only reported successful after a mined receipt.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: JSON-RPC client, ABI codec, transaction signing.
 */
package escrowclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

const defaultReceiptPollInterval = 2 * time.Second

var (
	ErrRelayerNotConfigured = errors.New("relayer private key is not configured")
	ErrInvalidAddress       = errors.New("invalid contract address")
	ErrSponsorTxMismatch    = errors.New("signed transaction does not settle this pledge")
	ErrSponsorSenderInvalid = errors.New("signed transaction sender does not match sponsor wallet")
	ErrSponsorWalletMissing = errors.New("sponsor wallet address is required to verify the signed transaction")
)

// Backend is the subset of the JSON-RPC API the client needs. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options configures a Client.
type Options struct {
	ChainID             int64
	RelayerPrivateKey   string
	CallTimeout         time.Duration
	ReceiptPollInterval time.Duration
}

// Client talks to escrow contracts through a single RPC backend.
type Client struct {
	backend      Backend
	abi          abi.ABI
	chainID      *big.Int
	relayerKey   *ecdsa.PrivateKey
	relayerAddr  common.Address
	callTimeout  time.Duration
	pollInterval time.Duration

	// relayerMu serializes relayer submissions so nonces are never reused.
	relayerMu sync.Mutex
}

// Dial connects to rpcURL and builds a Client.
func Dial(ctx context.Context, rpcURL string, opts Options) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, strings.TrimSpace(rpcURL))
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	if opts.ChainID == 0 {
		chainID, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("failed to read chain id: %w", err)
		}
		opts.ChainID = chainID.Int64()
	}
	return NewClient(eth, opts)
}

// NewClient creates a Client over an existing backend.
func NewClient(backend Backend, opts Options) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}

	c := &Client{
		backend:      backend,
		abi:          parsed,
		chainID:      big.NewInt(opts.ChainID),
		callTimeout:  opts.CallTimeout,
		pollInterval: opts.ReceiptPollInterval,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultReceiptPollInterval
	}

	if key := strings.TrimPrefix(strings.TrimSpace(opts.RelayerPrivateKey), "0x"); key != "" {
		relayerKey, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("invalid relayer private key: %w", err)
		}
		c.relayerKey = relayerKey
		c.relayerAddr = crypto.PubkeyToAddress(relayerKey.PublicKey)
	}
	return c, nil
}

// IsValidAddress reports whether s is a syntactically valid hex address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// HasRelayer reports whether a relayer key is configured.
func (c *Client) HasRelayer() bool {
	return c.relayerKey != nil
}

// RelayerAddress returns the relayer account address, if configured.
func (c *Client) RelayerAddress() string {
	if c.relayerKey == nil {
		return ""
	}
	return c.relayerAddr.Hex()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func (c *Client) call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.backend.CallContract(callCtx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

// ReviewWindow reads reviewWindowSeconds() from the contract.
func (c *Client) ReviewWindow(ctx context.Context, contractAddress string) (time.Duration, error) {
	contract, err := parseAddress(contractAddress)
	if err != nil {
		return 0, err
	}
	values, err := c.call(ctx, contract, methodReviewWindow)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("unexpected reviewWindowSeconds output length %d", len(values))
	}
	seconds, ok := values[0].(*big.Int)
	if !ok || seconds.Sign() < 0 || !seconds.IsInt64() {
		return 0, fmt.Errorf("unexpected reviewWindowSeconds value %v", values[0])
	}
	return time.Duration(seconds.Int64()) * time.Second, nil
}

// GetPledge reads pledges(id) from the contract.
func (c *Client) GetPledge(ctx context.Context, contractAddress string, onchainPledgeID *big.Int) (*domain.OnchainPledge, error) {
	contract, err := parseAddress(contractAddress)
	if err != nil {
		return nil, err
	}
	values, err := c.call(ctx, contract, methodPledges, onchainPledgeID)
	if err != nil {
		return nil, err
	}
	return decodePledge(values)
}

func decodePledge(values []interface{}) (*domain.OnchainPledge, error) {
	if len(values) != 10 {
		return nil, fmt.Errorf("unexpected pledges output length %d", len(values))
	}

	bigAt := func(i int) (*big.Int, error) {
		v, ok := values[i].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("pledges output %d has type %T", i, values[i])
		}
		return v, nil
	}
	uintAt := func(i int) (uint64, error) {
		v, err := bigAt(i)
		if err != nil {
			return 0, err
		}
		if !v.IsUint64() {
			return 0, fmt.Errorf("pledges output %d overflows uint64", i)
		}
		return v.Uint64(), nil
	}

	commitmentID, err := bigAt(0)
	if err != nil {
		return nil, err
	}
	sponsor, ok := values[1].(common.Address)
	if !ok {
		return nil, fmt.Errorf("pledges output 1 has type %T", values[1])
	}
	token, ok := values[2].(common.Address)
	if !ok {
		return nil, fmt.Errorf("pledges output 2 has type %T", values[2])
	}
	amount, err := bigAt(3)
	if err != nil {
		return nil, err
	}

	pledge := &domain.OnchainPledge{
		CommitmentID: commitmentID,
		Sponsor:      sponsor.Hex(),
		Token:        token.Hex(),
		Amount:       amount,
	}
	if pledge.Deadline, err = uintAt(4); err != nil {
		return nil, err
	}
	if pledge.MinCheckIns, err = uintAt(5); err != nil {
		return nil, err
	}
	if pledge.ApprovedAt, err = uintAt(6); err != nil {
		return nil, err
	}
	if pledge.SettledAt, err = uintAt(7); err != nil {
		return nil, err
	}
	if pledge.Status, ok = values[8].(uint8); !ok {
		return nil, fmt.Errorf("pledges output 8 has type %T", values[8])
	}
	if pledge.Exists, ok = values[9].(bool); !ok {
		return nil, fmt.Errorf("pledges output 9 has type %T", values[9])
	}
	return pledge, nil
}

// SponsorSettlementCalldata returns the calldata a sponsor wallet must sign.
func (c *Client) SponsorSettlementCalldata(onchainPledgeID *big.Int) ([]byte, error) {
	return c.abi.Pack(methodSettleBySponsor, onchainPledgeID)
}

// SettleNoResponse simulates, submits and confirms settlePledgeNoResponse(id)
// from the relayer account. It returns the confirmed transaction hash.
func (c *Client) SettleNoResponse(ctx context.Context, contractAddress string, onchainPledgeID *big.Int) (string, error) {
	if c.relayerKey == nil {
		return "", ErrRelayerNotConfigured
	}
	contract, err := parseAddress(contractAddress)
	if err != nil {
		return "", err
	}
	data, err := c.abi.Pack(methodSettleNoResponse, onchainPledgeID)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s: %w", methodSettleNoResponse, err)
	}

	c.relayerMu.Lock()
	defer c.relayerMu.Unlock()

	msg := ethereum.CallMsg{From: c.relayerAddr, To: &contract, Data: data}
	if err := c.simulate(ctx, msg); err != nil {
		return "", err
	}

	signed, err := c.buildRelayerTx(ctx, msg)
	if err != nil {
		return "", err
	}

	return c.submitAndConfirm(ctx, signed)
}

// SubmitSponsorSettlement verifies that rawTx is a sponsor-signed
// settlePledgeBySponsor(id) call against contractAddress signed by
// expectedSender, simulates it from the signer, broadcasts it and waits for
// confirmation.
func (c *Client) SubmitSponsorSettlement(ctx context.Context, contractAddress string, onchainPledgeID *big.Int, rawTx []byte, expectedSender string) (string, error) {
	expected := strings.TrimSpace(expectedSender)
	if expected == "" {
		return "", ErrSponsorWalletMissing
	}
	if !common.IsHexAddress(expected) {
		return "", fmt.Errorf("%w: %q", ErrSponsorSenderInvalid, expectedSender)
	}
	contract, err := parseAddress(contractAddress)
	if err != nil {
		return "", err
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSponsorTxMismatch, err)
	}

	want, err := c.SponsorSettlementCalldata(onchainPledgeID)
	if err != nil {
		return "", err
	}
	if tx.To() == nil || *tx.To() != contract || !bytes.Equal(tx.Data(), want) {
		return "", ErrSponsorTxMismatch
	}
	if c.chainID.Sign() > 0 && tx.ChainId() != nil && tx.ChainId().Sign() > 0 && tx.ChainId().Cmp(c.chainID) != 0 {
		return "", fmt.Errorf("%w: chain id %s", ErrSponsorTxMismatch, tx.ChainId())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSponsorSenderInvalid, err)
	}
	if common.HexToAddress(expected) != sender {
		return "", ErrSponsorSenderInvalid
	}

	if err := c.simulate(ctx, ethereum.CallMsg{From: sender, To: &contract, Data: tx.Data(), Value: tx.Value()}); err != nil {
		return "", err
	}

	return c.submitAndConfirm(ctx, tx)
}

func (c *Client) simulate(ctx context.Context, msg ethereum.CallMsg) error {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.backend.CallContract(callCtx, msg, nil); err != nil {
		return c.classify(StageSimulate, err)
	}
	return nil
}

func (c *Client) buildRelayerTx(ctx context.Context, msg ethereum.CallMsg) (*types.Transaction, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	gas, err := c.backend.EstimateGas(callCtx, msg)
	if err != nil {
		return nil, c.classify(StageSimulate, err)
	}
	nonce, err := c.backend.PendingNonceAt(callCtx, c.relayerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read relayer nonce: %w", err)
	}
	header, err := c.backend.HeaderByNumber(callCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest header: %w", err)
	}

	var unsigned *types.Transaction
	if header.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(callCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        msg.To,
			Data:      msg.Data,
		})
	} else {
		gasPrice, err := c.backend.SuggestGasPrice(callCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       msg.To,
			Data:     msg.Data,
		})
	}

	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(c.chainID), c.relayerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign relayer transaction: %w", err)
	}
	return signed, nil
}

func (c *Client) submitAndConfirm(ctx context.Context, tx *types.Transaction) (string, error) {
	sendCtx, cancel := c.withTimeout(ctx)
	err := c.backend.SendTransaction(sendCtx, tx)
	cancel()
	if err != nil {
		return "", c.classify(StageSubmit, err)
	}

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return "", &UnconfirmedTxError{TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", &RevertError{
			Stage:  StageReceipt,
			Reason: "transaction reverted on-chain",
			TxHash: tx.Hash().Hex(),
		}
	}
	return tx.Hash().Hex(), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
