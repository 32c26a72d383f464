// Package chain implements the network client over go-ethereum's
// JSON-RPC client: fee market reads, estimation, signing and broadcast,
// confirmation tracking and contract reads.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/config"
	"github.com/oasisprotocol/govkeeper/fee"
	"github.com/oasisprotocol/govkeeper/gas"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/submission"
	"github.com/oasisprotocol/govkeeper/timelock"
)

const (
	moduleName = "chain"

	defaultRequestTimeout = 30 * time.Second
	defaultPollInterval   = time.Second

	// Replacements must outbid the transaction they replace; nodes
	// require at least 10%.
	replacementBumpPct = 112
)

// Backend is the part of *ethclient.Client the client uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash ethCommon.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account ethCommon.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account ethCommon.Address, key ethCommon.Hash, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	// Confirmations is the depth, including the inclusion block, at which
	// a receipt counts as confirmed. Default 1.
	Confirmations uint64
	// PollInterval is the receipt polling interval. Default 1s.
	PollInterval time.Duration
	// RequestTimeout bounds every individual request. Default 30s.
	RequestTimeout time.Duration
}

// Client is a network client bound to one chain and one credential.
// Nonce assignment and broadcast are serialized, so one Client may be
// shared by concurrent submissions.
type Client struct {
	backend Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    ethCommon.Address
	opts    Options
	logger  *log.Logger

	// Serializes nonce assignment and broadcast.
	sendLock sync.Mutex
	// Fees last broadcast per nonce, so a replacement can outbid them.
	// Nonces are dropped once they are known to be consumed.
	sent map[uint64]sentFees
}

type sentFees struct {
	feeCap *big.Int
	tipCap *big.Int
}

var (
	_ fee.MarketSource   = (*Client)(nil)
	_ gas.Simulator      = (*Client)(nil)
	_ submission.Network = (*Client)(nil)
	_ timelock.Reader    = (*Client)(nil)
)

// Dial connects to the chain's RPC endpoint and checks its chain id.
// key may be nil for a read-only client.
func Dial(ctx context.Context, chain *config.ChainConfig, key *ecdsa.PrivateKey, opts Options, logger *log.Logger) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, chain.RPC)
	if err != nil {
		return nil, fmt.Errorf("ethclient DialContext %s: %w", chain.RPC, err)
	}
	c := NewClient(backend, new(big.Int).SetUint64(chain.ChainID), key, opts, logger)

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	remote, err := backend.ChainID(reqCtx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("reading chain id from %s: %w", chain.RPC, mapError(err))
	}
	if remote.Cmp(c.chainID) != 0 {
		backend.Close()
		return nil, fmt.Errorf("chain id mismatch: %s reports %s, configured %s", chain.RPC, remote, c.chainID)
	}
	return c, nil
}

// NewClient creates a client over an established backend.
func NewClient(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey, opts Options, logger *log.Logger) *Client {
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	c := &Client{
		backend: backend,
		chainID: chainID,
		key:     key,
		opts:    opts,
		logger:  logger.WithModule(moduleName).With("chain_id", chainID),
		sent:    map[uint64]sentFees{},
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// ParsePrivateKey parses a hex-encoded secp256k1 key, with or without 0x.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// Close closes the underlying RPC connection, if the backend has one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// ChainID returns the chain id the client signs for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Address returns the signer address, or the zero address for a
// read-only client.
func (c *Client) Address() ethCommon.Address {
	return c.from
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

// QueryFeeMarket reads the current fee market. On chains with a base fee
// the max fee is 2*baseFee + tip, which stays valid through several
// consecutive full blocks.
func (c *Client) QueryFeeMarket(ctx context.Context) (*fee.Market, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	var market fee.Market
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reading latest header: %w", mapError(err))
	}
	if header.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			c.logger.Debug("gas tip suggestion unavailable", "err", err)
		} else {
			market.MaxPriorityFeePerGas = tip
			market.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
		}
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		if market.MaxFeePerGas == nil {
			return nil, fmt.Errorf("suggesting gas price: %w", mapError(err))
		}
		c.logger.Debug("gas price suggestion unavailable", "err", err)
	} else {
		market.GasPrice = price
	}
	return &market, nil
}

// EstimateResources estimates the gas call needs when sent by the signer.
func (c *Client) EstimateResources(ctx context.Context, call common.Call) (uint64, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	limit, err := c.backend.EstimateGas(ctx, c.callMsg(call))
	if err != nil {
		return 0, fmt.Errorf("estimating gas: %w", mapError(err))
	}
	return limit, nil
}

func (c *Client) callMsg(call common.Call) ethereum.CallMsg {
	to := call.To
	return ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Value: call.ValueOrZero(),
		Data:  call.Data,
	}
}

// SubmitCall signs and broadcasts req. With req.Nonce set, the
// transaction replaces whatever was sent with that nonce and its fees
// are raised to outbid it if needed.
func (c *Client) SubmitCall(ctx context.Context, req submission.Request) (*submission.Handle, error) {
	if c.key == nil {
		return nil, fmt.Errorf("client has no signing key")
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	var nonce uint64
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else {
		var err error
		if nonce, err = c.backend.PendingNonceAt(ctx, c.from); err != nil {
			return nil, fmt.Errorf("reading pending nonce: %w", mapError(err))
		}
		c.forgetSent(nonce)
	}

	tx, fees, err := c.buildTx(req, nonce)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if !isAlreadyKnown(err) {
			return nil, fmt.Errorf("sending transaction: %w", mapError(err))
		}
		c.logger.Debug("transaction already known", "tx_hash", signed.Hash().Hex())
	}
	c.sent[nonce] = fees

	return &submission.Handle{TxHash: signed.Hash(), Nonce: nonce}, nil
}

func (c *Client) buildTx(req submission.Request, nonce uint64) (*types.Transaction, sentFees, error) {
	to := req.Call.To
	prev, replacing := c.sent[nonce]
	if req.Nonce == nil {
		replacing = false
	}

	switch q := req.Quote.(type) {
	case fee.DynamicFee:
		fees := sentFees{feeCap: q.MaxFeePerGas, tipCap: q.MaxPriorityFeePerGas}
		if replacing {
			fees.feeCap = outbid(fees.feeCap, prev.feeCap)
			fees.tipCap = outbid(fees.tipCap, prev.tipCap)
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: fees.tipCap,
			GasFeeCap: fees.feeCap,
			Gas:       req.GasLimit,
			To:        &to,
			Value:     req.Call.ValueOrZero(),
			Data:      req.Call.Data,
		}), fees, nil
	case fee.FixedFee:
		fees := sentFees{feeCap: q.GasPrice, tipCap: q.GasPrice}
		if replacing {
			fees.feeCap = outbid(fees.feeCap, prev.feeCap)
			fees.tipCap = fees.feeCap
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.feeCap,
			Gas:      req.GasLimit,
			To:       &to,
			Value:    req.Call.ValueOrZero(),
			Data:     req.Call.Data,
		}), fees, nil
	default:
		return nil, sentFees{}, fmt.Errorf("unsupported fee quote %T", req.Quote)
	}
}

// forgetSent drops the recorded fees of every nonce below next. The
// caller holds sendLock.
func (c *Client) forgetSent(next uint64) {
	for nonce := range c.sent {
		if nonce < next {
			delete(c.sent, nonce)
		}
	}
}

// outbid returns the larger of quoted and the minimum replacement price
// for prev.
func outbid(quoted, prev *big.Int) *big.Int {
	if prev == nil {
		return quoted
	}
	floor := new(big.Int).Mul(prev, big.NewInt(replacementBumpPct))
	floor.Div(floor, big.NewInt(100))
	if quoted.Cmp(floor) >= 0 {
		return quoted
	}
	return floor
}

// FindReceipt returns the receipt of h, or nil if it is not included.
func (c *Client) FindReceipt(ctx context.Context, h *submission.Handle) (*types.Receipt, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	receipt, err := c.backend.TransactionReceipt(ctx, h.TxHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading receipt %s: %w", h.TxHash.Hex(), mapError(err))
	}
	// Included, so this nonce and every earlier one are consumed.
	c.sendLock.Lock()
	c.forgetSent(h.Nonce + 1)
	c.sendLock.Unlock()
	return receipt, nil
}

// AwaitConfirmation polls for the receipt of h until it is buried under
// the configured number of confirmations. A failed receipt is returned
// as a *submission.RevertError carrying the replayed revert reason.
func (c *Client) AwaitConfirmation(ctx context.Context, h *submission.Handle) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, confirmed, err := c.checkConfirmation(ctx, h)
		switch {
		case err != nil:
			// Poll failures are retried until the deadline.
			c.logger.Debug("confirmation poll failed", "tx_hash", h.TxHash.Hex(), "err", err)
		case confirmed && receipt.Status != types.ReceiptStatusSuccessful:
			return nil, c.replayRevert(ctx, receipt)
		case confirmed:
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", submission.ErrConfirmationTimeout, h.TxHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) checkConfirmation(ctx context.Context, h *submission.Handle) (*types.Receipt, bool, error) {
	receipt, err := c.FindReceipt(ctx, h)
	if err != nil || receipt == nil {
		return nil, false, err
	}
	if c.opts.Confirmations <= 1 {
		return receipt, true, nil
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	head, err := c.backend.BlockNumber(reqCtx)
	if err != nil {
		return nil, false, fmt.Errorf("reading block number: %w", mapError(err))
	}
	included := receipt.BlockNumber.Uint64()
	return receipt, head >= included && head-included+1 >= c.opts.Confirmations, nil
}

// replayRevert re-executes a failed transaction at its block to recover
// the revert reason.
func (c *Client) replayRevert(ctx context.Context, receipt *types.Receipt) error {
	txHash := receipt.TxHash
	fallback := &submission.RevertError{TxHash: &txHash}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	tx, _, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		c.logger.Warn("cannot replay failed transaction", "tx_hash", txHash.Hex(), "err", err)
		return fallback
	}
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, receipt.BlockNumber)
	if err == nil {
		// The replay succeeded, e.g. the failure was out of gas.
		fallback.Reason = fmt.Sprintf("failed on-chain, gas used %d of %d", receipt.GasUsed, tx.Gas())
		return fallback
	}
	var revert *submission.RevertError
	if errors.As(mapError(err), &revert) {
		revert.TxHash = &txHash
		return revert
	}
	c.logger.Warn("cannot replay failed transaction", "tx_hash", txHash.Hex(), "err", err)
	return fallback
}

// CallContract performs a read-only call against the latest state.
func (c *Client) CallContract(ctx context.Context, call common.Call) ([]byte, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	out, err := c.backend.CallContract(ctx, c.callMsg(call), nil)
	if err != nil {
		return nil, fmt.Errorf("ethclient CallContract: %w", mapError(err))
	}
	return out, nil
}

// CodeAt returns the code deployed at account.
func (c *Client) CodeAt(ctx context.Context, account ethCommon.Address) ([]byte, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	code, err := c.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("ethclient CodeAt: %w", mapError(err))
	}
	return code, nil
}

// StorageAt returns the storage slot key of account.
func (c *Client) StorageAt(ctx context.Context, account ethCommon.Address, key ethCommon.Hash) (ethCommon.Hash, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	value, err := c.backend.StorageAt(ctx, account, key, nil)
	if err != nil {
		return ethCommon.Hash{}, fmt.Errorf("ethclient StorageAt: %w", mapError(err))
	}
	return ethCommon.BytesToHash(value), nil
}

// Now returns the timestamp of the latest block.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading latest header: %w", mapError(err))
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}
