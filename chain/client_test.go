package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/evmabi"
	"github.com/oasisprotocol/govkeeper/fee"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/submission"
)

// Well-known development key (hardhat account #0).
const testKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testChainID = big.NewInt(97)
	testTarget  = ethCommon.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeBackend struct {
	baseFee   *big.Int
	tip       *big.Int
	gasPrice  *big.Int
	headTime  uint64
	head      uint64
	nonce     uint64
	sendErr   error
	callErr   error
	sent      []*types.Transaction
	receipts  map[ethCommon.Hash]*types.Receipt
	estimate  uint64
	estimated []ethereum.CallMsg
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		baseFee:  big.NewInt(1_000_000_000),
		tip:      big.NewInt(100_000_000),
		gasPrice: big.NewInt(3_000_000_000),
		headTime: 1_700_000_000,
		head:     100,
		nonce:    4,
		receipts: map[ethCommon.Hash]*types.Receipt{},
		estimate: 50_000,
	}
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return testChainID, nil }

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(b.head), Time: b.headTime, BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return b.head, nil }

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if b.tip == nil {
		return nil, errors.New("method not found")
	}
	return b.tip, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return b.gasPrice, nil }

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.estimated = append(b.estimated, msg)
	if b.callErr != nil {
		return 0, b.callErr
	}
	return b.estimate, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error) {
	if r, ok := b.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) TransactionByHash(ctx context.Context, hash ethCommon.Hash) (*types.Transaction, bool, error) {
	for _, tx := range b.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (b *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if b.callErr != nil {
		return nil, b.callErr
	}
	return []byte{0x01}, nil
}

func (b *fakeBackend) CodeAt(ctx context.Context, account ethCommon.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *fakeBackend) StorageAt(ctx context.Context, account ethCommon.Address, key ethCommon.Hash, blockNumber *big.Int) ([]byte, error) {
	return ethCommon.LeftPadBytes(testTarget.Bytes(), 32), nil
}

// rpcError mimics a JSON-RPC error with revert data.
type rpcError struct {
	msg  string
	code int
	data interface{}
}

func (e *rpcError) Error() string          { return e.msg }
func (e *rpcError) ErrorCode() int         { return e.code }
func (e *rpcError) ErrorData() interface{} { return e.data }

func newTestClient(t *testing.T, b *fakeBackend, opts Options) *Client {
	key, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	return NewClient(b, testChainID, key, opts, log.NewDefaultLogger("chain-test"))
}

func TestQueryFeeMarket(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{})

	market, err := c.QueryFeeMarket(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100_000_000), market.MaxPriorityFeePerGas)
	require.Equal(t, big.NewInt(2_100_000_000), market.MaxFeePerGas)
	require.Equal(t, big.NewInt(3_000_000_000), market.GasPrice)

	b.baseFee = nil
	market, err = c.QueryFeeMarket(context.Background())
	require.NoError(t, err)
	require.Nil(t, market.MaxFeePerGas)
	require.Nil(t, market.MaxPriorityFeePerGas)
	require.Equal(t, big.NewInt(3_000_000_000), market.GasPrice)
}

func TestEstimateResourcesFromSigner(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{})

	limit, err := c.EstimateResources(context.Background(), common.Call{To: testTarget, Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), limit)
	require.Equal(t, c.Address(), b.estimated[0].From)
	require.Equal(t, testTarget, *b.estimated[0].To)
}

func TestSubmitCallDynamic(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{})

	h, err := c.SubmitCall(context.Background(), submission.Request{
		Call:     common.Call{To: testTarget, Value: big.NewInt(5), Data: []byte{0xaa}},
		Quote:    fee.DynamicFee{MaxFeePerGas: big.NewInt(200), MaxPriorityFeePerGas: big.NewInt(20)},
		GasLimit: 60_000,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4), h.Nonce)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, h.TxHash, tx.Hash())
	require.Equal(t, big.NewInt(200), tx.GasFeeCap())
	require.Equal(t, big.NewInt(20), tx.GasTipCap())
	require.Equal(t, uint64(60_000), tx.Gas())
	require.Equal(t, testTarget, *tx.To())
	require.Equal(t, 0, tx.ChainId().Cmp(testChainID))

	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	require.Equal(t, c.Address(), sender)
}

func TestSubmitCallLegacyReplacementOutbids(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{})
	req := submission.Request{
		Call:     common.Call{To: testTarget},
		Quote:    fee.FixedFee{GasPrice: big.NewInt(1_000)},
		GasLimit: 21_000,
	}

	first, err := c.SubmitCall(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint8(types.LegacyTxType), b.sent[0].Type())

	req.Nonce = &first.Nonce
	req.Quote = fee.FixedFee{GasPrice: big.NewInt(1_050)}
	second, err := c.SubmitCall(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Nonce, second.Nonce)
	require.Equal(t, big.NewInt(1_120), b.sent[1].GasPrice(), "raised to the replacement floor")

	req.Quote = fee.FixedFee{GasPrice: big.NewInt(5_000)}
	_, err = c.SubmitCall(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5_000), b.sent[2].GasPrice(), "quote above the floor is kept")
}

func TestSentFeesForgottenOnceConsumed(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	c := newTestClient(t, b, Options{})
	req := submission.Request{
		Call:     common.Call{To: testTarget},
		Quote:    fee.FixedFee{GasPrice: big.NewInt(1_000)},
		GasLimit: 21_000,
	}

	first, err := c.SubmitCall(ctx, req)
	require.NoError(t, err)
	require.Contains(t, c.sent, first.Nonce)

	// Inclusion consumes the nonce.
	b.receipts[first.TxHash] = &types.Receipt{TxHash: first.TxHash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	receipt, err := c.FindReceipt(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Empty(t, c.sent)

	// Fresh nonces drop everything below the pending nonce.
	c.sent[1] = sentFees{feeCap: big.NewInt(1), tipCap: big.NewInt(1)}
	c.sent[2] = sentFees{feeCap: big.NewInt(1), tipCap: big.NewInt(1)}
	b.nonce = 5
	second, err := c.SubmitCall(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint64(5), second.Nonce)
	require.Len(t, c.sent, 1)
	require.Contains(t, c.sent, uint64(5))
}

func TestSubmitCallErrorsMapped(t *testing.T) {
	for _, tc := range []struct {
		sendErr error
		target  error
	}{
		{errors.New("nonce too low: next nonce 5, tx nonce 4"), submission.ErrNonceConflict},
		{errors.New("replacement transaction underpriced"), submission.ErrUnderpriced},
		{errors.New("transaction underpriced: tip needed 1, tip permitted 0"), submission.ErrUnderpriced},
		{errors.New("insufficient funds for gas * price + value: balance 0"), submission.ErrInsufficientFunds},
	} {
		b := newFakeBackend()
		b.sendErr = tc.sendErr
		c := newTestClient(t, b, Options{})

		_, err := c.SubmitCall(context.Background(), submission.Request{
			Call:     common.Call{To: testTarget},
			Quote:    fee.FixedFee{GasPrice: big.NewInt(1)},
			GasLimit: 21_000,
		})
		require.ErrorIs(t, err, tc.target, "send error %q", tc.sendErr)
	}
}

func TestSubmitCallAlreadyKnown(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = errors.New("already known")
	c := newTestClient(t, b, Options{})

	h, err := c.SubmitCall(context.Background(), submission.Request{
		Call:     common.Call{To: testTarget},
		Quote:    fee.FixedFee{GasPrice: big.NewInt(1)},
		GasLimit: 21_000,
	})
	require.NoError(t, err)
	require.NotEqual(t, ethCommon.Hash{}, h.TxHash)
}

func TestSubmitCallReadOnly(t *testing.T) {
	c := NewClient(newFakeBackend(), testChainID, nil, Options{}, log.NewDefaultLogger("chain-test"))
	_, err := c.SubmitCall(context.Background(), submission.Request{Quote: fee.FixedFee{GasPrice: big.NewInt(1)}})
	require.Error(t, err)
}

func TestAwaitConfirmationDepth(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{Confirmations: 3, PollInterval: time.Millisecond})
	h := &submission.Handle{TxHash: ethCommon.HexToHash("0x01")}
	b.receipts[h.TxHash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: h.TxHash, BlockNumber: big.NewInt(99)}

	// Block 99 at head 100 has two confirmations.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.AwaitConfirmation(ctx, h)
	require.ErrorIs(t, err, submission.ErrConfirmationTimeout)

	b.head = 101
	receipt, err := c.AwaitConfirmation(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, h.TxHash, receipt.TxHash)
}

func TestAwaitConfirmationNotIncluded(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{PollInterval: time.Millisecond})
	h := &submission.Handle{TxHash: ethCommon.HexToHash("0x02")}

	receipt, err := c.FindReceipt(context.Background(), h)
	require.NoError(t, err)
	require.Nil(t, receipt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.AwaitConfirmation(ctx, h)
	require.ErrorIs(t, err, submission.ErrConfirmationTimeout)
	require.Equal(t, submission.OutcomeTransient, submission.Classify(err))
}

func TestAwaitConfirmationRevertReplayed(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{PollInterval: time.Millisecond})

	h, err := c.SubmitCall(context.Background(), submission.Request{
		Call:     common.Call{To: testTarget},
		Quote:    fee.FixedFee{GasPrice: big.NewInt(1)},
		GasLimit: 21_000,
	})
	require.NoError(t, err)
	b.receipts[h.TxHash] = &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: h.TxHash, BlockNumber: big.NewInt(100)}

	account := ethCommon.HexToAddress("0x00000000000000000000000000000000000000bb")
	revertData, err := evmabi.UUPSOwnable.Errors["OwnableUnauthorizedAccount"].Inputs.Pack(account)
	require.NoError(t, err)
	revertData = append(evmabi.UUPSOwnable.Errors["OwnableUnauthorizedAccount"].ID.Bytes()[:4], revertData...)
	b.callErr = &rpcError{msg: "execution reverted", code: 3, data: fmt.Sprintf("0x%x", revertData)}

	_, err = c.AwaitConfirmation(context.Background(), h)
	require.Equal(t, submission.OutcomeFatal, submission.Classify(err))
	var revert *submission.RevertError
	require.True(t, errors.As(err, &revert))
	require.Equal(t, h.TxHash, *revert.TxHash)
	require.Equal(t, "OwnableUnauthorizedAccount(account="+account.Hex()+")", revert.Reason)
}

func TestMapError(t *testing.T) {
	revert := mapError(&rpcError{msg: "execution reverted: paused", code: 3})
	var r *submission.RevertError
	require.True(t, errors.As(revert, &r))
	require.Equal(t, "paused", r.Reason)

	require.ErrorIs(t, mapError(errors.New("max fee per gas less than block base fee: address 0x0")), submission.ErrUnderpriced)
	require.ErrorIs(t, mapError(fmt.Errorf("post: %w", context.DeadlineExceeded)), context.DeadlineExceeded)

	unknown := errors.New("something else")
	require.Equal(t, unknown, mapError(unknown))
	require.NoError(t, mapError(nil))
}

func TestReads(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b, Options{})
	ctx := context.Background()

	now, err := c.Now(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), now)

	code, err := c.CodeAt(ctx, testTarget)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	slot, err := c.StorageAt(ctx, testTarget, ethCommon.Hash{})
	require.NoError(t, err)
	require.Equal(t, testTarget, ethCommon.BytesToAddress(slot.Bytes()))

	out, err := c.CallContract(ctx, common.Call{To: testTarget})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, out)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	require.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", crypto.PubkeyToAddress(key.PublicKey).Hex())

	_, err = ParsePrivateKey("0x1234")
	require.Error(t, err)
}
