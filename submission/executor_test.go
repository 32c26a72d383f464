package submission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/fee"
	"github.com/oasisprotocol/govkeeper/gas"
	"github.com/oasisprotocol/govkeeper/log"
)

// step scripts the network's answer to one attempt.
type step struct {
	submitErr error
	awaitErr  error
	status    uint64
}

type fakeNetwork struct {
	steps    []step
	requests []Request
	// included, if set, is reported by FindReceipt for the given tx.
	included map[ethCommon.Hash]*types.Receipt
	lookups  int
}

func (f *fakeNetwork) SubmitCall(ctx context.Context, req Request) (*Handle, error) {
	f.requests = append(f.requests, req)
	s := f.current()
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	nonce := uint64(7)
	if req.Nonce != nil {
		nonce = *req.Nonce
	}
	return &Handle{
		TxHash: ethCommon.BigToHash(big.NewInt(int64(len(f.requests)))),
		Nonce:  nonce,
	}, nil
}

func (f *fakeNetwork) AwaitConfirmation(ctx context.Context, h *Handle) (*types.Receipt, error) {
	if r, ok := f.included[h.TxHash]; ok {
		return r, nil
	}
	s := f.current()
	if s.awaitErr != nil {
		return nil, s.awaitErr
	}
	return &types.Receipt{Status: s.status, TxHash: h.TxHash, BlockNumber: big.NewInt(100), GasUsed: 21000}, nil
}

func (f *fakeNetwork) FindReceipt(ctx context.Context, h *Handle) (*types.Receipt, error) {
	f.lookups++
	return f.included[h.TxHash], nil
}

func (f *fakeNetwork) current() step {
	return f.steps[len(f.requests)-1]
}

type countingQuoter struct{ calls int }

func (q *countingQuoter) Quote(ctx context.Context) fee.Quote {
	q.calls++
	return fee.DynamicFee{
		MaxFeePerGas:         big.NewInt(int64(100 * q.calls)),
		MaxPriorityFeePerGas: big.NewInt(int64(10 * q.calls)),
	}
}

type countingEstimator struct{ calls int }

func (e *countingEstimator) Estimate(ctx context.Context, call common.Call) gas.Estimate {
	e.calls++
	base := uint64(50_000 + e.calls)
	return gas.Estimate{Base: base, Limit: base + base/5}
}

type testExecutor struct {
	*Executor
	network   *fakeNetwork
	quoter    *countingQuoter
	estimator *countingEstimator
	sleeps    []time.Duration
}

func newTestExecutor(steps ...step) *testExecutor {
	te := &testExecutor{
		network:   &fakeNetwork{steps: steps, included: map[ethCommon.Hash]*types.Receipt{}},
		quoter:    &countingQuoter{},
		estimator: &countingEstimator{},
	}
	te.Executor = NewExecutor(te.quoter, te.estimator, te.network, Options{}, log.NewDefaultLogger("submission-test"))
	te.sleep = func(ctx context.Context, d time.Duration) error {
		te.sleeps = append(te.sleeps, d)
		return ctx.Err()
	}
	return te
}

var testCall = common.Call{
	To:   ethCommon.HexToAddress("0x00000000000000000000000000000000000000aa"),
	Data: []byte{0xde, 0xad, 0xbe, 0xef},
}

func TestSubmitConfirmedFirstAttempt(t *testing.T) {
	te := newTestExecutor(step{status: types.ReceiptStatusSuccessful})

	receipt, err := te.Submit(context.Background(), testCall)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Len(t, te.network.requests, 1)
	require.Nil(t, te.network.requests[0].Nonce)
	require.Equal(t, uint64(60_001), te.network.requests[0].GasLimit)
	require.Empty(t, te.sleeps)
}

func TestSubmitExhausted(t *testing.T) {
	te := newTestExecutor(
		step{awaitErr: ErrConfirmationTimeout},
		step{submitErr: fmt.Errorf("replacement: %w", ErrUnderpriced)},
		step{submitErr: ErrNodeUnavailable},
	)

	_, err := te.Submit(context.Background(), testCall)
	require.ErrorIs(t, err, ErrSubmissionExhausted)
	require.ErrorIs(t, err, ErrNodeUnavailable, "last attempt's reason is unwrapped")
	require.NotErrorIs(t, err, ErrFatalFailure)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Attempts, DefaultMaxAttempts)
	for i, a := range exhausted.Attempts {
		require.Equal(t, i+1, a.Number)
		require.Equal(t, OutcomeTransient, a.Outcome.Kind)
	}
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, te.sleeps)
}

func TestSubmitFatalAbortsEarly(t *testing.T) {
	revert := &RevertError{Reason: "AccessControlUnauthorizedAccount"}
	te := newTestExecutor(
		step{awaitErr: ErrConfirmationTimeout},
		step{submitErr: revert},
		step{status: types.ReceiptStatusSuccessful},
	)

	_, err := te.Submit(context.Background(), testCall)
	require.ErrorIs(t, err, ErrFatalFailure)
	require.NotErrorIs(t, err, ErrSubmissionExhausted)

	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	require.Len(t, fatal.Attempts, 2)
	require.Equal(t, OutcomeFatal, fatal.Attempts[1].Outcome.Kind)

	var rejected *RevertError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, "AccessControlUnauthorizedAccount", rejected.Reason)
	require.Len(t, te.network.requests, 2)
	require.Equal(t, []time.Duration{2 * time.Second}, te.sleeps)
}

func TestSubmitFailedReceiptIsFatal(t *testing.T) {
	te := newTestExecutor(step{status: types.ReceiptStatusFailed})

	_, err := te.Submit(context.Background(), testCall)
	require.ErrorIs(t, err, ErrFatalFailure)

	var rejected *RevertError
	require.True(t, errors.As(err, &rejected))
	require.NotNil(t, rejected.TxHash)
}

func TestSubmitInsufficientFundsIsFatal(t *testing.T) {
	te := newTestExecutor(step{submitErr: ErrInsufficientFunds})

	_, err := te.Submit(context.Background(), testCall)
	require.ErrorIs(t, err, ErrFatalFailure)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Len(t, te.network.requests, 1)
}

func TestSubmitRequotesEveryAttempt(t *testing.T) {
	te := newTestExecutor(
		step{awaitErr: ErrConfirmationTimeout},
		step{awaitErr: ErrConfirmationTimeout},
		step{status: types.ReceiptStatusSuccessful},
	)

	_, err := te.Submit(context.Background(), testCall)
	require.NoError(t, err)
	require.Equal(t, 3, te.quoter.calls)
	require.Equal(t, 3, te.estimator.calls)

	reqs := te.network.requests
	require.Len(t, reqs, 3)
	for i, req := range reqs {
		q, ok := req.Quote.(fee.DynamicFee)
		require.True(t, ok)
		require.Equal(t, int64(100*(i+1)), q.MaxFeePerGas.Int64())
		base := uint64(50_001 + i)
		require.Equal(t, base+base/5, req.GasLimit)
	}
}

func TestSubmitReplacesEarlierBroadcast(t *testing.T) {
	te := newTestExecutor(
		step{awaitErr: ErrConfirmationTimeout},
		step{status: types.ReceiptStatusSuccessful},
	)

	_, err := te.Submit(context.Background(), testCall)
	require.NoError(t, err)

	reqs := te.network.requests
	require.Len(t, reqs, 2)
	require.Nil(t, reqs[0].Nonce)
	require.NotNil(t, reqs[1].Nonce)
	require.Equal(t, uint64(7), *reqs[1].Nonce)
}

func TestSubmitDetectsLateInclusion(t *testing.T) {
	te := newTestExecutor(
		step{awaitErr: ErrConfirmationTimeout},
		step{status: types.ReceiptStatusSuccessful},
	)
	// The first transaction lands while the executor backs off.
	first := ethCommon.BigToHash(big.NewInt(1))
	te.sleep = func(ctx context.Context, d time.Duration) error {
		te.sleeps = append(te.sleeps, d)
		te.network.included[first] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      first,
			BlockNumber: big.NewInt(99),
		}
		return nil
	}

	receipt, err := te.Submit(context.Background(), testCall)
	require.NoError(t, err)
	require.Equal(t, first, receipt.TxHash)
	require.Len(t, te.network.requests, 1, "no second transaction is broadcast")
	require.Equal(t, 1, te.network.lookups)
}

func TestSubmitCancelledDuringBackoff(t *testing.T) {
	te := newTestExecutor(
		step{awaitErr: ErrConfirmationTimeout},
		step{status: types.ReceiptStatusSuccessful},
	)
	ctx, cancel := context.WithCancel(context.Background())
	te.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := te.Submit(ctx, testCall)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, te.network.requests, 1)
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err  error
		kind OutcomeKind
	}{
		{nil, OutcomeConfirmed},
		{ErrConfirmationTimeout, OutcomeTransient},
		{fmt.Errorf("send: %w", ErrUnderpriced), OutcomeTransient},
		{ErrNonceConflict, OutcomeTransient},
		{ErrNodeUnavailable, OutcomeTransient},
		{errors.New("something unexpected"), OutcomeTransient},
		{ErrInsufficientFunds, OutcomeFatal},
		{fmt.Errorf("estimate: %w", &RevertError{Reason: "paused"}), OutcomeFatal},
	} {
		require.Equal(t, tc.kind, Classify(tc.err), "error: %v", tc.err)
	}
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
