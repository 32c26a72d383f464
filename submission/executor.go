// Package submission implements resilient submission of state-changing
// calls: fresh fee quotes and gas estimates per attempt, bounded retries
// with linear backoff, and verification of the outcome.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/fee"
	"github.com/oasisprotocol/govkeeper/gas"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/metrics"
)

const (
	moduleName = "submission"

	DefaultMaxAttempts       = 3
	DefaultPerAttemptTimeout = 30 * time.Second
	DefaultBackoffUnit       = 2 * time.Second
)

// Request is one signed-submission request handed to the network client.
type Request struct {
	Call     common.Call
	Quote    fee.Quote
	GasLimit uint64
	// Nonce, if set, must be reused so the transaction replaces an earlier
	// broadcast of the same call instead of duplicating it.
	Nonce *uint64
}

// Handle identifies a broadcast transaction.
type Handle struct {
	TxHash ethCommon.Hash
	Nonce  uint64
}

// Network is the write side of the network client. Nonce assignment and
// write serialization per credential are its responsibility.
type Network interface {
	// SubmitCall signs and broadcasts the request.
	SubmitCall(ctx context.Context, req Request) (*Handle, error)
	// AwaitConfirmation blocks until the transaction is confirmed or ctx
	// expires. A failed receipt is reported as a *RevertError.
	AwaitConfirmation(ctx context.Context, h *Handle) (*types.Receipt, error)
	// FindReceipt returns the receipt of h, or nil if it is not included yet.
	FindReceipt(ctx context.Context, h *Handle) (*types.Receipt, error)
}

// FeeQuoter produces a fresh fee quote.
type FeeQuoter interface {
	Quote(ctx context.Context) fee.Quote
}

// GasEstimator produces a fresh gas estimate for a call.
type GasEstimator interface {
	Estimate(ctx context.Context, call common.Call) gas.Estimate
}

// Options tunes an Executor. Zero values select the defaults.
type Options struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	BackoffUnit       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.PerAttemptTimeout <= 0 {
		o.PerAttemptTimeout = DefaultPerAttemptTimeout
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = DefaultBackoffUnit
	}
	return o
}

// Executor submits calls. It has no knowledge of what the calls do; the
// time-lock registry uses it unchanged for schedule/execute/cancel.
type Executor struct {
	fees    FeeQuoter
	gas     GasEstimator
	network Network
	opts    Options

	logger  *log.Logger
	metrics metrics.SubmissionMetrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a new executor.
func NewExecutor(fees FeeQuoter, estimator GasEstimator, network Network, opts Options, logger *log.Logger) *Executor {
	return &Executor{
		fees:    fees,
		gas:     estimator,
		network: network,
		opts:    opts.withDefaults(),
		logger:  logger.WithModule(moduleName),
		metrics: metrics.NewDefaultSubmissionMetrics(),
		sleep:   sleepContext,
	}
}

// Submit submits call and blocks until it is confirmed, rejected, or the
// attempt budget is spent. Failures are a *FatalError (errors.Is
// ErrFatalFailure) or an *ExhaustedError (errors.Is ErrSubmissionExhausted),
// or ctx's error if the caller gave up.
func (e *Executor) Submit(ctx context.Context, call common.Call) (*types.Receipt, error) {
	logger := e.logger.With("call", call)
	attempts := make([]Attempt, 0, e.opts.MaxAttempts)
	// Every transaction broadcast so far. A later attempt replaces the
	// earlier ones (same nonce), but any of them may still be the one
	// that gets included.
	var broadcast []*Handle

	for n := 1; n <= e.opts.MaxAttempts; n++ {
		attempt, handle := e.attempt(ctx, n, call, broadcast)
		if handle != nil {
			broadcast = append(broadcast, handle)
		}
		attempts = append(attempts, attempt)
		e.metrics.Attempts(attempt.Outcome.Kind.String()).Inc()

		switch attempt.Outcome.Kind {
		case OutcomeConfirmed:
			receipt := attempt.Outcome.Receipt
			logger.Info("submission confirmed",
				"attempt", n,
				"tx_hash", receipt.TxHash.Hex(),
				"block_number", receipt.BlockNumber,
				"gas_used", receipt.GasUsed,
				"gas_limit", attempt.Estimate.Limit,
			)
			e.metrics.Submissions("confirmed").Inc()
			return receipt, nil
		case OutcomeFatal:
			logger.Error("submission rejected",
				"attempt", n,
				"quote", attempt.Quote,
				"err", attempt.Outcome.Reason,
			)
			e.metrics.Submissions("fatal").Inc()
			return nil, &FatalError{Attempts: attempts, Reason: attempt.Outcome.Reason}
		}

		logger.Warn("submission attempt failed",
			"attempt", n,
			"max_attempts", e.opts.MaxAttempts,
			"quote", attempt.Quote,
			"estimate", attempt.Estimate,
			"err", attempt.Outcome.Reason,
		)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("submission aborted after attempt %d: %w", n, err)
		}
		if n < e.opts.MaxAttempts {
			if err := e.sleep(ctx, time.Duration(n)*e.opts.BackoffUnit); err != nil {
				return nil, fmt.Errorf("submission aborted after attempt %d: %w", n, err)
			}
		}
	}

	e.metrics.Submissions("exhausted").Inc()
	return nil, &ExhaustedError{Attempts: attempts}
}

// attempt performs attempt number n. It returns the handle of the
// transaction it broadcast, if any.
func (e *Executor) attempt(ctx context.Context, n int, call common.Call, broadcast []*Handle) (Attempt, *Handle) {
	start := time.Now()
	attempt := Attempt{Number: n}

	ctx, cancel := context.WithTimeout(ctx, e.opts.PerAttemptTimeout)
	defer cancel()

	// A transaction from an earlier attempt may have been included while
	// we were backing off; if so, that is this submission's outcome.
	if found, h := e.findIncluded(ctx, broadcast); found != nil {
		attempt.TxHash = &h.TxHash
		attempt.Outcome = e.confirm(ctx, h)
		attempt.Elapsed = time.Since(start)
		return attempt, nil
	}

	attempt.Quote = e.fees.Quote(ctx)
	if attempt.Quote.Degraded() {
		e.metrics.Degraded("fee").Inc()
	}
	attempt.Estimate = e.gas.Estimate(ctx, call)
	if attempt.Estimate.Degraded {
		e.metrics.Degraded("gas").Inc()
	}

	req := Request{Call: call, Quote: attempt.Quote, GasLimit: attempt.Estimate.Limit}
	if len(broadcast) > 0 {
		nonce := broadcast[len(broadcast)-1].Nonce
		req.Nonce = &nonce
	}
	h, err := e.network.SubmitCall(ctx, req)
	if err != nil {
		attempt.Outcome = failure(ctx, err)
		attempt.Elapsed = time.Since(start)
		return attempt, nil
	}
	attempt.TxHash = &h.TxHash
	e.logger.Debug("transaction broadcast",
		"attempt", n,
		"tx_hash", h.TxHash.Hex(),
		"nonce", h.Nonce,
		"quote", attempt.Quote,
		"estimate", attempt.Estimate,
	)

	attempt.Outcome = e.confirm(ctx, h)
	attempt.Elapsed = time.Since(start)
	if attempt.Outcome.Kind == OutcomeConfirmed {
		e.metrics.ConfirmationLatencies().Observe(attempt.Elapsed.Seconds())
	}
	return attempt, h
}

func (e *Executor) findIncluded(ctx context.Context, broadcast []*Handle) (*types.Receipt, *Handle) {
	for _, h := range broadcast {
		receipt, err := e.network.FindReceipt(ctx, h)
		if err != nil {
			e.logger.Debug("receipt lookup failed", "tx_hash", h.TxHash.Hex(), "err", err)
			continue
		}
		if receipt != nil {
			return receipt, h
		}
	}
	return nil, nil
}

func (e *Executor) confirm(ctx context.Context, h *Handle) Outcome {
	receipt, err := e.network.AwaitConfirmation(ctx, h)
	if err != nil {
		return failure(ctx, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Outcome{Kind: OutcomeFatal, Reason: &RevertError{TxHash: &h.TxHash}}
	}
	return Outcome{Kind: OutcomeConfirmed, Receipt: receipt}
}

func failure(ctx context.Context, err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrConfirmationTimeout, err)
	}
	return Outcome{Kind: Classify(err), Reason: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
