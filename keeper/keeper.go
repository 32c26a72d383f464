// Package keeper implements the automated agent that executes journaled
// operations once the controller reports them ready.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/oasisprotocol/govkeeper/config"
	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/metrics"
	"github.com/oasisprotocol/govkeeper/submission"
	"github.com/oasisprotocol/govkeeper/timelock"
)

const (
	moduleName = "keeper"

	defaultMaxParallel      = 4
	defaultMaxStatusRetries = 5
)

// Registry is the part of *timelock.Registry the keeper drives.
type Registry interface {
	Status(ctx context.Context, id ethCommon.Hash) (timelock.State, error)
	Execute(ctx context.Context, id ethCommon.Hash, op timelock.Operation) (*types.Receipt, error)
}

// Keeper periodically sweeps the open journal entries: ready operations
// are executed, and entries whose operation left the controller are
// closed. An execution the network rejects is parked as failed and not
// retried until an operator reopens it.
type Keeper struct {
	interval         time.Duration
	maxParallel      int
	maxStatusRetries uint64

	registry Registry
	journal  journal.Journal
	logger   *log.Logger
	metrics  metrics.KeeperMetrics

	// Initial interval of the status read backoff.
	statusBackoff time.Duration
}

// New creates a keeper.
func New(cfg *config.KeeperConfig, registry Registry, j journal.Journal, logger *log.Logger) *Keeper {
	k := &Keeper{
		interval:         cfg.Interval,
		maxParallel:      cfg.MaxParallel,
		maxStatusRetries: cfg.MaxStatusRetries,
		registry:         registry,
		journal:          j,
		logger:           logger.WithModule(moduleName),
		metrics:          metrics.NewDefaultKeeperMetrics(),
		statusBackoff:    500 * time.Millisecond,
	}
	if k.maxParallel == 0 {
		k.maxParallel = defaultMaxParallel
	}
	if k.maxStatusRetries == 0 {
		k.maxStatusRetries = defaultMaxStatusRetries
	}
	return k
}

// Start sweeps every interval until ctx is done.
func (k *Keeper) Start(ctx context.Context) {
	for firstIter := true; ; firstIter = false {
		delay := k.interval
		if firstIter {
			delay = 0
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			k.logger.Warn("shutting down keeper", "reason", ctx.Err())
			return
		}

		result, err := k.Sweep(ctx)
		if err != nil {
			k.metrics.SweepErrors().Inc()
			k.logger.Error("sweep failed", "err", err)
			continue
		}
		k.logger.Info("sweep finished",
			"open", result.Open,
			"executed", result.Executed,
			"closed", result.Closed,
			"rejected", result.Rejected,
			"failed", result.Failed,
		)
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Open     int
	Executed int
	// Closed counts entries that left the open set without being executed
	// by this keeper: cancelled, or executed by someone else.
	Closed int
	// Rejected counts entries parked as failed after a fatal execution.
	Rejected int
	Failed   int
}

type itemOutcome int

const (
	outcomeNone itemOutcome = iota
	outcomeExecuted
	outcomeClosed
	outcomeRejected
)

// Sweep handles every open journal entry once. Each operation id is
// handled by exactly one goroutine; at most maxParallel run at once.
func (k *Keeper) Sweep(ctx context.Context) (*SweepResult, error) {
	entries, err := k.journal.List(ctx, journal.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("listing open operations: %w", err)
	}

	outcomes := make([]itemOutcome, len(entries))
	errs := make([]error, len(entries))
	states := make([]timelock.StateKind, len(entries))

	var group errgroup.Group
	group.SetLimit(k.maxParallel)
	for i, entry := range entries {
		group.Go(func() error {
			// Failures are per operation and must not cancel the others.
			states[i], outcomes[i], errs[i] = k.processEntry(ctx, entry)
			if errs[i] != nil {
				k.logger.Error("failed to process operation", "id", entry.ID.Hex(), "label", entry.Label, "err", errs[i])
			}
			return nil
		})
	}
	_ = group.Wait()

	result := &SweepResult{Open: len(entries)}
	observed := map[timelock.StateKind]int{}
	for i := range entries {
		switch {
		case errs[i] != nil:
			result.Failed++
			continue
		case outcomes[i] == outcomeExecuted:
			result.Executed++
		case outcomes[i] == outcomeClosed:
			result.Closed++
		case outcomes[i] == outcomeRejected:
			result.Rejected++
		}
		observed[states[i]]++
	}
	for _, kind := range []timelock.StateKind{timelock.Unset, timelock.Pending, timelock.Ready, timelock.Done} {
		k.metrics.Observed(kind.String()).Set(float64(observed[kind]))
	}
	return result, nil
}

func (k *Keeper) processEntry(ctx context.Context, entry *journal.Entry) (timelock.StateKind, itemOutcome, error) {
	logger := k.logger.With("id", entry.ID.Hex(), "label", entry.Label)
	state, err := k.status(ctx, entry.ID)
	if err != nil {
		return 0, outcomeNone, err
	}

	switch state.Kind {
	case timelock.Pending:
		logger.Debug("operation pending", "ready_at", state.ReadyAt)
		return state.Kind, outcomeNone, nil
	case timelock.Done:
		// Executed by someone else.
		logger.Info("operation already executed")
		return state.Kind, outcomeClosed, k.journal.MarkDone(ctx, entry.ID, nil)
	case timelock.Unset:
		logger.Info("operation no longer scheduled, closing")
		return state.Kind, outcomeClosed, k.journal.MarkClosed(ctx, entry.ID)
	}

	// The controller reverts an execution whose predecessor is not done,
	// so don't spend gas finding that out.
	if entry.Predecessor != (ethCommon.Hash{}) {
		pred, err := k.status(ctx, entry.Predecessor)
		if err != nil {
			return state.Kind, outcomeNone, fmt.Errorf("predecessor %s: %w", entry.Predecessor.Hex(), err)
		}
		if pred.Kind != timelock.Done {
			logger.Debug("waiting for predecessor",
				"predecessor", entry.Predecessor.Hex(),
				"predecessor_state", pred.Kind.String(),
			)
			k.metrics.Executions("waiting").Inc()
			return state.Kind, outcomeNone, nil
		}
	}

	receipt, err := k.registry.Execute(ctx, entry.ID, entry.Operation())
	switch {
	case errors.Is(err, timelock.ErrNotReady):
		// Changed since the status read; the next sweep will see it.
		k.metrics.Executions("skipped").Inc()
		return state.Kind, outcomeNone, nil
	case errors.Is(err, submission.ErrFatalFailure):
		k.metrics.Executions("rejected").Inc()
		logger.Error("execution rejected, parking operation until reopened", "err", err)
		if markErr := k.journal.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			return state.Kind, outcomeNone, fmt.Errorf("parking rejected operation: %w", markErr)
		}
		return state.Kind, outcomeRejected, nil
	case err != nil:
		k.metrics.Executions("failure").Inc()
		return state.Kind, outcomeNone, fmt.Errorf("executing: %w", err)
	}
	k.metrics.Executions("success").Inc()
	logger.Info("operation executed", "tx_hash", receipt.TxHash.Hex())
	txHash := receipt.TxHash
	return state.Kind, outcomeExecuted, k.journal.MarkDone(ctx, entry.ID, &txHash)
}

// status reads the state of id, retrying failed reads with exponential
// backoff.
func (k *Keeper) status(ctx context.Context, id ethCommon.Hash) (timelock.State, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = k.statusBackoff
	policy.MaxElapsedTime = 0

	var state timelock.State
	err := backoff.RetryNotify(
		func() error {
			var err error
			state, err = k.registry.Status(ctx, id)
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, k.maxStatusRetries), ctx),
		func(err error, wait time.Duration) {
			k.logger.Warn("status read failed, retrying", "id", id.Hex(), "err", err, "wait", wait)
		},
	)
	if err != nil {
		return timelock.State{}, fmt.Errorf("reading status: %w", err)
	}
	return state, nil
}
