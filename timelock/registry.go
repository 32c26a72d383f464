package timelock

import (
	"context"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/log"
)

const moduleName = "timelock"

// Submitter performs a state-changing call and blocks until it is
// confirmed. *submission.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, call common.Call) (*types.Receipt, error)
}

// Scheduled describes a scheduled operation.
type Scheduled struct {
	ID      ethCommon.Hash
	ReadyAt time.Time
	// Receipt of the schedule transaction; nil if the operation was
	// already scheduled.
	Receipt *types.Receipt
}

// Registry drives operations through schedule, execute and cancel. It
// keeps no state of its own: every decision is taken on a fresh read of
// the controller.
type Registry struct {
	address    ethCommon.Address
	controller Controller
	submitter  Submitter
	logger     *log.Logger
}

func NewRegistry(address ethCommon.Address, controller Controller, submitter Submitter, logger *log.Logger) *Registry {
	return &Registry{
		address:    address,
		controller: controller,
		submitter:  submitter,
		logger:     logger.WithModule(moduleName).With("timelock", address.Hex()),
	}
}

// Address returns the controller's address.
func (r *Registry) Address() ethCommon.Address {
	return r.address
}

// MinDelay reads the controller's current minimum delay.
func (r *Registry) MinDelay(ctx context.Context) (time.Duration, error) {
	d, err := r.controller.ReadMinDelay(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading min delay: %w", err)
	}
	return d, nil
}

// Status returns the current state of id.
func (r *Registry) Status(ctx context.Context, id ethCommon.Hash) (State, error) {
	record, err := r.controller.ReadOperation(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("reading operation %s: %w", id.Hex(), err)
	}
	now, err := r.controller.Now(ctx)
	if err != nil {
		return State{}, fmt.Errorf("reading remote clock: %w", err)
	}
	return record.Derive(now), nil
}

// Schedule schedules op to become ready after delay. Scheduling an
// operation that is already pending or ready is a no-op returning the
// existing schedule. Delays are truncated to whole seconds.
func (r *Registry) Schedule(ctx context.Context, op Operation, delay time.Duration) (*Scheduled, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	delay = delay.Truncate(time.Second)
	minDelay, err := r.MinDelay(ctx)
	if err != nil {
		return nil, err
	}
	if delay < minDelay {
		return nil, &DelayTooShortError{Delay: delay, MinDelay: minDelay}
	}

	id := op.ID()
	logger := r.logger.With("id", id.Hex())
	state, err := r.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	switch state.Kind {
	case Pending, Ready:
		logger.Info("operation already scheduled", "state", state)
		return &Scheduled{ID: id, ReadyAt: state.ReadyAt}, nil
	case Done:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDone, id.Hex())
	}

	call, err := ScheduleCall(r.address, op, delay)
	if err != nil {
		return nil, err
	}
	receipt, err := r.submitter.Submit(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("scheduling %s: %w", id.Hex(), err)
	}

	record, err := r.controller.ReadOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading operation %s after schedule: %w", id.Hex(), err)
	}
	if !record.Exists() || record.Done() {
		return nil, fmt.Errorf("operation %s not pending after confirmed schedule (timestamp %d)", id.Hex(), record.Timestamp)
	}
	logger.Info("operation scheduled",
		"target", op.Target.Hex(),
		"delay", delay,
		"ready_at", record.ReadyAt(),
		"tx_hash", receipt.TxHash.Hex(),
	)
	return &Scheduled{ID: id, ReadyAt: record.ReadyAt(), Receipt: receipt}, nil
}

// Execute executes op, which must hash to id and be ready.
func (r *Registry) Execute(ctx context.Context, id ethCommon.Hash, op Operation) (*types.Receipt, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if computed := op.ID(); computed != id {
		return nil, fmt.Errorf("%w: expected %s, fields hash to %s", ErrIdentityMismatch, id.Hex(), computed.Hex())
	}
	state, err := r.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Kind != Ready {
		return nil, &StateError{ID: id, State: state, Sentinel: ErrNotReady}
	}

	call, err := ExecuteCall(r.address, op)
	if err != nil {
		return nil, err
	}
	receipt, err := r.submitter.Submit(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", id.Hex(), err)
	}
	r.logger.Info("operation executed",
		"id", id.Hex(),
		"target", op.Target.Hex(),
		"tx_hash", receipt.TxHash.Hex(),
	)
	return receipt, nil
}

// Cancel cancels a pending or ready operation.
func (r *Registry) Cancel(ctx context.Context, id ethCommon.Hash) (*types.Receipt, error) {
	state, err := r.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Kind != Pending && state.Kind != Ready {
		return nil, &StateError{ID: id, State: state, Sentinel: ErrNotPending}
	}

	call, err := CancelCall(r.address, id)
	if err != nil {
		return nil, err
	}
	receipt, err := r.submitter.Submit(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("cancelling %s: %w", id.Hex(), err)
	}
	r.logger.Info("operation cancelled", "id", id.Hex(), "tx_hash", receipt.TxHash.Hex())
	return receipt, nil
}
