// Package journal keeps a durable record of scheduled operations: the
// fields needed to execute them later. The journal is bookkeeping only;
// lifecycle decisions are always taken on the controller's live state.
package journal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/config"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/timelock"
)

// ErrNotFound is returned when the journal has no entry for an id.
var ErrNotFound = errors.New("journal: no such operation")

// Status is the bookkeeping status of an entry.
type Status string

const (
	// StatusOpen entries are scheduled and awaiting execution.
	StatusOpen Status = "open"
	// StatusDone entries were executed.
	StatusDone Status = "done"
	// StatusClosed entries were cancelled or otherwise left the controller.
	StatusClosed Status = "closed"
	// StatusFailed entries were rejected on execution and are left alone
	// until an operator reopens them.
	StatusFailed Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusDone, StatusClosed, StatusFailed:
		return true
	default:
		return false
	}
}

// Entry is the journal record of one scheduled operation.
type Entry struct {
	ID          ethCommon.Hash    `json:"id"`
	Label       string            `json:"label,omitempty"`
	Target      ethCommon.Address `json:"target"`
	Value       common.BigInt     `json:"value"`
	Data        hexutil.Bytes     `json:"data"`
	Predecessor ethCommon.Hash    `json:"predecessor"`
	Salt        ethCommon.Hash    `json:"salt"`
	ReadyAt     time.Time         `json:"ready_at"`
	ScheduleTx  *ethCommon.Hash   `json:"schedule_tx,omitempty"`
	ExecuteTx   *ethCommon.Hash   `json:"execute_tx,omitempty"`
	Status      Status            `json:"status"`
	// FailureReason is set while Status is failed.
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewEntry creates an open entry for a freshly scheduled operation.
func NewEntry(op timelock.Operation, scheduled *timelock.Scheduled, label string) *Entry {
	e := &Entry{
		ID:          scheduled.ID,
		Label:       label,
		Target:      op.Target,
		Value:       common.BigIntFrom(op.Value),
		Data:        op.Data,
		Predecessor: op.Predecessor,
		Salt:        op.Salt,
		ReadyAt:     scheduled.ReadyAt,
		Status:      StatusOpen,
	}
	if scheduled.Receipt != nil {
		tx := scheduled.Receipt.TxHash
		e.ScheduleTx = &tx
	}
	return e
}

// Operation reconstructs the operation recorded by e.
func (e *Entry) Operation() timelock.Operation {
	return timelock.Operation{
		Target:      e.Target,
		Value:       new(big.Int).Set(&e.Value.Int),
		Data:        e.Data,
		Predecessor: e.Predecessor,
		Salt:        e.Salt,
	}
}

// Validate checks that the recorded fields hash to the recorded id.
func (e *Entry) Validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status '%s'", e.Status)
	}
	if id := e.Operation().ID(); id != e.ID {
		return fmt.Errorf("%w: entry %s, fields hash to %s", timelock.ErrIdentityMismatch, e.ID.Hex(), id.Hex())
	}
	return nil
}

// Journal stores entries keyed by operation id.
type Journal interface {
	// Record inserts or replaces e. Timestamps are maintained by the journal.
	Record(ctx context.Context, e *Entry) error
	// Get returns the entry for id, or ErrNotFound.
	Get(ctx context.Context, id ethCommon.Hash) (*Entry, error)
	// List returns the entries with the given status, or all entries if
	// status is empty, ordered by ReadyAt.
	List(ctx context.Context, status Status) ([]*Entry, error)
	// MarkDone marks id executed. executeTx may be nil if the execution
	// was observed rather than performed.
	MarkDone(ctx context.Context, id ethCommon.Hash, executeTx *ethCommon.Hash) error
	// MarkClosed marks id as no longer on the controller.
	MarkClosed(ctx context.Context, id ethCommon.Hash) error
	// MarkFailed parks id after a rejected execution, recording reason.
	MarkFailed(ctx context.Context, id ethCommon.Hash, reason string) error
	// Reopen returns id to the open set and clears its failure reason.
	Reopen(ctx context.Context, id ethCommon.Hash) error
	Close() error
}

// Open opens the journal backend selected by cfg.
func Open(ctx context.Context, cfg *config.JournalConfig, logger *log.Logger) (Journal, error) {
	var backend config.JournalBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}
	var (
		j   Journal
		err error
	)
	switch backend {
	case config.BackendPogreb:
		j, err = OpenPogreb(cfg.Path, logger)
	case config.BackendPostgres:
		if cfg.Migrate {
			if err = Migrate(cfg.Endpoint, logger); err != nil {
				return nil, err
			}
		}
		j, err = OpenPostgres(ctx, cfg.Endpoint, logger)
	}
	if err != nil {
		return nil, err
	}
	return withMetrics(j, backend.String()), nil
}
