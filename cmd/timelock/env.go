package timelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/pflag"

	"github.com/oasisprotocol/govkeeper/chain"
	cmdCommon "github.com/oasisprotocol/govkeeper/cmd/common"
	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/config"
	"github.com/oasisprotocol/govkeeper/governance"
	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/timelock"
)

// env holds the components a timelock sub-command works with.
type env struct {
	client   *chain.Client
	registry *timelock.Registry
	governor *governance.Governor
	journal  journal.Journal // nil if not configured
	logger   *log.Logger
}

// newEnv builds the components from cfg. With write set, a signer is
// required and state-changing calls go through the resilient executor.
func newEnv(ctx context.Context, cfg *config.Config, write bool) (*env, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)

	client, err := cmdCommon.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var submitter timelock.Submitter = readOnly{}
	if write {
		executor, err := cmdCommon.NewExecutor(cfg, client, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		submitter = executor
	}
	registry, err := cmdCommon.NewRegistry(cfg, client, submitter, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	j, err := cmdCommon.NewJournal(ctx, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &env{
		client:   client,
		registry: registry,
		governor: cmdCommon.NewGovernor(client, submitter, logger),
		journal:  j,
		logger:   logger,
	}, nil
}

func (e *env) Close() {
	if e.journal != nil {
		common.CloseOrLog(e.journal, e.logger)
	}
	if e.client != nil {
		e.client.Close()
	}
}

// record journals a freshly scheduled operation. An existing entry is
// kept when the schedule was a no-op, so its schedule tx survives.
func (e *env) record(ctx context.Context, op timelock.Operation, scheduled *timelock.Scheduled, label string) error {
	if e.journal == nil {
		return nil
	}
	if scheduled.Receipt == nil {
		_, err := e.journal.Get(ctx, scheduled.ID)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, journal.ErrNotFound):
			return err
		}
	}
	return e.journal.Record(ctx, journal.NewEntry(op, scheduled, label))
}

// markDone and markClosed update the journal if it knows id.
func (e *env) markDone(ctx context.Context, id ethCommon.Hash, tx ethCommon.Hash) error {
	if e.journal == nil {
		return nil
	}
	if err := e.journal.MarkDone(ctx, id, &tx); err != nil && !errors.Is(err, journal.ErrNotFound) {
		return err
	}
	return nil
}

func (e *env) markClosed(ctx context.Context, id ethCommon.Hash) error {
	if e.journal == nil {
		return nil
	}
	if err := e.journal.MarkClosed(ctx, id); err != nil && !errors.Is(err, journal.ErrNotFound) {
		return err
	}
	return nil
}

// readOnly rejects submissions from commands that only read.
type readOnly struct{}

func (readOnly) Submit(context.Context, common.Call) (*types.Receipt, error) {
	return nil, fmt.Errorf("read-only command cannot submit transactions")
}

// operationFlags are the fields identifying an operation.
type operationFlags struct {
	target      string
	value       string
	data        string
	predecessor string
	salt        string
}

func (f *operationFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.target, "target", "", "address the operation calls")
	fs.StringVar(&f.value, "value", "0", "value sent with the call, in wei")
	fs.StringVar(&f.data, "data", "", "hex-encoded calldata")
	fs.StringVar(&f.predecessor, "predecessor", "", "id of the operation that must be done first (default none)")
	fs.StringVar(&f.salt, "salt", "", "32-byte salt distinguishing otherwise identical operations")
}

func (f *operationFlags) isSet() bool {
	return f.target != ""
}

func (f *operationFlags) operation() (timelock.Operation, error) {
	target, err := cmdCommon.ParseAddress("target", f.target)
	if err != nil {
		return timelock.Operation{}, err
	}
	value, err := cmdCommon.ParseValue("value", f.value)
	if err != nil {
		return timelock.Operation{}, err
	}
	data, err := cmdCommon.ParseData("data", f.data)
	if err != nil {
		return timelock.Operation{}, err
	}
	predecessor, err := cmdCommon.ParseHash("predecessor", f.predecessor)
	if err != nil {
		return timelock.Operation{}, err
	}
	salt, err := cmdCommon.ParseHash("salt", f.salt)
	if err != nil {
		return timelock.Operation{}, err
	}
	return timelock.Operation{
		Target:      target,
		Value:       value,
		Data:        data,
		Predecessor: predecessor,
		Salt:        salt,
	}, nil
}

// OperationResult is the JSON rendering of an operation's fields, to be
// kept for execution.
type OperationResult struct {
	ID          ethCommon.Hash    `json:"id"`
	Target      ethCommon.Address `json:"target"`
	Value       common.BigInt     `json:"value"`
	Data        hexutil.Bytes     `json:"data"`
	Predecessor ethCommon.Hash    `json:"predecessor"`
	Salt        ethCommon.Hash    `json:"salt"`
}

func newOperationResult(op timelock.Operation) OperationResult {
	return OperationResult{
		ID:          op.ID(),
		Target:      op.Target,
		Value:       common.BigIntFrom(op.Value),
		Data:        op.Data,
		Predecessor: op.Predecessor,
		Salt:        op.Salt,
	}
}

// StateResult is the JSON rendering of an operation's state.
type StateResult struct {
	ID      ethCommon.Hash `json:"id"`
	State   string         `json:"state"`
	ReadyAt *time.Time     `json:"ready_at,omitempty"`
}

func newStateResult(id ethCommon.Hash, st timelock.State) StateResult {
	res := StateResult{ID: id, State: st.Kind.String()}
	if st.Kind == timelock.Pending || st.Kind == timelock.Ready {
		readyAt := st.ReadyAt.UTC()
		res.ReadyAt = &readyAt
	}
	return res
}

// ScheduleResult is the output of the schedule commands.
type ScheduleResult struct {
	Operation        OperationResult     `json:"operation"`
	ReadyAt          time.Time           `json:"ready_at"`
	AlreadyScheduled bool                `json:"already_scheduled"`
	Tx               *cmdCommon.TxResult `json:"tx,omitempty"`
}

func newScheduleResult(op timelock.Operation, scheduled *timelock.Scheduled) ScheduleResult {
	return ScheduleResult{
		Operation:        newOperationResult(op),
		ReadyAt:          scheduled.ReadyAt.UTC(),
		AlreadyScheduled: scheduled.Receipt == nil,
		Tx:               cmdCommon.NewTxResult(scheduled.Receipt),
	}
}
