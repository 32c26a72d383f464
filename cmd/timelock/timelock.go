// Package timelock implements the timelock sub-commands.
package timelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	cmdCommon "github.com/oasisprotocol/govkeeper/cmd/common"
	"github.com/oasisprotocol/govkeeper/config"
	"github.com/oasisprotocol/govkeeper/governance"
	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/timelock"
)

const moduleName = "timelock_cmd"

var (
	// Path to the configuration file.
	configFile string

	opFlags   operationFlags
	opID      string
	delay     time.Duration
	label     string
	proxy     string
	newImpl   string
	upgSalt   string
	skipCheck bool

	timelockCmd = &cobra.Command{
		Use:   "timelock",
		Short: "Schedule, inspect, execute and cancel time-locked operations",
	}

	minDelayCmd = &cobra.Command{
		Use:   "min-delay",
		Short: "Print the controller's minimum delay",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runMinDelay)
		},
	}

	idCmd = &cobra.Command{
		Use:   "id",
		Short: "Compute an operation's id offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := opFlags.operation()
			if err != nil {
				return err
			}
			return cmdCommon.PrintJSON(cmd.OutOrStdout(), newOperationResult(op))
		},
	}

	scheduleCmd = &cobra.Command{
		Use:   "schedule",
		Short: "Schedule an operation",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runSchedule)
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the state of an operation",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runStatus)
		},
	}

	executeCmd = &cobra.Command{
		Use:   "execute",
		Short: "Execute a ready operation",
		Long: "Execute a ready operation. The operation's fields are taken from the flags " +
			"or, if --target is not given, from the journal entry of --id.",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runExecute)
		},
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending operation",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runCancel)
		},
	}

	reopenCmd = &cobra.Command{
		Use:   "reopen",
		Short: "Return a failed journal entry to the keeper",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runReopen)
		},
	}

	scheduleUpgradeCmd = &cobra.Command{
		Use:   "schedule-upgrade",
		Short: "Schedule a UUPS proxy upgrade through the controller",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runScheduleUpgrade)
		},
	}

	executeUpgradeCmd = &cobra.Command{
		Use:   "execute-upgrade",
		Short: "Execute a scheduled UUPS proxy upgrade and verify the new implementation",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runExecuteUpgrade)
		},
	}
)

// MinDelayResult is the output of min-delay.
type MinDelayResult struct {
	Timelock        ethCommon.Address `json:"timelock"`
	MinDelaySeconds uint64            `json:"min_delay_seconds"`
}

// ExecuteResult is the output of the execute commands.
type ExecuteResult struct {
	ID             ethCommon.Hash      `json:"id"`
	Tx             *cmdCommon.TxResult `json:"tx"`
	Implementation *ethCommon.Address  `json:"implementation,omitempty"`
}

// CancelResult is the output of cancel.
type CancelResult struct {
	ID ethCommon.Hash      `json:"id"`
	Tx *cmdCommon.TxResult `json:"tx"`
}

func runMinDelay(ctx context.Context, cfg *config.Config) (interface{}, error) {
	e, err := newEnv(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	minDelay, err := e.registry.MinDelay(ctx)
	if err != nil {
		return nil, err
	}
	return MinDelayResult{
		Timelock:        e.registry.Address(),
		MinDelaySeconds: uint64(minDelay / time.Second),
	}, nil
}

// scheduleDelay resolves --delay, defaulting to the controller's minimum.
func scheduleDelay(ctx context.Context, e *env) (time.Duration, error) {
	if delay > 0 {
		return delay, nil
	}
	return e.registry.MinDelay(ctx)
}

func runSchedule(ctx context.Context, cfg *config.Config) (interface{}, error) {
	op, err := opFlags.operation()
	if err != nil {
		return nil, err
	}
	e, err := newEnv(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return schedule(ctx, e, op)
}

func schedule(ctx context.Context, e *env, op timelock.Operation) (*ScheduleResult, error) {
	d, err := scheduleDelay(ctx, e)
	if err != nil {
		return nil, err
	}
	scheduled, err := e.registry.Schedule(ctx, op, d)
	if err != nil {
		return nil, err
	}
	if err = e.record(ctx, op, scheduled, label); err != nil {
		// The operation is scheduled either way; the fields are printed below.
		e.logger.Error("failed to journal scheduled operation",
			"id", scheduled.ID.Hex(),
			"err", err,
		)
	}
	res := newScheduleResult(op, scheduled)
	return &res, nil
}

func runStatus(ctx context.Context, cfg *config.Config) (interface{}, error) {
	id, err := cmdCommon.ParseHash("id", opID)
	if err != nil {
		return nil, err
	}
	e, err := newEnv(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	st, err := e.registry.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return newStateResult(id, st), nil
}

// resolveOperation returns the operation to execute: from the flags, or
// from the journal entry of --id.
func resolveOperation(ctx context.Context, e *env) (ethCommon.Hash, timelock.Operation, error) {
	if opFlags.isSet() {
		op, err := opFlags.operation()
		if err != nil {
			return ethCommon.Hash{}, timelock.Operation{}, err
		}
		id := op.ID()
		if opID != "" {
			if id, err = cmdCommon.ParseHash("id", opID); err != nil {
				return ethCommon.Hash{}, timelock.Operation{}, err
			}
		}
		return id, op, nil
	}

	if opID == "" {
		return ethCommon.Hash{}, timelock.Operation{}, fmt.Errorf("either --id or --target must be given")
	}
	id, err := cmdCommon.ParseHash("id", opID)
	if err != nil {
		return ethCommon.Hash{}, timelock.Operation{}, err
	}
	if e.journal == nil {
		return ethCommon.Hash{}, timelock.Operation{}, fmt.Errorf("no journal configured, give the operation fields as flags")
	}
	entry, err := e.journal.Get(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return ethCommon.Hash{}, timelock.Operation{}, fmt.Errorf("operation %s is not in the journal, give its fields as flags: %w", id.Hex(), err)
		}
		return ethCommon.Hash{}, timelock.Operation{}, err
	}
	return id, entry.Operation(), nil
}

func runExecute(ctx context.Context, cfg *config.Config) (interface{}, error) {
	e, err := newEnv(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	id, op, err := resolveOperation(ctx, e)
	if err != nil {
		return nil, err
	}
	return execute(ctx, e, id, op)
}

func execute(ctx context.Context, e *env, id ethCommon.Hash, op timelock.Operation) (*ExecuteResult, error) {
	receipt, err := e.registry.Execute(ctx, id, op)
	if err != nil {
		return nil, err
	}
	if err = e.markDone(ctx, id, receipt.TxHash); err != nil {
		e.logger.Error("failed to journal execution", "id", id.Hex(), "err", err)
	}
	return &ExecuteResult{ID: id, Tx: cmdCommon.NewTxResult(receipt)}, nil
}

func runCancel(ctx context.Context, cfg *config.Config) (interface{}, error) {
	id, err := cmdCommon.ParseHash("id", opID)
	if err != nil {
		return nil, err
	}
	e, err := newEnv(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	receipt, err := e.registry.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = e.markClosed(ctx, id); err != nil {
		e.logger.Error("failed to journal cancellation", "id", id.Hex(), "err", err)
	}
	return CancelResult{ID: id, Tx: cmdCommon.NewTxResult(receipt)}, nil
}

// ReopenResult is the output of reopen.
type ReopenResult struct {
	ID            ethCommon.Hash `json:"id"`
	FailureReason string         `json:"previous_failure_reason,omitempty"`
	Status        journal.Status `json:"status"`
}

func runReopen(ctx context.Context, cfg *config.Config) (interface{}, error) {
	id, err := cmdCommon.ParseHash("id", opID)
	if err != nil {
		return nil, err
	}
	j, err := cmdCommon.NewJournal(ctx, cfg, cmdCommon.RootLogger().WithModule(moduleName))
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("journal: not configured")
	}
	defer j.Close()
	return reopen(ctx, j, id)
}

// reopen returns a failed entry to the open set.
func reopen(ctx context.Context, j journal.Journal, id ethCommon.Hash) (*ReopenResult, error) {
	entry, err := j.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != journal.StatusFailed {
		return nil, fmt.Errorf("operation %s is %s, only failed entries can be reopened", id.Hex(), entry.Status)
	}
	if err = j.Reopen(ctx, id); err != nil {
		return nil, err
	}
	return &ReopenResult{ID: id, FailureReason: entry.FailureReason, Status: journal.StatusOpen}, nil
}

// upgradeOperation builds the upgrade operation from the upgrade flags.
// A missing salt is generated when generate is set.
func upgradeOperation(generate bool) (ethCommon.Address, ethCommon.Address, timelock.Operation, error) {
	p, err := cmdCommon.ParseAddress("proxy", proxy)
	if err != nil {
		return ethCommon.Address{}, ethCommon.Address{}, timelock.Operation{}, err
	}
	impl, err := cmdCommon.ParseAddress("implementation", newImpl)
	if err != nil {
		return ethCommon.Address{}, ethCommon.Address{}, timelock.Operation{}, err
	}
	var salt ethCommon.Hash
	switch {
	case upgSalt != "":
		if salt, err = cmdCommon.ParseHash("salt", upgSalt); err != nil {
			return ethCommon.Address{}, ethCommon.Address{}, timelock.Operation{}, err
		}
	case generate:
		if salt, err = governance.RandomSalt(label); err != nil {
			return ethCommon.Address{}, ethCommon.Address{}, timelock.Operation{}, err
		}
	default:
		return ethCommon.Address{}, ethCommon.Address{}, timelock.Operation{}, fmt.Errorf("--salt is required")
	}
	op, err := governance.UpgradeOperation(p, impl, salt)
	if err != nil {
		return ethCommon.Address{}, ethCommon.Address{}, timelock.Operation{}, err
	}
	return p, impl, op, nil
}

func runScheduleUpgrade(ctx context.Context, cfg *config.Config) (interface{}, error) {
	p, impl, op, err := upgradeOperation(true)
	if err != nil {
		return nil, err
	}
	e, err := newEnv(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	if !skipCheck {
		if err = e.governor.PreflightUpgrade(ctx, p, e.registry.Address(), impl); err != nil {
			return nil, err
		}
	}
	return schedule(ctx, e, op)
}

func runExecuteUpgrade(ctx context.Context, cfg *config.Config) (interface{}, error) {
	p, impl, op, err := upgradeOperation(false)
	if err != nil {
		return nil, err
	}
	e, err := newEnv(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	res, err := execute(ctx, e, op.ID(), op)
	if err != nil {
		return nil, err
	}
	if err = e.governor.VerifyImplementation(ctx, p, impl); err != nil {
		return res, err
	}
	res.Implementation = &impl
	return res, nil
}

// Register registers the timelock sub-commands.
func Register(parentCmd *cobra.Command) {
	timelockCmd.PersistentFlags().StringVar(&configFile, "config", "./config/govkeeper.yml", "path to the config.yml file")

	opFlags.bind(idCmd.Flags())
	opFlags.bind(scheduleCmd.Flags())
	opFlags.bind(executeCmd.Flags())
	for _, cmd := range []*cobra.Command{scheduleCmd, scheduleUpgradeCmd} {
		cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the operation becomes ready (default the controller's minimum delay)")
		cmd.Flags().StringVar(&label, "label", "", "free-form journal label")
	}
	for _, cmd := range []*cobra.Command{statusCmd, executeCmd, cancelCmd, reopenCmd} {
		cmd.Flags().StringVar(&opID, "id", "", "operation id")
	}
	for _, cmd := range []*cobra.Command{scheduleUpgradeCmd, executeUpgradeCmd} {
		cmd.Flags().StringVar(&proxy, "proxy", "", "UUPS proxy address")
		cmd.Flags().StringVar(&newImpl, "implementation", "", "new implementation address")
		cmd.Flags().StringVar(&upgSalt, "salt", "", "operation salt (generated on schedule if omitted)")
		_ = cmd.MarkFlagRequired("proxy")
		_ = cmd.MarkFlagRequired("implementation")
	}
	scheduleUpgradeCmd.Flags().BoolVar(&skipCheck, "skip-preflight", false, "skip the proxy ownership and implementation checks")
	_ = idCmd.MarkFlagRequired("target")
	_ = scheduleCmd.MarkFlagRequired("target")
	_ = statusCmd.MarkFlagRequired("id")
	_ = cancelCmd.MarkFlagRequired("id")
	_ = reopenCmd.MarkFlagRequired("id")

	timelockCmd.AddCommand(minDelayCmd, idCmd, scheduleCmd, statusCmd, executeCmd, cancelCmd, reopenCmd, scheduleUpgradeCmd, executeUpgradeCmd)
	parentCmd.AddCommand(timelockCmd)
}
