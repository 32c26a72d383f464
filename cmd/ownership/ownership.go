// Package ownership implements the ownership sub-commands.
package ownership

import (
	"context"
	"fmt"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	cmdCommon "github.com/oasisprotocol/govkeeper/cmd/common"
	"github.com/oasisprotocol/govkeeper/config"
)

const moduleName = "ownership"

var (
	// Path to the configuration file.
	configFile string

	contract string

	ownershipCmd = &cobra.Command{
		Use:   "ownership",
		Short: "Manage contract ownership",
	}

	transferCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Transfer ownership of a contract from the signer to the timelock",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runTransfer)
		},
	}
)

// TransferResult is the output of ownership transfer.
type TransferResult struct {
	Contract      ethCommon.Address   `json:"contract"`
	PreviousOwner ethCommon.Address   `json:"previous_owner"`
	NewOwner      ethCommon.Address   `json:"new_owner"`
	Tx            *cmdCommon.TxResult `json:"tx"`
}

func runTransfer(ctx context.Context, cfg *config.Config) (interface{}, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)

	target, err := cmdCommon.ParseAddress("contract", contract)
	if err != nil {
		return nil, err
	}
	if cfg.Timelock == nil {
		return nil, fmt.Errorf("timelock: not configured")
	}
	timelockAddr := ethCommon.HexToAddress(cfg.Timelock.Address)

	client, err := cmdCommon.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	executor, err := cmdCommon.NewExecutor(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	governor := cmdCommon.NewGovernor(client, executor, logger)

	receipt, err := governor.TransferOwnership(ctx, target, client.Address(), timelockAddr)
	if err != nil {
		return nil, err
	}
	return TransferResult{
		Contract:      target,
		PreviousOwner: client.Address(),
		NewOwner:      timelockAddr,
		Tx:            cmdCommon.NewTxResult(receipt),
	}, nil
}

// Register registers the ownership sub-commands.
func Register(parentCmd *cobra.Command) {
	ownershipCmd.PersistentFlags().StringVar(&configFile, "config", "./config/govkeeper.yml", "path to the config.yml file")
	transferCmd.Flags().StringVar(&contract, "contract", "", "Ownable contract to hand over")
	_ = transferCmd.MarkFlagRequired("contract")
	ownershipCmd.AddCommand(transferCmd)
	parentCmd.AddCommand(ownershipCmd)
}
