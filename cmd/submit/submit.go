// Package submit implements the submit sub-command.
package submit

import (
	"context"

	"github.com/spf13/cobra"

	cmdCommon "github.com/oasisprotocol/govkeeper/cmd/common"
	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/config"
)

const moduleName = "submit"

var (
	// Path to the configuration file.
	configFile string

	to    string
	value string
	data  string

	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit a state-changing call with retries and confirm it",
		Run: func(cmd *cobra.Command, args []string) {
			cmdCommon.Run(configFile, runSubmit)
		},
	}
)

func runSubmit(ctx context.Context, cfg *config.Config) (interface{}, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)

	call, err := parseCall()
	if err != nil {
		return nil, err
	}
	client, err := cmdCommon.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	executor, err := cmdCommon.NewExecutor(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	receipt, err := executor.Submit(ctx, call)
	if err != nil {
		return nil, err
	}
	return cmdCommon.NewTxResult(receipt), nil
}

func parseCall() (common.Call, error) {
	target, err := cmdCommon.ParseAddress("to", to)
	if err != nil {
		return common.Call{}, err
	}
	v, err := cmdCommon.ParseValue("value", value)
	if err != nil {
		return common.Call{}, err
	}
	payload, err := cmdCommon.ParseData("data", data)
	if err != nil {
		return common.Call{}, err
	}
	return common.Call{To: target, Value: v, Data: payload}, nil
}

// Register registers the submit sub-command.
func Register(parentCmd *cobra.Command) {
	submitCmd.Flags().StringVar(&configFile, "config", "./config/govkeeper.yml", "path to the config.yml file")
	submitCmd.Flags().StringVar(&to, "to", "", "target contract address")
	submitCmd.Flags().StringVar(&value, "value", "0", "value to transfer, in wei")
	submitCmd.Flags().StringVar(&data, "data", "", "hex-encoded calldata")
	_ = submitCmd.MarkFlagRequired("to")
	parentCmd.AddCommand(submitCmd)
}
