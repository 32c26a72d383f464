package config

import (
	"fmt"
)

// ChainName is the name of a built-in chain preset.
type ChainName string

const (
	ChainNameBSCTestnet ChainName = "bsc_testnet"
	ChainNameBSCMainnet ChainName = "bsc_mainnet"
	ChainNameHardhat    ChainName = "hardhat"
)

// ChainConfig describes one EVM chain.
type ChainConfig struct {
	// ChainID is the EIP-155 chain id used for signing.
	ChainID uint64 `koanf:"chain_id"`
	// RPC is the JSON-RPC endpoint.
	RPC string `koanf:"rpc"`
	// Confirmations is the number of blocks (including the inclusion block)
	// a receipt must be buried under before it counts as confirmed.
	Confirmations uint64 `koanf:"confirmations"`
	// FallbackGasPrice, in wei, is quoted when the fee market cannot be read.
	FallbackGasPrice uint64 `koanf:"fallback_gas_price"`
}

// Validate validates the chain configuration.
func (cfg *ChainConfig) Validate() error {
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain_id must be set")
	}
	if cfg.RPC == "" {
		return fmt.Errorf("malformed rpc endpoint '%s'", cfg.RPC)
	}
	if cfg.Confirmations == 0 {
		return fmt.Errorf("confirmations must be at least 1")
	}
	if cfg.FallbackGasPrice == 0 {
		return fmt.Errorf("fallback_gas_price must be positive")
	}
	return nil
}

const gwei = 1_000_000_000

// DefaultChains are the chain presets selectable via network.chain_name.
var DefaultChains = map[ChainName]*ChainConfig{
	ChainNameBSCTestnet: {
		ChainID:          97,
		RPC:              "https://data-seed-prebsc-1-s1.bnbchain.org:8545",
		Confirmations:    1,
		FallbackGasPrice: 10 * gwei,
	},
	ChainNameBSCMainnet: {
		ChainID:          56,
		RPC:              "https://bsc-dataseed1.bnbchain.org",
		Confirmations:    2,
		FallbackGasPrice: 5 * gwei,
	},
	ChainNameHardhat: {
		ChainID:          1337,
		RPC:              "http://127.0.0.1:8545",
		Confirmations:    1,
		FallbackGasPrice: 5 * gwei,
	},
}
