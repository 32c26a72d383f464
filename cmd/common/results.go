package common

import (
	"fmt"
	"math/big"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxResult is the JSON rendering of a confirmed transaction.
type TxResult struct {
	TxHash      ethCommon.Hash `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	GasUsed     uint64         `json:"gas_used"`
	GasPrice    string         `json:"effective_gas_price,omitempty"`
}

// NewTxResult renders r, which may be nil.
func NewTxResult(r *types.Receipt) *TxResult {
	if r == nil {
		return nil
	}
	res := &TxResult{
		TxHash:  r.TxHash,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		res.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		res.GasPrice = r.EffectiveGasPrice.String()
	}
	return res
}

// ParseAddress parses a hex address flag.
func ParseAddress(name, s string) (ethCommon.Address, error) {
	if !ethCommon.IsHexAddress(s) {
		return ethCommon.Address{}, fmt.Errorf("--%s: malformed address '%s'", name, s)
	}
	return ethCommon.HexToAddress(s), nil
}

// ParseHash parses a 32-byte hex flag. An empty string is the zero hash.
func ParseHash(name, s string) (ethCommon.Hash, error) {
	if s == "" {
		return ethCommon.Hash{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != ethCommon.HashLength {
		return ethCommon.Hash{}, fmt.Errorf("--%s: expected 0x-prefixed 32-byte hex, got '%s'", name, s)
	}
	return ethCommon.BytesToHash(b), nil
}

// ParseData parses a hex payload flag. An empty string or 0x is no data.
func ParseData(name, s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return b, nil
}

// ParseValue parses a non-negative wei amount flag. An empty string is zero.
func ParseValue(name, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("--%s: malformed wei amount '%s'", name, s)
	}
	return v, nil
}
