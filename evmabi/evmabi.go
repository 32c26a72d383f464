// Package evmabi embeds the ABIs of the contracts this module talks to.
package evmabi

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

func MustUnmarshalABI(artifactJSON []byte) *abi.ABI {
	var artifact struct {
		ABI *abi.ABI
	}
	if err := json.Unmarshal(artifactJSON, &artifact); err != nil {
		panic(err)
	}
	return artifact.ABI
}

// OpenZeppelin TimelockController (v5 custom errors).
//
//go:embed contracts/artifacts/TimelockController.json
var artifactTimelockControllerJSON []byte
var TimelockController = MustUnmarshalABI(artifactTimelockControllerJSON)

// The Ownable + UUPSUpgradeable surface of the governed proxies.
//
//go:embed contracts/artifacts/UUPSOwnable.json
var artifactUUPSOwnableJSON []byte
var UUPSOwnable = MustUnmarshalABI(artifactUUPSOwnableJSON)

// DecodeRevert renders revert data as a human-readable reason. It understands
// Error(string), Panic(uint256) and the custom errors of the embedded ABIs.
func DecodeRevert(data []byte) (string, bool) {
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason, true
	}
	if len(data) < 4 {
		return "", false
	}
	var selector [4]byte
	copy(selector[:], data[:4])
	for _, contract := range []*abi.ABI{TimelockController, UUPSOwnable} {
		abiErr, err := contract.ErrorByID(selector)
		if err != nil {
			continue
		}
		args, err := abiErr.Inputs.Unpack(data[4:])
		if err != nil {
			continue
		}
		parts := make([]string, len(args))
		for i, arg := range args {
			parts[i] = fmt.Sprintf("%s=%s", abiErr.Inputs[i].Name, formatArg(arg))
		}
		return fmt.Sprintf("%s(%s)", abiErr.Name, strings.Join(parts, ", ")), true
	}
	return "", false
}

func formatArg(arg interface{}) string {
	switch v := arg.(type) {
	case [32]byte:
		return ethCommon.Hash(v).Hex()
	case ethCommon.Address:
		return v.Hex()
	default:
		return fmt.Sprint(v)
	}
}
