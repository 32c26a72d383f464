// Package timelock implements the time-delayed operation registry on top
// of an OpenZeppelin TimelockController.
package timelock

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/evmabi"
)

// Operation is a single-call time-locked operation.
type Operation struct {
	Target ethCommon.Address
	Value  *big.Int
	Data   []byte
	// Predecessor is the id of an operation that must be done first, or
	// the zero hash.
	Predecessor ethCommon.Hash
	Salt        ethCommon.Hash
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// abi.encode(address, uint256, bytes, bytes32, bytes32)
var operationArgs = abi.Arguments{
	{Type: mustNewType("address")},
	{Type: mustNewType("uint256")},
	{Type: mustNewType("bytes")},
	{Type: mustNewType("bytes32")},
	{Type: mustNewType("bytes32")},
}

// ID returns the operation id as computed by the controller's
// hashOperation. It is a pure function of the operation's fields.
func (op Operation) ID() ethCommon.Hash {
	encoded, err := operationArgs.Pack(
		op.Target,
		op.value(),
		op.data(),
		[32]byte(op.Predecessor),
		[32]byte(op.Salt),
	)
	if err != nil {
		// Only reachable with a negative value.
		panic(fmt.Sprintf("timelock: encoding operation: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

func (op Operation) value() *big.Int {
	if op.Value == nil {
		return new(big.Int)
	}
	return op.Value
}

func (op Operation) data() []byte {
	if op.Data == nil {
		return []byte{}
	}
	return op.Data
}

// Validate checks the fields the controller cannot encode.
func (op Operation) Validate() error {
	if op.Value != nil && op.Value.Sign() < 0 {
		return fmt.Errorf("negative value %s", op.Value)
	}
	return nil
}

func (op Operation) String() string {
	return fmt.Sprintf("operation{id: %s, target: %s, value: %s, data_len: %d, predecessor: %s, salt: %s}",
		op.ID().Hex(), op.Target.Hex(), op.value(), len(op.Data), op.Predecessor.Hex(), op.Salt.Hex())
}

// ScheduleCall builds the controller call scheduling op with delay.
func ScheduleCall(controller ethCommon.Address, op Operation, delay time.Duration) (common.Call, error) {
	data, err := evmabi.TimelockController.Pack("schedule",
		op.Target, op.value(), op.data(), [32]byte(op.Predecessor), [32]byte(op.Salt), durationToSeconds(delay),
	)
	if err != nil {
		return common.Call{}, fmt.Errorf("packing schedule: %w", err)
	}
	return common.Call{To: controller, Data: data}, nil
}

// ExecuteCall builds the controller call executing op. The call carries
// op's value, which the controller forwards to the target.
func ExecuteCall(controller ethCommon.Address, op Operation) (common.Call, error) {
	data, err := evmabi.TimelockController.Pack("execute",
		op.Target, op.value(), op.data(), [32]byte(op.Predecessor), [32]byte(op.Salt),
	)
	if err != nil {
		return common.Call{}, fmt.Errorf("packing execute: %w", err)
	}
	return common.Call{To: controller, Value: op.value(), Data: data}, nil
}

// CancelCall builds the controller call cancelling id.
func CancelCall(controller ethCommon.Address, id ethCommon.Hash) (common.Call, error) {
	data, err := evmabi.TimelockController.Pack("cancel", [32]byte(id))
	if err != nil {
		return common.Call{}, fmt.Errorf("packing cancel: %w", err)
	}
	return common.Call{To: controller, Data: data}, nil
}

// Delays are whole seconds on chain.
func durationToSeconds(d time.Duration) *big.Int {
	return new(big.Int).SetInt64(int64(d / time.Second))
}
