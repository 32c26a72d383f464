package timelock

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/evmabi"
)

// Controller is the read side of the remote registry. Every method is a
// fresh remote read.
type Controller interface {
	// ReadOperation returns the stored record of id.
	ReadOperation(ctx context.Context, id ethCommon.Hash) (Record, error)
	// ReadMinDelay returns the controller's current minimum delay.
	ReadMinDelay(ctx context.Context) (time.Duration, error)
	// Now returns the remote clock, which readiness is judged against.
	Now(ctx context.Context) (time.Time, error)
}

// Reader is the subset of the network client the ABI-backed controller
// needs.
type Reader interface {
	CallContract(ctx context.Context, call common.Call) ([]byte, error)
	Now(ctx context.Context) (time.Time, error)
}

// ContractController reads a deployed TimelockController.
type ContractController struct {
	address ethCommon.Address
	reader  Reader
}

var _ Controller = (*ContractController)(nil)

func NewContractController(address ethCommon.Address, reader Reader) *ContractController {
	return &ContractController{address: address, reader: reader}
}

// Address returns the controller's address.
func (c *ContractController) Address() ethCommon.Address {
	return c.address
}

func (c *ContractController) ReadOperation(ctx context.Context, id ethCommon.Hash) (Record, error) {
	ts, err := c.callUint(ctx, "getTimestamp", [32]byte(id))
	if err != nil {
		return Record{}, err
	}
	if !ts.IsUint64() {
		return Record{}, fmt.Errorf("getTimestamp(%s) out of range: %s", id.Hex(), ts)
	}
	return Record{Timestamp: ts.Uint64()}, nil
}

func (c *ContractController) ReadMinDelay(ctx context.Context) (time.Duration, error) {
	secs, err := c.callUint(ctx, "getMinDelay")
	if err != nil {
		return 0, err
	}
	if !secs.IsInt64() || secs.Int64() > int64(1<<63-1)/int64(time.Second) {
		return 0, fmt.Errorf("getMinDelay out of range: %s", secs)
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

func (c *ContractController) Now(ctx context.Context) (time.Time, error) {
	return c.reader.Now(ctx)
}

func (c *ContractController) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := evmabi.TimelockController.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	out, err := c.reader.CallContract(ctx, common.Call{To: c.address, Data: data})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	results, err := evmabi.TimelockController.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	v, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpacking %s: unexpected result type %T", method, results[0])
	}
	return v, nil
}
