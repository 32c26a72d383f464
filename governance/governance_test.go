package governance

import (
	"context"
	"fmt"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/evmabi"
	"github.com/oasisprotocol/govkeeper/log"
)

var (
	proxy        = ethCommon.HexToAddress("0x00000000000000000000000000000000000000a1")
	timelockAddr = ethCommon.HexToAddress("0x00000000000000000000000000000000000000c1")
	signer       = ethCommon.HexToAddress("0x00000000000000000000000000000000000000e1")
	newImpl      = ethCommon.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// fakeProxy simulates an Ownable UUPS proxy.
type fakeProxy struct {
	owner ethCommon.Address
	impl  ethCommon.Address
	code  map[ethCommon.Address][]byte
	calls []string
}

func newFakeProxy(owner ethCommon.Address) *fakeProxy {
	return &fakeProxy{
		owner: owner,
		impl:  ethCommon.HexToAddress("0x00000000000000000000000000000000000000b1"),
		code: map[ethCommon.Address][]byte{
			proxy:        {0x60},
			timelockAddr: {0x60},
			newImpl:      {0x60},
		},
	}
}

func (f *fakeProxy) CallContract(ctx context.Context, call common.Call) ([]byte, error) {
	method, err := evmabi.UUPSOwnable.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != "owner" {
		return nil, fmt.Errorf("unexpected read %s", method.Name)
	}
	return method.Outputs.Pack(f.owner)
}

func (f *fakeProxy) CodeAt(ctx context.Context, account ethCommon.Address) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeProxy) StorageAt(ctx context.Context, account ethCommon.Address, key ethCommon.Hash) (ethCommon.Hash, error) {
	if key != ImplementationSlot {
		return ethCommon.Hash{}, nil
	}
	return ethCommon.BytesToHash(f.impl.Bytes()), nil
}

func (f *fakeProxy) Submit(ctx context.Context, call common.Call) (*types.Receipt, error) {
	method, err := evmabi.UUPSOwnable.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, method.Name)
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "transferOwnership":
		f.owner = args[0].(ethCommon.Address)
	case "upgradeToAndCall":
		f.impl = args[0].(ethCommon.Address)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: ethCommon.HexToHash("0x77")}, nil
}

func newTestGovernor(f *fakeProxy) *Governor {
	return NewGovernor(f, f, log.NewDefaultLogger("governance-test"))
}

func TestUpgradeOperation(t *testing.T) {
	salt := ethCommon.HexToHash("0x99")
	op, err := UpgradeOperation(proxy, newImpl, salt)
	require.NoError(t, err)
	require.Equal(t, proxy, op.Target)
	require.Zero(t, op.Value.Sign())
	require.Equal(t, salt, op.Salt)
	require.Equal(t, ethCommon.Hash{}, op.Predecessor)

	method, err := evmabi.UUPSOwnable.MethodById(op.Data[:4])
	require.NoError(t, err)
	require.Equal(t, "upgradeToAndCall", method.Name)
	args, err := method.Inputs.Unpack(op.Data[4:])
	require.NoError(t, err)
	require.Equal(t, newImpl, args[0])
	require.Empty(t, args[1])
}

func TestPreflightUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newFakeProxy(timelockAddr)
	g := newTestGovernor(f)

	require.NoError(t, g.PreflightUpgrade(ctx, proxy, timelockAddr, newImpl))

	missing := ethCommon.HexToAddress("0x00000000000000000000000000000000000000dd")
	require.ErrorIs(t, g.PreflightUpgrade(ctx, proxy, timelockAddr, missing), ErrNotContract)

	f.owner = signer
	require.ErrorIs(t, g.PreflightUpgrade(ctx, proxy, timelockAddr, newImpl), ErrNotOwner)
}

func TestVerifyImplementation(t *testing.T) {
	ctx := context.Background()
	f := newFakeProxy(timelockAddr)
	g := newTestGovernor(f)

	require.ErrorIs(t, g.VerifyImplementation(ctx, proxy, newImpl), ErrUnexpectedResult)

	op, err := UpgradeOperation(proxy, newImpl, ethCommon.Hash{})
	require.NoError(t, err)
	_, err = f.Submit(ctx, common.Call{To: op.Target, Data: op.Data})
	require.NoError(t, err)
	require.NoError(t, g.VerifyImplementation(ctx, proxy, newImpl))
}

func TestTransferOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFakeProxy(signer)
	g := newTestGovernor(f)

	receipt, err := g.TransferOwnership(ctx, proxy, signer, timelockAddr)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Equal(t, timelockAddr, f.owner)

	// The signer no longer owns the contract.
	_, err = g.TransferOwnership(ctx, proxy, signer, timelockAddr)
	require.ErrorIs(t, err, ErrNotOwner)
	require.Equal(t, []string{"transferOwnership"}, f.calls)
}

func TestTransferOwnershipRequiresTimelockCode(t *testing.T) {
	f := newFakeProxy(signer)
	delete(f.code, timelockAddr)

	_, err := newTestGovernor(f).TransferOwnership(context.Background(), proxy, signer, timelockAddr)
	require.ErrorIs(t, err, ErrNotContract)
	require.Empty(t, f.calls)
}

func TestRandomSalt(t *testing.T) {
	a, err := RandomSalt("upgrade")
	require.NoError(t, err)
	b, err := RandomSalt("upgrade")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEqual(t, ethCommon.Hash{}, a)
}

