// Package governance builds and checks the operations used to govern
// upgradeable (UUPS, Ownable) contracts through a time-lock.
package governance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/oasisprotocol/govkeeper/common"
	"github.com/oasisprotocol/govkeeper/evmabi"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/timelock"
)

const moduleName = "governance"

// ImplementationSlot is the EIP-1967 implementation slot,
// bytes32(uint256(keccak256("eip1967.proxy.implementation")) - 1).
var ImplementationSlot = ethCommon.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

var (
	ErrNotOwner         = errors.New("unexpected contract owner")
	ErrNotContract      = errors.New("no contract code at address")
	ErrUnexpectedResult = errors.New("post-condition not met")
)

// Reader is the part of the network client governance checks use.
type Reader interface {
	CallContract(ctx context.Context, call common.Call) ([]byte, error)
	CodeAt(ctx context.Context, account ethCommon.Address) ([]byte, error)
	StorageAt(ctx context.Context, account ethCommon.Address, key ethCommon.Hash) (ethCommon.Hash, error)
}

// Submitter performs a state-changing call; *submission.Executor
// implements it.
type Submitter interface {
	Submit(ctx context.Context, call common.Call) (*types.Receipt, error)
}

// Governor checks and performs governance actions on proxies.
type Governor struct {
	reader    Reader
	submitter Submitter
	logger    *log.Logger
}

func NewGovernor(reader Reader, submitter Submitter, logger *log.Logger) *Governor {
	return &Governor{reader: reader, submitter: submitter, logger: logger.WithModule(moduleName)}
}

// UpgradeOperation returns the time-lock operation upgrading proxy to
// newImplementation via upgradeToAndCall(newImplementation, "").
func UpgradeOperation(proxy, newImplementation ethCommon.Address, salt ethCommon.Hash) (timelock.Operation, error) {
	data, err := evmabi.UUPSOwnable.Pack("upgradeToAndCall", newImplementation, []byte{})
	if err != nil {
		return timelock.Operation{}, fmt.Errorf("packing upgradeToAndCall: %w", err)
	}
	return timelock.Operation{Target: proxy, Value: new(big.Int), Data: data, Salt: salt}, nil
}

// RandomSalt derives a fresh operation salt from label, the current time
// and random bytes.
func RandomSalt(label string) (ethCommon.Hash, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return ethCommon.Hash{}, fmt.Errorf("reading random bytes: %w", err)
	}
	seed := fmt.Sprintf("%s-%d-%x", label, time.Now().UnixMilli(), nonce)
	return crypto.Keccak256Hash([]byte(seed)), nil
}

// Owner reads owner() of contract.
func (g *Governor) Owner(ctx context.Context, contract ethCommon.Address) (ethCommon.Address, error) {
	data, err := evmabi.UUPSOwnable.Pack("owner")
	if err != nil {
		return ethCommon.Address{}, err
	}
	out, err := g.reader.CallContract(ctx, common.Call{To: contract, Data: data})
	if err != nil {
		return ethCommon.Address{}, fmt.Errorf("reading owner of %s: %w", contract.Hex(), err)
	}
	results, err := evmabi.UUPSOwnable.Unpack("owner", out)
	if err != nil {
		return ethCommon.Address{}, fmt.Errorf("unpacking owner: %w", err)
	}
	owner, ok := results[0].(ethCommon.Address)
	if !ok {
		return ethCommon.Address{}, fmt.Errorf("unpacking owner: unexpected result type %T", results[0])
	}
	return owner, nil
}

// Implementation reads the EIP-1967 implementation slot of proxy.
func (g *Governor) Implementation(ctx context.Context, proxy ethCommon.Address) (ethCommon.Address, error) {
	slot, err := g.reader.StorageAt(ctx, proxy, ImplementationSlot)
	if err != nil {
		return ethCommon.Address{}, fmt.Errorf("reading implementation slot of %s: %w", proxy.Hex(), err)
	}
	return ethCommon.BytesToAddress(slot.Bytes()), nil
}

func (g *Governor) requireContract(ctx context.Context, account ethCommon.Address) error {
	code, err := g.reader.CodeAt(ctx, account)
	if err != nil {
		return fmt.Errorf("reading code of %s: %w", account.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNotContract, account.Hex())
	}
	return nil
}

// PreflightUpgrade checks that the time-lock owns proxy and that
// newImplementation is a contract.
func (g *Governor) PreflightUpgrade(ctx context.Context, proxy, timelockAddr, newImplementation ethCommon.Address) error {
	owner, err := g.Owner(ctx, proxy)
	if err != nil {
		return err
	}
	if owner != timelockAddr {
		return fmt.Errorf("%w: %s is owned by %s, not the time-lock %s", ErrNotOwner, proxy.Hex(), owner.Hex(), timelockAddr.Hex())
	}
	return g.requireContract(ctx, newImplementation)
}

// VerifyImplementation checks that proxy points at expected.
func (g *Governor) VerifyImplementation(ctx context.Context, proxy, expected ethCommon.Address) error {
	impl, err := g.Implementation(ctx, proxy)
	if err != nil {
		return err
	}
	if impl != expected {
		return fmt.Errorf("%w: %s implementation is %s, expected %s", ErrUnexpectedResult, proxy.Hex(), impl.Hex(), expected.Hex())
	}
	return nil
}

// TransferOwnership hands contract over from signer to the time-lock and
// verifies the new owner.
func (g *Governor) TransferOwnership(ctx context.Context, contract, signer, timelockAddr ethCommon.Address) (*types.Receipt, error) {
	owner, err := g.Owner(ctx, contract)
	if err != nil {
		return nil, err
	}
	if owner != signer {
		return nil, fmt.Errorf("%w: %s is owned by %s, not the signer %s", ErrNotOwner, contract.Hex(), owner.Hex(), signer.Hex())
	}
	if err := g.requireContract(ctx, timelockAddr); err != nil {
		return nil, err
	}

	data, err := evmabi.UUPSOwnable.Pack("transferOwnership", timelockAddr)
	if err != nil {
		return nil, fmt.Errorf("packing transferOwnership: %w", err)
	}
	receipt, err := g.submitter.Submit(ctx, common.Call{To: contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("transferring ownership of %s: %w", contract.Hex(), err)
	}

	owner, err = g.Owner(ctx, contract)
	if err != nil {
		return receipt, err
	}
	if owner != timelockAddr {
		return receipt, fmt.Errorf("%w: %s owner is %s after transfer", ErrUnexpectedResult, contract.Hex(), owner.Hex())
	}
	g.logger.Info("ownership transferred to time-lock",
		"contract", contract.Hex(),
		"timelock", timelockAddr.Hex(),
		"tx_hash", receipt.TxHash.Hex(),
	)
	return receipt, nil
}
