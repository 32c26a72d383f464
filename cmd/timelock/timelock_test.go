package timelock

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/govkeeper/governance"
	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/timelock"
)

const testTarget = "0x1111111111111111111111111111111111111111"

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		opFlags = operationFlags{}
		opID, label, proxy, newImpl, upgSalt = "", "", "", "", ""
	})
}

func TestOperationFlags(t *testing.T) {
	f := operationFlags{
		target: testTarget,
		value:  "5",
		data:   "0xdeadbeef",
		salt:   ethCommon.HexToHash("0x01").Hex(),
	}
	op, err := f.operation()
	require.NoError(t, err)
	require.Equal(t, ethCommon.HexToAddress(testTarget), op.Target)
	require.Equal(t, int64(5), op.Value.Int64())
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, op.Data)
	require.Equal(t, ethCommon.Hash{}, op.Predecessor)
	require.Equal(t, "0x7245344ed7ebb702ffe52b671a4bd348fd89d0ac0808d24cbd39b39492ed4bb9", (&timelock.Operation{
		Target: op.Target,
		Data:   op.Data,
		Salt:   op.Salt,
	}).ID().Hex())

	f.predecessor = "0x01"
	_, err = f.operation()
	require.ErrorContains(t, err, "--predecessor")

	f = operationFlags{target: "nope"}
	_, err = f.operation()
	require.ErrorContains(t, err, "--target")
}

func TestIDCommand(t *testing.T) {
	resetFlags(t)
	opFlags = operationFlags{target: testTarget, value: "0", data: "deadbeef", salt: ethCommon.HexToHash("0x01").Hex()}

	var out bytes.Buffer
	idCmd.SetOut(&out)
	require.NoError(t, idCmd.RunE(idCmd, nil))

	var res OperationResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Equal(t, ethCommon.HexToHash("0x7245344ed7ebb702ffe52b671a4bd348fd89d0ac0808d24cbd39b39492ed4bb9"), res.ID)
	require.Equal(t, "0", res.Value.String())
}

func TestResolveOperation(t *testing.T) {
	resetFlags(t)
	ctx := context.Background()
	logger := log.NewDefaultLogger("cmd-test")
	j, err := journal.OpenPogreb(filepath.Join(t.TempDir(), "journal"), logger)
	require.NoError(t, err)
	e := &env{journal: j, logger: logger}
	defer e.Close()

	op := timelock.Operation{
		Target: ethCommon.HexToAddress(testTarget),
		Data:   []byte{0x01},
		Salt:   ethCommon.HexToHash("0x09"),
	}
	scheduled := &timelock.Scheduled{ID: op.ID(), ReadyAt: time.Unix(1_700_000_000, 0)}
	require.NoError(t, e.record(ctx, op, scheduled, "test"))

	// From the journal.
	opID = op.ID().Hex()
	id, resolved, err := resolveOperation(ctx, e)
	require.NoError(t, err)
	require.Equal(t, op.ID(), id)
	require.Equal(t, op.ID(), resolved.ID())

	// Unknown id.
	opID = ethCommon.HexToHash("0x02").Hex()
	_, _, err = resolveOperation(ctx, e)
	require.ErrorIs(t, err, journal.ErrNotFound)

	// From the flags; the id is derived.
	opID = ""
	opFlags = operationFlags{target: testTarget, data: "0x01", salt: ethCommon.HexToHash("0x09").Hex()}
	id, _, err = resolveOperation(ctx, e)
	require.NoError(t, err)
	require.Equal(t, op.ID(), id)

	// Neither.
	opFlags = operationFlags{}
	_, _, err = resolveOperation(ctx, e)
	require.Error(t, err)
}

func TestRecordKeepsExistingEntry(t *testing.T) {
	ctx := context.Background()
	logger := log.NewDefaultLogger("cmd-test")
	j, err := journal.OpenPogreb(filepath.Join(t.TempDir(), "journal"), logger)
	require.NoError(t, err)
	e := &env{journal: j, logger: logger}
	defer e.Close()

	op := timelock.Operation{Target: ethCommon.HexToAddress(testTarget)}
	scheduled := &timelock.Scheduled{ID: op.ID(), ReadyAt: time.Unix(1_700_000_000, 0)}
	require.NoError(t, e.record(ctx, op, scheduled, "first"))
	require.NoError(t, e.record(ctx, op, scheduled, "second"))

	entry, err := j.Get(ctx, op.ID())
	require.NoError(t, err)
	require.Equal(t, "first", entry.Label)

	require.NoError(t, e.markDone(ctx, op.ID(), ethCommon.HexToHash("0xaa")))
	require.NoError(t, e.markClosed(ctx, ethCommon.HexToHash("0xbb")))
}

func TestUpgradeOperation(t *testing.T) {
	resetFlags(t)
	proxy = "0x3333333333333333333333333333333333333333"
	newImpl = "0x4444444444444444444444444444444444444444"

	_, _, _, err := upgradeOperation(false)
	require.ErrorContains(t, err, "--salt")

	p, impl, generated, err := upgradeOperation(true)
	require.NoError(t, err)
	require.Equal(t, ethCommon.HexToAddress(proxy), p)
	require.Equal(t, ethCommon.HexToAddress(newImpl), impl)
	require.NotEqual(t, ethCommon.Hash{}, generated.Salt)

	upgSalt = generated.Salt.Hex()
	_, _, op, err := upgradeOperation(false)
	require.NoError(t, err)
	expected, err := governance.UpgradeOperation(p, impl, generated.Salt)
	require.NoError(t, err)
	require.Equal(t, expected.ID(), op.ID())
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	j, err := journal.OpenPogreb(filepath.Join(t.TempDir(), "journal"), log.NewDefaultLogger("cmd-test"))
	require.NoError(t, err)
	defer j.Close()

	op := timelock.Operation{Target: ethCommon.HexToAddress(testTarget), Salt: ethCommon.HexToHash("0x05")}
	scheduled := &timelock.Scheduled{ID: op.ID(), ReadyAt: time.Unix(1_700_000_000, 0)}
	require.NoError(t, j.Record(ctx, journal.NewEntry(op, scheduled, "test")))

	_, err = reopen(ctx, j, op.ID())
	require.ErrorContains(t, err, "only failed entries")

	require.NoError(t, j.MarkFailed(ctx, op.ID(), "execution reverted"))
	res, err := reopen(ctx, j, op.ID())
	require.NoError(t, err)
	require.Equal(t, "execution reverted", res.FailureReason)

	entry, err := j.Get(ctx, op.ID())
	require.NoError(t, err)
	require.Equal(t, journal.StatusOpen, entry.Status)

	_, err = reopen(ctx, j, ethCommon.HexToHash("0x06"))
	require.ErrorIs(t, err, journal.ErrNotFound)
}
