package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/oasisprotocol/govkeeper/evmabi"
	"github.com/oasisprotocol/govkeeper/submission"
)

// JSON-RPC carries node errors as message text only. These are the
// node-side error values whose messages we recognize, and the submission
// conditions they map to.
var nodeErrors = []struct {
	node   error
	mapped error
}{
	{core.ErrNonceTooLow, submission.ErrNonceConflict},
	{core.ErrNonceTooHigh, submission.ErrNonceConflict},
	{txpool.ErrReplaceUnderpriced, submission.ErrUnderpriced},
	{txpool.ErrUnderpriced, submission.ErrUnderpriced},
	{core.ErrFeeCapTooLow, submission.ErrUnderpriced},
	{core.ErrInsufficientFunds, submission.ErrInsufficientFunds},
}

// revertCode is the JSON-RPC error code geth uses for reverted calls.
const revertCode = 3

// isAlreadyKnown reports whether the node already has the transaction in
// its pool, i.e. the broadcast was a duplicate.
func isAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(err.Error(), txpool.ErrAlreadyKnown.Error())
}

// mapError maps a node error onto the conditions of package submission.
// Errors it does not recognize are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := revertData(dataErr.ErrorData()); ok {
			return newRevertError(data, nil)
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertCode {
		return &submission.RevertError{Reason: strings.TrimPrefix(rpcErr.Error(), "execution reverted: ")}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode >= 500 || httpErr.StatusCode == 429) {
		return fmt.Errorf("%w: %w", submission.ErrNodeUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", submission.ErrNodeUnavailable, err)
	}

	msg := err.Error()
	for _, known := range nodeErrors {
		if strings.Contains(msg, known.node.Error()) {
			return fmt.Errorf("%w: %w", known.mapped, err)
		}
	}
	if reason, ok := strings.CutPrefix(msg, "execution reverted"); ok {
		return &submission.RevertError{Reason: strings.TrimPrefix(reason, ": ")}
	}
	return err
}

func revertData(v interface{}) ([]byte, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	data, err := hexutil.Decode(s)
	if err != nil {
		return nil, false
	}
	return data, true
}

func newRevertError(data []byte, txHash *ethCommon.Hash) *submission.RevertError {
	reason, ok := evmabi.DecodeRevert(data)
	if !ok && len(data) > 0 {
		reason = "unknown revert data " + hexutil.Encode(data)
	}
	return &submission.RevertError{Reason: reason, Data: data, TxHash: txHash}
}
