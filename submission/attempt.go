package submission

import (
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/oasisprotocol/govkeeper/fee"
	"github.com/oasisprotocol/govkeeper/gas"
)

// OutcomeKind is the classification of one attempt.
type OutcomeKind int

const (
	// OutcomeConfirmed: the call was included and succeeded.
	OutcomeConfirmed OutcomeKind = iota
	// OutcomeTransient: the attempt failed in a way a later attempt may not.
	OutcomeTransient
	// OutcomeFatal: the remote logic rejected the call; retrying is pointless.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one attempt. Receipt is set iff Kind is
// OutcomeConfirmed; Reason is set otherwise.
type Outcome struct {
	Kind    OutcomeKind
	Receipt *types.Receipt
	Reason  error
}

// Attempt records one submission attempt.
type Attempt struct {
	Number   int
	Quote    fee.Quote
	Estimate gas.Estimate
	// TxHash is the transaction broadcast by this attempt, if any.
	TxHash  *ethCommon.Hash
	Outcome Outcome
	Elapsed time.Duration
}
