package submission

import (
	"errors"
	"fmt"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Conditions the network client reports. The client is responsible for
// mapping its transport's errors onto these; the executor classifies on
// them with errors.Is/As only.
var (
	// ErrConfirmationTimeout: the transaction was not confirmed within the attempt's deadline.
	ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")
	// ErrUnderpriced: the node rejected the fee, or a replacement did not outbid the original.
	ErrUnderpriced = errors.New("transaction underpriced")
	// ErrNonceConflict: the nonce was consumed or reused concurrently.
	ErrNonceConflict = errors.New("nonce conflict")
	// ErrNodeUnavailable: the node could not be reached or answered with a server error.
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrInsufficientFunds: the sender cannot pay for gas * price + value.
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
)

// Failures surfaced by Submit.
var (
	ErrFatalFailure        = errors.New("submission rejected")
	ErrSubmissionExhausted = errors.New("submission attempts exhausted")
)

// RevertError is returned when the remote logic rejected the call,
// either at broadcast (pre-flight) or on-chain (failed receipt).
type RevertError struct {
	// Reason is the decoded revert reason, if any.
	Reason string
	// Data is the raw revert data, if the node returned it.
	Data []byte
	// TxHash is set when the revert happened on-chain.
	TxHash *ethCommon.Hash
}

func (e *RevertError) Error() string {
	msg := "execution reverted"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != nil {
		msg += fmt.Sprintf(" (tx %s)", e.TxHash.Hex())
	}
	return msg
}

// Classify maps an attempt error onto an outcome kind. Business rejections
// and unfundable submissions are fatal; everything else, including errors
// the client could not recognize, is retried within the attempt budget.
func Classify(err error) OutcomeKind {
	var revert *RevertError
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.As(err, &revert):
		return OutcomeFatal
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeFatal
	default:
		return OutcomeTransient
	}
}

// FatalError is returned when an attempt was rejected for a business
// reason. The remaining attempts were not consumed.
type FatalError struct {
	Attempts []Attempt
	Reason   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s at attempt %d: %v", ErrFatalFailure, len(e.Attempts), e.Reason)
}

func (e *FatalError) Is(target error) bool {
	return target == ErrFatalFailure
}

func (e *FatalError) Unwrap() error {
	return e.Reason
}

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts, last error: %v", ErrSubmissionExhausted, len(e.Attempts), e.Unwrap())
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrSubmissionExhausted
}

// Unwrap returns the reason of the last attempt.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Outcome.Reason
}
