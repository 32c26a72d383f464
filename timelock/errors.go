package timelock

import (
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

var (
	ErrDelayTooShort    = errors.New("delay below the controller's minimum delay")
	ErrNotReady         = errors.New("operation not ready")
	ErrIdentityMismatch = errors.New("operation fields do not match id")
	ErrAlreadyDone      = errors.New("operation already executed")
	ErrNotPending       = errors.New("operation not pending")
)

// DelayTooShortError is returned by Schedule when delay < minDelay.
type DelayTooShortError struct {
	Delay    time.Duration
	MinDelay time.Duration
}

func (e *DelayTooShortError) Error() string {
	return fmt.Sprintf("%s: delay %s, min delay %s", ErrDelayTooShort, e.Delay, e.MinDelay)
}

func (e *DelayTooShortError) Is(target error) bool {
	return target == ErrDelayTooShort
}

// StateError is returned when an operation is not in the state the
// requested transition needs. It matches ErrNotReady or ErrNotPending.
type StateError struct {
	ID       ethCommon.Hash
	State    State
	Sentinel error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s is %s", e.Sentinel, e.ID.Hex(), e.State)
}

func (e *StateError) Is(target error) bool {
	return target == e.Sentinel
}
