package timelock

import (
	"fmt"
	"time"
)

// StateKind is the lifecycle state of an operation id.
type StateKind int

const (
	// Unset: never scheduled, or cancelled.
	Unset StateKind = iota
	Pending
	Ready
	Done
)

func (k StateKind) String() string {
	switch k {
	case Unset:
		return "unset"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is the state of an operation id as observed at one instant of the
// remote clock. ReadyAt is set for Pending and Ready.
type State struct {
	Kind    StateKind
	ReadyAt time.Time
}

func (s State) String() string {
	switch s.Kind {
	case Pending, Ready:
		return fmt.Sprintf("%s(ready_at: %s)", s.Kind, s.ReadyAt.UTC().Format(time.RFC3339))
	default:
		return s.Kind.String()
	}
}

// Record is the controller's stored timestamp for an operation id.
// Following TimelockController.getTimestamp: 0 is unset, 1 is done, any
// other value is the unix time at which the operation becomes ready.
type Record struct {
	Timestamp uint64
}

const doneTimestamp = 1

// Exists reports whether the id has been scheduled and not cancelled.
func (r Record) Exists() bool { return r.Timestamp != 0 }

// Done reports whether the operation has been executed.
func (r Record) Done() bool { return r.Timestamp == doneTimestamp }

// ReadyAt returns the time at which a pending operation becomes ready.
func (r Record) ReadyAt() time.Time {
	return time.Unix(int64(r.Timestamp), 0).UTC()
}

// Derive computes the state of r at remote time now.
func (r Record) Derive(now time.Time) State {
	switch {
	case !r.Exists():
		return State{Kind: Unset}
	case r.Done():
		return State{Kind: Done}
	case now.Before(r.ReadyAt()):
		return State{Kind: Pending, ReadyAt: r.ReadyAt()}
	default:
		return State{Kind: Ready, ReadyAt: r.ReadyAt()}
	}
}
