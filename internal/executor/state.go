package executor

import (
	"errors"
	"fmt"
)

// Status is the plan-level phase of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Event drives the state machine.
type Event int

const (
	// EventStart begins a run.
	EventStart Event = iota + 1
	// EventConfirmed reports that the current step was confirmed on chain.
	EventConfirmed
	// EventFailed reports that the current step failed or was abandoned.
	EventFailed
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventConfirmed:
		return "confirmed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrAbandoned is the failure reason of a plan whose context was cancelled
// before its next step started.
var ErrAbandoned = errors.New("plan abandoned before step started")

// State is a snapshot of one run.
//
//	Idle -> Running(0) -> Running(i+1) ... -> Succeeded
//	                   \-> Failed(i, reason)
//
// Step is the index of the current step while running, and of the failed
// step once failed. Succeeded and Failed are terminal.
type State struct {
	Status Status
	Step   int
	Total  int
	Reason error
}

// Initial returns the idle state of a plan with total steps.
func Initial(total int) State {
	return State{Status: StatusIdle, Total: total}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s.Status == StatusSucceeded || s.Status == StatusFailed
}

func (s State) String() string {
	switch s.Status {
	case StatusRunning:
		return fmt.Sprintf("running(%d/%d)", s.Step, s.Total)
	case StatusFailed:
		return fmt.Sprintf("failed(%d, %v)", s.Step, s.Reason)
	default:
		return string(s.Status)
	}
}

// TransitionError reports an event that is not valid in the current state.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s on %s", e.Event, e.From)
}

// IsTransitionError returns true if err is (or wraps) a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// Transition applies ev to s. It has no side effects.
//
// reason is required with EventFailed and ignored otherwise.
// A start on an empty plan goes straight to Succeeded.
func Transition(s State, ev Event, reason error) (State, error) {
	illegal := func() (State, error) {
		return s, &TransitionError{From: s, Event: ev}
	}

	switch s.Status {
	case StatusIdle:
		if ev != EventStart {
			return illegal()
		}
		if s.Total == 0 {
			return State{Status: StatusSucceeded, Total: 0}, nil
		}
		return State{Status: StatusRunning, Step: 0, Total: s.Total}, nil

	case StatusRunning:
		switch ev {
		case EventConfirmed:
			if s.Step+1 >= s.Total {
				return State{Status: StatusSucceeded, Step: s.Total, Total: s.Total}, nil
			}
			return State{Status: StatusRunning, Step: s.Step + 1, Total: s.Total}, nil
		case EventFailed:
			if reason == nil {
				return illegal()
			}
			return State{Status: StatusFailed, Step: s.Step, Total: s.Total, Reason: reason}, nil
		default:
			return illegal()
		}

	default:
		return illegal()
	}
}
