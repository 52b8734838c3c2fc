package worker

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrInvalidTransition = errors.New("invalid strike transition")

// State is the striker's busy flag made explicit.
type State int32

const (
	Idle State = iota
	Leasing
	Submitting
	Resync
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Leasing:
		return "leasing"
	case Submitting:
		return "submitting"
	case Resync:
		return "resync"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome is how a strike cycle ended.
type Outcome int

const (
	Accepted Outcome = iota
	Declined
	Failed
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	case Conflict:
		return "conflict"
	}
	return "failed"
}

// Machine tracks one striker's cycle: Idle -> Leasing -> Submitting -> Idle,
// or -> Resync -> Idle after a sequence conflict. Any state but Idle is busy.
type Machine struct {
	state atomic.Int32
}

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) Busy() bool { return m.State() != Idle }

// Begin claims the machine for a new cycle. It reports false when a cycle is
// already in flight.
func (m *Machine) Begin() bool {
	return m.state.CompareAndSwap(int32(Idle), int32(Leasing))
}

func (m *Machine) Leased() error {
	return m.move(Leasing, Submitting)
}

// Finish ends the cycle. A conflict parks the machine in Resync until
// Recovered; every other outcome returns it to Idle.
func (m *Machine) Finish(o Outcome) error {
	if o == Conflict {
		return m.move(Submitting, Resync)
	}
	if m.state.CompareAndSwap(int32(Submitting), int32(Idle)) {
		return nil
	}
	// lease refused or timed out before submitting
	if o != Accepted && m.state.CompareAndSwap(int32(Leasing), int32(Idle)) {
		return nil
	}
	return fmt.Errorf("%w: finish %s from %s", ErrInvalidTransition, o, m.State())
}

func (m *Machine) Recovered() error {
	return m.move(Resync, Idle)
}

func (m *Machine) move(from, to State) error {
	if m.state.CompareAndSwap(int32(from), int32(to)) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, m.State())
}
