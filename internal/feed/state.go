package feed

import (
	"fmt"
	"sync/atomic"
)

// State is the connection state of the feed manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Disconnected
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateDraining}:   true,

	// From Connecting
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,
	{StateConnecting, StateDraining}:     true,

	// From Connected
	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateDraining}:     true,
}

// stateMachine holds the current state. Only the manager's Run goroutine
// transitions it; anyone may read it.
type stateMachine struct {
	state atomic.Int32
}

func (m *stateMachine) get() State {
	return State(m.state.Load())
}

// transition moves to the new state. Invalid transitions are programming
// errors and are reported, not applied.
func (m *stateMachine) transition(to State) error {
	from := m.get()
	if from == to {
		return nil
	}
	if !validTransitions[stateTransition{from: from, to: to}] {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	m.state.Store(int32(to))
	return nil
}
