package session

import (
	appErr "tci/pkg/errors"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateProvisioning covers sandbox acquisition during creation.
	StateProvisioning State = "provisioning"

	// StateIdle means the session is ready to accept an execution.
	StateIdle State = "idle"

	// StateRunning means an execution is in flight.
	StateRunning State = "running"

	// StateClosing covers teardown while waiting on in-flight work.
	StateClosing State = "closing"

	// StateClosed is terminal.
	StateClosed State = "closed"

	// StateEvicted is terminal; the idle reaper ended the session.
	StateEvicted State = "evicted"

	// StateFailed is terminal; provisioning did not complete.
	StateFailed State = "failed"
)

// transitions is the complete set of legal state changes. Anything not
// listed is rejected.
var transitions = map[State][]State{
	StateProvisioning: {StateIdle, StateFailed},
	StateIdle:         {StateRunning, StateClosing, StateEvicted},
	StateRunning:      {StateIdle, StateClosing},
	StateClosing:      {StateClosed},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateEvicted || s == StateFailed
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns InvalidTransition for an illegal change.
func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return appErr.New(appErr.InvalidTransition).
			WithMessagef("cannot transition session from %s to %s", from, to).
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
	}
	return nil
}
