package session

import (
	"testing"

	appErr "tci/pkg/errors"
)

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateProvisioning, StateIdle},
		{StateProvisioning, StateFailed},
		{StateIdle, StateRunning},
		{StateIdle, StateClosing},
		{StateIdle, StateEvicted},
		{StateRunning, StateIdle},
		{StateRunning, StateClosing},
		{StateClosing, StateClosed},
	}
	for _, tt := range legal {
		if err := checkTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s -> %s should be legal: %v", tt.from, tt.to, err)
		}
	}

	illegal := []struct{ from, to State }{
		{StateClosed, StateIdle},
		{StateClosed, StateRunning},
		{StateEvicted, StateIdle},
		{StateFailed, StateIdle},
		{StateFailed, StateProvisioning},
		{StateProvisioning, StateClosed},
		{StateIdle, StateProvisioning},
		{StateRunning, StateEvicted},
		{StateProvisioning, StateRunning},
		{StateClosing, StateRunning},
	}
	for _, tt := range illegal {
		err := checkTransition(tt.from, tt.to)
		if !appErr.Is(err, appErr.InvalidTransition) {
			t.Errorf("%s -> %s should be rejected, got %v", tt.from, tt.to, err)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateClosed, StateEvicted, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(transitions[s]) != 0 {
			t.Errorf("%s must have no outgoing transitions", s)
		}
	}
	for _, s := range []State{StateProvisioning, StateIdle, StateRunning, StateClosing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
