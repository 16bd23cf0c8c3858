package model

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to SupervisorState
		want     bool
	}{
		{StatePending, StateRunning, true},
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StateRunning, StateStopped, true},
		{StatePaused, StateStopped, true},
		{StatePending, StateKilled, true},
		{StateRunning, StateKilled, true},
		{StateKilled, StateKilled, true}, // kill() idempotent
		{StateStopped, StatePending, true},
		{StateKilled, StatePending, true},
		{StateError, StatePending, true},
		{StatePending, StatePending, false}, // restart from pending is an error
		{StatePending, StateStopped, false},
		{StateStopped, StateRunning, false},
		{StateKilled, StateRunning, false},
	}

	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestErrInvalidTransitionMessage(t *testing.T) {
	err := &ErrInvalidTransition{From: StatePending, To: StateStopped}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
