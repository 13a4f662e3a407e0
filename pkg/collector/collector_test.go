package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Init:         "init",
		Configured:   "configured",
		Binding:      "binding",
		Queuing:      "queuing",
		ShuttingDown: "shutting_down",
		Stopped:      "stopped",
		State(99):    "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestNewLimiterZeroMeansUnlimited(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	assert.Nil(t, newLimiter(-1))
}

func TestNewLimiterPositiveBuildsLimiter(t *testing.T) {
	l := newLimiter(rate.Limit(10))
	if assert.NotNil(t, l) {
		assert.True(t, l.Allow())
	}
}

func TestStateMachineTransitions(t *testing.T) {
	sm := newStateMachine()
	assert.False(t, sm.IsQueuingRequests())

	done := make(chan struct{})
	go func() {
		sm.WaitUntilQueuingRequests()
		close(done)
	}()

	sm.set(Configured)
	sm.set(Binding)
	sm.set(Queuing)
	<-done

	assert.True(t, sm.IsQueuingRequests())

	shutdownDone := make(chan struct{})
	go func() {
		sm.WaitUntilShutdown()
		close(shutdownDone)
	}()
	sm.set(ShuttingDown)
	sm.set(Stopped)
	<-shutdownDone
}
