package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func allStates() []ConnectionState {
	return []ConnectionState{
		StateDisconnected,
		StateConnecting,
		StateSignalingConnected,
		StateGatheringCandidates,
		StateConnected,
		StateReconnecting,
		StateFailed,
		StateClosed,
	}
}

func TestCanTransitionTo_ForwardPath(t *testing.T) {
	path := []ConnectionState{
		StateDisconnected,
		StateConnecting,
		StateSignalingConnected,
		StateGatheringCandidates,
		StateConnected,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransitionTo(path[i+1]),
			"%s -> %s should be allowed", path[i], path[i+1])
	}
}

func TestCanTransitionTo_ReconnectCycle(t *testing.T) {
	assert.True(t, StateConnected.CanTransitionTo(StateReconnecting))
	assert.True(t, StateReconnecting.CanTransitionTo(StateConnected))
	assert.True(t, StateReconnecting.CanTransitionTo(StateFailed))
}

func TestCanTransitionTo_ClosedAndFailedReachableFromAnywhere(t *testing.T) {
	for _, s := range allStates() {
		if s == StateClosed {
			continue
		}
		assert.True(t, s.CanTransitionTo(StateClosed), "%s -> closed", s)
		if s != StateFailed {
			assert.True(t, s.CanTransitionTo(StateFailed), "%s -> failed", s)
		}
	}
}

func TestCanTransitionTo_NothingLeavesClosed(t *testing.T) {
	for _, to := range allStates() {
		assert.False(t, StateClosed.CanTransitionTo(to), "closed -> %s", to)
	}
}

func TestCanTransitionTo_NoSelfTransitions(t *testing.T) {
	for _, s := range allStates() {
		assert.False(t, s.CanTransitionTo(s), "%s -> %s", s, s)
	}
}

func TestCanTransitionTo_RejectsSkips(t *testing.T) {
	cases := []struct {
		from, to ConnectionState
	}{
		{StateDisconnected, StateConnected},
		{StateDisconnected, StateSignalingConnected},
		{StateConnecting, StateConnected},
		{StateConnected, StateConnecting},
		{StateConnected, StateDisconnected},
		{StateReconnecting, StateGatheringCandidates},
		{StateFailed, StateConnected},
	}
	for _, c := range cases {
		assert.False(t, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestFailedAllowsRetry(t *testing.T) {
	assert.True(t, StateFailed.CanTransitionTo(StateConnecting))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateFailed.Terminal())
	assert.False(t, StateConnected.Terminal())
}
