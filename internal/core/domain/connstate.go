package domain

import "time"

// ConnectionState is the lifecycle state of a peer session. Transitions are
// only valid when allowed by the transition table below; everything else is
// rejected and leaves the current state unchanged.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSignalingConnected
	StateGatheringCandidates
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSignalingConnected:
		return "signaling_connected"
	case StateGatheringCandidates:
		return "gathering_candidates"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible. Failed is not
// terminal here because an explicit retry may re-enter Connecting.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed
}

// transitionTable lists the forward transitions. Closed and Failed are
// reachable from every non-terminal state and are handled separately in
// CanTransitionTo.
var transitionTable = map[ConnectionState][]ConnectionState{
	StateDisconnected:        {StateConnecting},
	StateConnecting:          {StateSignalingConnected},
	StateSignalingConnected:  {StateGatheringCandidates},
	StateGatheringCandidates: {StateConnected},
	StateConnected:           {StateReconnecting},
	StateReconnecting:        {StateConnected},
	StateFailed:              {StateConnecting},
}

// CanTransitionTo reports whether the transition s -> to is in the allowed
// table. Self-transitions are never allowed; nothing leaves Closed.
func (s ConnectionState) CanTransitionTo(to ConnectionState) bool {
	if s == StateClosed || s == to {
		return false
	}
	if to == StateClosed || to == StateFailed {
		return true
	}
	for _, next := range transitionTable[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange is delivered to transition listeners.
type StateChange struct {
	SessionID SessionID
	Peer      PeerID
	From      ConnectionState
	To        ConnectionState
	Reason    string
	Timestamp time.Time
}
