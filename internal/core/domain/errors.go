package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("peer already has a live session")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrChannelClosed     = errors.New("channel closed")
	ErrCaptureTimeout    = errors.New("capture timed out")
	ErrPipelineStopped   = errors.New("pipeline stopped")
	ErrRetryBudgetSpent  = errors.New("retry budget exhausted")
	ErrInvalidTransition = errors.New("connection state transition not allowed")
	ErrCapabilityDenied  = errors.New("capability not granted by session profile")
)

// TransportError is a signaling or media send/receive failure. It is retried
// with bounded backoff; past the retry budget it surfaces as a Failed
// connection state.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s failed", e.Op)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EncodeError is a single-frame capture or encode failure. It is logged and
// skipped; only past the consecutive-failure threshold does it escalate to a
// fatal pipeline stop.
type EncodeError struct {
	Sequence uint64
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode frame %d: %v", e.Sequence, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected signaling message. It is logged
// and dropped and never affects the connection state.
type ProtocolError struct {
	MessageType string
	Reason      string
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s message: %s: %v", e.MessageType, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s message: %s", e.MessageType, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConfigError is an out-of-bounds encoder configuration. It is rejected at
// the call site; the previous configuration is retained.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// FatalError is the only user-visible failure shape: a transport error past
// its retry budget or an encode error past its failure threshold. It carries
// a human-readable reason and the last known connection state.
type FatalError struct {
	Reason    string
	LastState ConnectionState
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (last state: %s)", e.Reason, e.LastState)
}

func (e *FatalError) Unwrap() error { return e.Err }
