package ports

import (
	"context"

	"deskbridge/internal/core/domain"
)

// VideoSender accepts encoded frames for the loss-tolerant screen channel.
// Frames handed to a sender are consumed exactly once and never retained.
type VideoSender interface {
	SendFrame(frame *domain.EncodedFrame) error
}

// ControlReceiver exposes the reliable-ordered control channel. Receive
// yields raw CBOR payloads; the channel is closed when the transport shuts
// down.
type ControlReceiver interface {
	Receive() <-chan []byte
}

// ClipboardChannel is the reliable clipboard channel; ordering is not
// guaranteed across messages.
type ClipboardChannel interface {
	Send(data []byte) error
	Receive() <-chan []byte
}

// SessionTransport is the opaque encrypted per-channel primitive negotiated
// for one session. The cryptographic handshake is internal to the
// implementation.
type SessionTransport interface {
	VideoSender
	ControlReceiver
	Clipboard() ClipboardChannel

	// Stats is the rolling network telemetry window fed by the transport.
	Stats() *domain.StatsWindow

	CreateOffer(ctx context.Context) (string, error)
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	AcceptAnswer(ctx context.Context, sdp string) error
	AddRemoteCandidate(c domain.ICECandidatePayload) error

	// OnLocalCandidate registers the callback invoked for each gathered
	// local ICE candidate.
	OnLocalCandidate(fn func(domain.ICECandidatePayload))
	// OnConnectionChange registers the callback for transport-level
	// connectivity changes, mapped by the caller onto session states.
	OnConnectionChange(fn func(TransportState))

	Close() error
}

// TransportState is the coarse connectivity state of a session transport.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

// SignalingClient is the persistent rendezvous connection as seen by the
// engine.
type SignalingClient interface {
	// Connect establishes the connection and returns the live inbound
	// message stream. The stream is closed after the reconnect budget is
	// exhausted.
	Connect(ctx context.Context) (<-chan domain.SignalingMessage, error)
	Send(ctx context.Context, msg domain.SignalingMessage) error
	ListPeers(ctx context.Context) error
	RequestConnection(ctx context.Context, peer domain.PeerID) error
	SendOffer(ctx context.Context, peer domain.PeerID, sdp string) error
	SendAnswer(ctx context.Context, peer domain.PeerID, sdp string) error
	SendICECandidate(ctx context.Context, peer domain.PeerID, c domain.ICECandidatePayload) error
	Close() error
}
