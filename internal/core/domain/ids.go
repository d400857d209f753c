package domain

import "github.com/google/uuid"

type PeerID string
type SessionID string
type ChannelLabel string

// Channel labels negotiated for every session.
const (
	ChannelScreen    ChannelLabel = "screen"
	ChannelInput     ChannelLabel = "input"
	ChannelClipboard ChannelLabel = "clipboard"
)

// NewPeerID generates a device identifier. It is expected to be generated
// once per install and persisted by the credential provider.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
