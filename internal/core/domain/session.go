package domain

import "time"

// Session correlates a peer pair with its connection state and the channel
// labels negotiated for it. Sessions are owned by the session service and
// must only be mutated through its transition-table-guarded setter.
type Session struct {
	ID         SessionID
	LocalPeer  PeerID
	RemotePeer PeerID
	State      ConnectionState
	// Reason is set when State is Failed.
	Reason    string
	CreatedAt time.Time
	Channels  []ChannelLabel
	Profile   PermissionProfile
}

// Live reports whether the session still occupies its peer slot. Closed and
// Failed sessions may be replaced by a new one.
func (s *Session) Live() bool {
	return s.State != StateClosed && s.State != StateFailed
}
