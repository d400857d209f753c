package domain

import "time"

// Capability is one remote-control permission flag.
type Capability string

const (
	CapControlMouse    Capability = "control_mouse"
	CapControlKeyboard Capability = "control_keyboard"
	CapClipboard       Capability = "clipboard"
	CapRestartDevice   Capability = "restart_device"
	CapLockDevice      Capability = "lock_device"
	CapSignOutDevice   Capability = "sign_out_device"
	CapFileAccess      Capability = "file_access"
	CapRecording       Capability = "recording"
)

// PermissionProfile is a named bundle of capability flags selected per
// session. An input event reaches the injector iff the active profile grants
// its capability.
type PermissionProfile struct {
	Name   string
	Grants map[Capability]bool
}

func (p PermissionProfile) Allows(c Capability) bool {
	return p.Grants[c]
}

// FullAccessProfile grants every capability.
func FullAccessProfile() PermissionProfile {
	return PermissionProfile{
		Name: "full_access",
		Grants: map[Capability]bool{
			CapControlMouse:    true,
			CapControlKeyboard: true,
			CapClipboard:       true,
			CapRestartDevice:   true,
			CapLockDevice:      true,
			CapSignOutDevice:   true,
			CapFileAccess:      true,
			CapRecording:       true,
		},
	}
}

// ViewOnlyProfile allows watching the screen and nothing else.
func ViewOnlyProfile() PermissionProfile {
	return PermissionProfile{Name: "view_only", Grants: map[Capability]bool{}}
}

// ScreenShareOnlyProfile allows watching plus clipboard exchange.
func ScreenShareOnlyProfile() PermissionProfile {
	return PermissionProfile{
		Name: "screen_share",
		Grants: map[Capability]bool{
			CapClipboard: true,
		},
	}
}

// ProfileByName resolves a built-in profile; unknown names fall back to
// view-only, the least privileged choice.
func ProfileByName(name string) PermissionProfile {
	switch name {
	case "full_access":
		return FullAccessProfile()
	case "screen_share":
		return ScreenShareOnlyProfile()
	default:
		return ViewOnlyProfile()
	}
}

// PermissionDenial is the audit event emitted when an event is dropped by a
// permission check. Denial is an expected outcome, never an error.
type PermissionDenial struct {
	Peer       PeerID
	Capability Capability
	Sequence   uint64
	Timestamp  time.Time
}
