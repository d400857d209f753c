package domain

// InputEventKind discriminates the input event union on the wire. Values are
// fixed protocol constants; do not renumber.
type InputEventKind uint8

const (
	InputMouseMove InputEventKind = iota + 1
	InputMouseButton
	InputMouseWheel
	InputKeyDown
	InputKeyUp
)

func (k InputEventKind) String() string {
	switch k {
	case InputMouseMove:
		return "mouse_move"
	case InputMouseButton:
		return "mouse_button"
	case InputMouseWheel:
		return "mouse_wheel"
	case InputKeyDown:
		return "key_down"
	case InputKeyUp:
		return "key_up"
	default:
		return "unknown"
	}
}

// InputEvent is one remote input event. Integer keys keep the CBOR encoding
// compact on the control channel.
type InputEvent struct {
	Kind      InputEventKind `cbor:"1,keyasint"`
	Sequence  uint64         `cbor:"2,keyasint"`
	X         int            `cbor:"3,keyasint,omitempty"`
	Y         int            `cbor:"4,keyasint,omitempty"`
	Button    uint8          `cbor:"5,keyasint,omitempty"`
	Pressed   bool           `cbor:"6,keyasint,omitempty"`
	DeltaX    int            `cbor:"7,keyasint,omitempty"`
	DeltaY    int            `cbor:"8,keyasint,omitempty"`
	KeyCode   uint32         `cbor:"9,keyasint,omitempty"`
	Modifiers uint16         `cbor:"10,keyasint,omitempty"`
}

// RequiredCapability maps the event kind to the capability that must be
// granted before the event may reach the injector.
func (e InputEvent) RequiredCapability() Capability {
	switch e.Kind {
	case InputMouseMove, InputMouseButton, InputMouseWheel:
		return CapControlMouse
	case InputKeyDown, InputKeyUp:
		return CapControlKeyboard
	default:
		// Unknown kinds must never be injectable.
		return Capability("unknown")
	}
}

// DeviceCommandKind discriminates device-level actions. These arrive as
// distinct control messages gated by their own capability flags.
type DeviceCommandKind uint8

const (
	DeviceRestart DeviceCommandKind = iota + 1
	DeviceLock
	DeviceSignOut
)

func (k DeviceCommandKind) String() string {
	switch k {
	case DeviceRestart:
		return "restart"
	case DeviceLock:
		return "lock"
	case DeviceSignOut:
		return "sign_out"
	default:
		return "unknown"
	}
}

type DeviceCommand struct {
	Kind     DeviceCommandKind `cbor:"1,keyasint"`
	Sequence uint64            `cbor:"2,keyasint"`
}

func (c DeviceCommand) RequiredCapability() Capability {
	switch c.Kind {
	case DeviceRestart:
		return CapRestartDevice
	case DeviceLock:
		return CapLockDevice
	case DeviceSignOut:
		return CapSignOutDevice
	default:
		return Capability("unknown")
	}
}

// ControlMessage is the control-channel envelope: exactly one of the payload
// fields is set.
type ControlMessage struct {
	Input   *InputEvent    `cbor:"1,keyasint,omitempty"`
	Command *DeviceCommand `cbor:"2,keyasint,omitempty"`
}

// Sequence returns the monotonic sequence number of the carried payload.
func (m ControlMessage) Sequence() uint64 {
	switch {
	case m.Input != nil:
		return m.Input.Sequence
	case m.Command != nil:
		return m.Command.Sequence
	default:
		return 0
	}
}
