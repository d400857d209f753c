// Package ports defines the interfaces between the session engine core and
// its collaborators. Platform capture and input injection live entirely
// outside the core; the core holds zero platform-specific code.
package ports

import (
	"context"
	"time"

	"deskbridge/internal/core/domain"
)

// CaptureSource supplies raw frames. NextFrame blocks until a frame is
// available or the timeout elapses, in which case it returns
// domain.ErrCaptureTimeout.
type CaptureSource interface {
	NextFrame(ctx context.Context, timeout time.Duration) (*domain.RawFrame, error)
	Close() error
}

// VideoEncoder compresses raw frames under the current configuration.
// Configure is applied atomically between frames, never mid-frame.
type VideoEncoder interface {
	Configure(cfg domain.EncoderConfig) error
	Encode(frame *domain.RawFrame, forceKeyframe bool) (*domain.EncodedFrame, error)
	Close() error
}

// InputInjector applies permitted remote input on the local platform.
type InputInjector interface {
	Inject(event domain.InputEvent) error
	Execute(cmd domain.DeviceCommand) error
}

// CredentialProvider supplies the device identity and session secret. It is
// owned by the platform/licensing layers.
type CredentialProvider interface {
	PeerID() domain.PeerID
	SessionSecret() (string, error)
}
