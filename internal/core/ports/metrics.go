package ports

import (
	"time"

	"deskbridge/internal/core/domain"
)

// MetricsSink receives engine telemetry. The prometheus collector implements
// it; tests use NopMetrics.
type MetricsSink interface {
	FrameSent(keyframe bool)
	FrameSkipped()
	FrameDropped()
	ObserveEncodeTime(d time.Duration)
	PermissionDenied(c domain.Capability)
	StateTransition(from, to domain.ConnectionState)
	SetBitrate(bps int)
	SetFPS(fps float64)
	SessionOpened()
	SessionClosed()
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) FrameSent(bool)                                    {}
func (NopMetrics) FrameSkipped()                                     {}
func (NopMetrics) FrameDropped()                                     {}
func (NopMetrics) ObserveEncodeTime(time.Duration)                   {}
func (NopMetrics) PermissionDenied(domain.Capability)                {}
func (NopMetrics) StateTransition(_, _ domain.ConnectionState)       {}
func (NopMetrics) SetBitrate(int)                                    {}
func (NopMetrics) SetFPS(float64)                                    {}
func (NopMetrics) SessionOpened()                                    {}
func (NopMetrics) SessionClosed()                                    {}
