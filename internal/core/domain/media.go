package domain

import "time"

type Codec string

const (
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecH264 Codec = "h264"
)

// EncoderConfig is the full encoder parameter set. It is mutated only by the
// bitrate controller or an explicit override, and the pipeline applies it
// atomically at a tick boundary, never mid-frame.
type EncoderConfig struct {
	Width         int
	Height        int
	TargetFPS     int
	TargetBitrate int // bits per second
	Codec         Codec
}

// TickPeriod is the pipeline tick interval for this configuration.
func (c EncoderConfig) TickPeriod() time.Duration {
	fps := c.TargetFPS
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// RawFrame is one captured frame handed over by the capture source.
type RawFrame struct {
	Data       []byte
	Width      int
	Height     int
	Stride     int
	CapturedAt time.Time
}

// EncodedFrame is produced once by the encoder and consumed once by the
// pipeline's sender. Frames are never retained or retransmitted; the screen
// channel tolerates loss.
type EncodedFrame struct {
	Payload          []byte
	IsKeyframe       bool
	CaptureTimestamp time.Time
	SequenceNumber   uint64
}

// PerformanceSnapshot is exposed to collaborators for UI/diagnostics.
type PerformanceSnapshot struct {
	FPS               float64
	EncodeTimeMs      float64
	DroppedFrameCount uint64
	SkippedFrameCount uint64
	SentFrameCount    uint64
}
