package domain

// QualityTier is one rung of the quality ladder: a discrete
// resolution/fps/bitrate-range tuple. The controller's decision space is this
// ordered table rather than a continuous parameter space.
type QualityTier struct {
	Name       string
	Width      int
	Height     int
	FPS        int
	MinBitrate int // bits per second
	MaxBitrate int // bits per second
}

// Contains reports whether the bitrate falls inside this tier's range.
func (t QualityTier) Contains(bitrate int) bool {
	return bitrate >= t.MinBitrate && bitrate <= t.MaxBitrate
}

// Clamp bounds the bitrate to this tier's range.
func (t QualityTier) Clamp(bitrate int) int {
	if bitrate < t.MinBitrate {
		return t.MinBitrate
	}
	if bitrate > t.MaxBitrate {
		return t.MaxBitrate
	}
	return bitrate
}

// Config builds an encoder configuration for this tier at the given bitrate.
func (t QualityTier) Config(bitrate int, codec Codec) EncoderConfig {
	return EncoderConfig{
		Width:         t.Width,
		Height:        t.Height,
		TargetFPS:     t.FPS,
		TargetBitrate: t.Clamp(bitrate),
		Codec:         codec,
	}
}

// DefaultLadder is the quality ladder ordered lowest to highest.
func DefaultLadder() []QualityTier {
	return []QualityTier{
		{Name: "low", Width: 854, Height: 480, FPS: 15, MinBitrate: 150_000, MaxBitrate: 800_000},
		{Name: "medium", Width: 1280, Height: 720, FPS: 30, MinBitrate: 300_000, MaxBitrate: 2_500_000},
		{Name: "high", Width: 1920, Height: 1080, FPS: 30, MinBitrate: 500_000, MaxBitrate: 5_000_000},
		{Name: "ultra", Width: 2560, Height: 1440, FPS: 60, MinBitrate: 2_000_000, MaxBitrate: 12_000_000},
	}
}

// TierIndex returns the position of the named tier in the ladder, or -1.
func TierIndex(ladder []QualityTier, name string) int {
	for i, t := range ladder {
		if t.Name == name {
			return i
		}
	}
	return -1
}
