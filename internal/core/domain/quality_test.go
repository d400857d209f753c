package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierClamp(t *testing.T) {
	tier := QualityTier{Name: "high", MinBitrate: 500_000, MaxBitrate: 5_000_000}

	assert.Equal(t, 500_000, tier.Clamp(100_000))
	assert.Equal(t, 5_000_000, tier.Clamp(9_000_000))
	assert.Equal(t, 2_000_000, tier.Clamp(2_000_000))
}

func TestTierContains(t *testing.T) {
	tier := QualityTier{MinBitrate: 300_000, MaxBitrate: 2_500_000}

	assert.True(t, tier.Contains(300_000))
	assert.True(t, tier.Contains(2_500_000))
	assert.False(t, tier.Contains(299_999))
	assert.False(t, tier.Contains(2_500_001))
}

func TestDefaultLadderOrdering(t *testing.T) {
	ladder := DefaultLadder()
	assert.Len(t, ladder, 4)
	for i := 1; i < len(ladder); i++ {
		assert.Greater(t, ladder[i].MaxBitrate, ladder[i-1].MaxBitrate)
		assert.GreaterOrEqual(t, ladder[i].Width, ladder[i-1].Width)
	}
}

func TestTierIndex(t *testing.T) {
	ladder := DefaultLadder()
	assert.Equal(t, 0, TierIndex(ladder, "low"))
	assert.Equal(t, 2, TierIndex(ladder, "high"))
	assert.Equal(t, -1, TierIndex(ladder, "insane"))
}

func TestTierConfigClampsBitrate(t *testing.T) {
	tier := DefaultLadder()[2]

	cfg := tier.Config(10_000_000, CodecVP8)
	assert.Equal(t, tier.MaxBitrate, cfg.TargetBitrate)
	assert.Equal(t, tier.Width, cfg.Width)
	assert.Equal(t, tier.FPS, cfg.TargetFPS)
}

func TestProfileByName(t *testing.T) {
	assert.Equal(t, "full_access", ProfileByName("full_access").Name)
	assert.Equal(t, "view_only", ProfileByName("nonsense").Name)
	assert.True(t, ProfileByName("screen_share").Allows(CapClipboard))
	assert.False(t, ProfileByName("screen_share").Allows(CapControlMouse))
}
