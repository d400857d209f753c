package services

import (
	"context"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"go.uber.org/zap"
)

// ControllerConfig holds the adjustment thresholds. The values mirror the
// configuration file; nothing here is hardcoded policy.
type ControllerConfig struct {
	Cycle            time.Duration
	WindowSize       int
	RTTHigh          time.Duration
	RTTLow           time.Duration
	LossHigh         float64
	LossLow          float64
	FastLoss         float64
	ScaleDown        float64
	ScaleUp          float64
	HysteresisCycles int
	TierSwitchCycles int
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Cycle:            2 * time.Second,
		WindowSize:       5,
		RTTHigh:          200 * time.Millisecond,
		RTTLow:           50 * time.Millisecond,
		LossHigh:         0.05,
		LossLow:          0.01,
		FastLoss:         0.15,
		ScaleDown:        0.8,
		ScaleUp:          1.2,
		HysteresisCycles: 2,
		TierSwitchCycles: 3,
	}
}

// BitrateController maps network telemetry onto bitrate and tier
// recommendations. Its output is advisory: the pipeline applies each
// recommendation at its next safe boundary. At most one adjustment is made
// per cycle, so no two adjustments in the same direction can ever happen
// less than one full cycle apart.
type BitrateController struct {
	cfg    ControllerConfig
	ladder []domain.QualityTier
	codec  domain.Codec
	window *domain.StatsWindow

	tierIdx int
	bitrate int

	// consecutive-cycle counters for hysteresis and tier switching
	breachStreak int
	atMinStreak  int
	atMaxStreak  int

	out     chan domain.EncoderConfig
	logger  *zap.SugaredLogger
	metrics ports.MetricsSink
}

// NewBitrateController builds a controller reading telemetry from window,
// usually the transport's own stats window. A nil window gets a private one,
// which tests feed directly.
func NewBitrateController(
	cfg ControllerConfig,
	ladder []domain.QualityTier,
	startTier string,
	startBitrate int,
	codec domain.Codec,
	window *domain.StatsWindow,
	logger *zap.SugaredLogger,
	metrics ports.MetricsSink,
) *BitrateController {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if window == nil {
		window = domain.NewStatsWindow(cfg.WindowSize)
	}
	idx := domain.TierIndex(ladder, startTier)
	if idx < 0 {
		idx = len(ladder) / 2
	}
	c := &BitrateController{
		cfg:     cfg,
		ladder:  ladder,
		codec:   codec,
		window:  window,
		tierIdx: idx,
		bitrate: ladder[idx].Clamp(startBitrate),
		out:     make(chan domain.EncoderConfig, 1),
		logger:  logger,
		metrics: metrics,
	}
	return c
}

// Window is the telemetry window the transport feeds.
func (c *BitrateController) Window() *domain.StatsWindow { return c.window }

// Recommended yields advisory encoder configurations, latest wins.
func (c *BitrateController) Recommended() <-chan domain.EncoderConfig { return c.out }

// Bitrate returns the current recommended bitrate.
func (c *BitrateController) Bitrate() int { return c.bitrate }

// Tier returns the active quality tier.
func (c *BitrateController) Tier() domain.QualityTier { return c.ladder[c.tierIdx] }

// Run executes the fixed adjustment cycle until the context is cancelled.
func (c *BitrateController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Cycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle()
		}
	}
}

// runCycle evaluates the current window and emits at most one adjustment.
func (c *BitrateController) runCycle() {
	samples := c.window.Snapshot()
	if len(samples) == 0 {
		return
	}

	avgRTT := domain.AverageRTT(samples)
	avgLoss := domain.AverageLoss(samples)
	tier := c.ladder[c.tierIdx]

	degraded := avgRTT > c.cfg.RTTHigh || avgLoss > c.cfg.LossHigh
	healthy := avgRTT < c.cfg.RTTLow && avgLoss < c.cfg.LossLow

	prev := c.bitrate
	switch {
	case avgLoss > c.cfg.FastLoss:
		// Fast-reaction path: severe loss bypasses hysteresis.
		c.breachStreak = 0
		c.bitrate = tier.Clamp(int(float64(c.bitrate) * c.cfg.ScaleDown))
		c.logger.Warnw("bitrate fast scale-down",
			"avg_loss", avgLoss,
			"bitrate", c.bitrate,
		)

	case degraded:
		c.breachStreak++
		if c.breachStreak >= c.cfg.HysteresisCycles {
			c.bitrate = tier.Clamp(int(float64(c.bitrate) * c.cfg.ScaleDown))
		}

	case healthy:
		c.breachStreak = 0
		c.bitrate = tier.Clamp(int(float64(c.bitrate) * c.cfg.ScaleUp))

	default:
		c.breachStreak = 0
	}

	c.trackTierPressure(degraded, healthy)

	if c.bitrate != prev {
		c.metrics.SetBitrate(c.bitrate)
		c.logger.Infow("bitrate adjusted",
			"avg_rtt", avgRTT,
			"avg_loss", avgLoss,
			"tier", c.ladder[c.tierIdx].Name,
			"bitrate", c.bitrate,
		)
		c.emit()
	}
}

// trackTierPressure recommends a tier switch when conditions hold the
// clamped bitrate pinned at a tier bound for enough consecutive cycles.
func (c *BitrateController) trackTierPressure(degraded, healthy bool) {
	tier := c.ladder[c.tierIdx]

	if degraded && c.bitrate <= tier.MinBitrate && c.tierIdx > 0 {
		c.atMinStreak++
	} else {
		c.atMinStreak = 0
	}
	if healthy && c.bitrate >= tier.MaxBitrate && c.tierIdx < len(c.ladder)-1 {
		c.atMaxStreak++
	} else {
		c.atMaxStreak = 0
	}

	switch {
	case c.atMinStreak >= c.cfg.TierSwitchCycles:
		c.switchTier(c.tierIdx - 1)
		c.atMinStreak = 0
	case c.atMaxStreak >= c.cfg.TierSwitchCycles:
		c.switchTier(c.tierIdx + 1)
		c.atMaxStreak = 0
	}
}

func (c *BitrateController) switchTier(idx int) {
	from := c.ladder[c.tierIdx]
	to := c.ladder[idx]
	c.tierIdx = idx
	c.bitrate = to.Clamp(c.bitrate)
	c.breachStreak = 0

	c.metrics.SetBitrate(c.bitrate)
	c.logger.Infow("quality tier switch",
		"from", from.Name,
		"to", to.Name,
		"bitrate", c.bitrate,
	)
	c.emit()
}

// emit publishes the current recommendation, replacing any unconsumed one.
func (c *BitrateController) emit() {
	cfg := c.ladder[c.tierIdx].Config(c.bitrate, c.codec)
	for {
		select {
		case c.out <- cfg:
			return
		default:
			select {
			case <-c.out:
			default:
			}
		}
	}
}
