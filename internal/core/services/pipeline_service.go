package services

import (
	"context"
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"go.uber.org/zap"
)

// PipelineConfig holds the pipeline's operational limits.
type PipelineConfig struct {
	// CaptureTimeout bounds a single NextFrame call.
	CaptureTimeout time.Duration
	// FailureThreshold is the number of consecutive capture/encode
	// failures after which the pipeline stops with a fatal error. A
	// single failure is a graceful drop.
	FailureThreshold int
	// StopTimeout bounds how long Stop waits for the loops to exit before
	// force-releasing resources.
	StopTimeout time.Duration
	// Ladder bounds encoder configurations accepted by UpdateConfig.
	Ladder []domain.QualityTier
	// LastState reports the owning session's connection state, carried in
	// fatal errors. Connected is assumed when unset.
	LastState func() domain.ConnectionState
}

// Pipeline drives capture -> encode -> transmit at a fixed cadence with
// bounded latency. Video favors freshness over completeness: the outbound
// queue holds a single frame and the oldest unsent frame is dropped in favor
// of the newest.
type Pipeline struct {
	capture ports.CaptureSource
	encoder ports.VideoEncoder
	sender  ports.VideoSender

	cfg     PipelineConfig
	logger  *zap.SugaredLogger
	metrics ports.MetricsSink

	mu      sync.Mutex
	current domain.EncoderConfig
	pending *domain.EncoderConfig
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	release sync.Once

	outbound chan *domain.EncodedFrame
	fatal    chan error

	// counters read by Snapshot
	statsMu      sync.Mutex
	sent         uint64
	dropped      uint64
	skipped      uint64
	encodeTimeMs float64
	windowStart  time.Time
	windowFrames int
	fps          float64
}

func NewPipeline(
	capture ports.CaptureSource,
	encoder ports.VideoEncoder,
	sender ports.VideoSender,
	initial domain.EncoderConfig,
	cfg PipelineConfig,
	logger *zap.SugaredLogger,
	metrics ports.MetricsSink,
) *Pipeline {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 100 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Pipeline{
		capture:  capture,
		encoder:  encoder,
		sender:   sender,
		cfg:      cfg,
		current:  initial,
		logger:   logger,
		metrics:  metrics,
		outbound: make(chan *domain.EncodedFrame, 1),
		fatal:    make(chan error, 1),
	}
}

// Fatal delivers the single fatal pipeline error, if one ever occurs.
func (p *Pipeline) Fatal() <-chan error { return p.fatal }

// Start begins the tick and send loops. Starting an already-started pipeline
// is a no-op. A pipeline is single-use: once stopped its capture and encoder
// handles are released and Start fails; sessions build a fresh pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if p.stopped {
		return domain.ErrPipelineStopped
	}

	if err := p.encoder.Configure(p.current); err != nil {
		return &domain.ConfigError{Field: "encoder", Reason: err.Error()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	p.statsMu.Lock()
	p.windowStart = time.Now()
	p.windowFrames = 0
	p.statsMu.Unlock()

	go p.sendLoop(runCtx)
	go p.tickLoop(runCtx)

	p.logger.Infow("pipeline started",
		"width", p.current.Width,
		"height", p.current.Height,
		"fps", p.current.TargetFPS,
		"bitrate", p.current.TargetBitrate,
	)
	return nil
}

// Stop terminates the loops and releases capture and encoder handles.
// Stopping twice does not error; resources are released on every exit path.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	p.stopped = true
	if !p.started {
		p.mu.Unlock()
		p.releaseResources()
		return nil
	}
	p.started = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warnw("pipeline loops did not exit in time, force releasing")
	}

	p.releaseResources()
	return nil
}

func (p *Pipeline) releaseResources() {
	p.release.Do(func() {
		if err := p.capture.Close(); err != nil {
			p.logger.Warnw("capture close", "error", err)
		}
		if err := p.encoder.Close(); err != nil {
			p.logger.Warnw("encoder close", "error", err)
		}
	})
}

// UpdateConfig validates the configuration against the quality ladder and
// stages it. The new configuration takes effect atomically at the next tick
// boundary; the previous configuration stays active until then.
func (p *Pipeline) UpdateConfig(cfg domain.EncoderConfig) error {
	if err := validateEncoderConfig(cfg, p.cfg.Ladder); err != nil {
		return err
	}
	p.mu.Lock()
	p.pending = &cfg
	p.mu.Unlock()
	return nil
}

func validateEncoderConfig(cfg domain.EncoderConfig, ladder []domain.QualityTier) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return &domain.ConfigError{Field: "resolution", Reason: "must be positive"}
	}
	if cfg.TargetFPS <= 0 || cfg.TargetFPS > 240 {
		return &domain.ConfigError{Field: "target_fps", Reason: "must be in 1..240"}
	}
	if len(ladder) == 0 {
		return nil
	}
	min := ladder[0].MinBitrate
	max := ladder[len(ladder)-1].MaxBitrate
	if cfg.TargetBitrate < min || cfg.TargetBitrate > max {
		return &domain.ConfigError{Field: "target_bitrate", Reason: "outside ladder bounds"}
	}
	return nil
}

// Config returns the active encoder configuration.
func (p *Pipeline) Config() domain.EncoderConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Snapshot returns the current performance counters.
func (p *Pipeline) Snapshot() domain.PerformanceSnapshot {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return domain.PerformanceSnapshot{
		FPS:               p.fps,
		EncodeTimeMs:      p.encodeTimeMs,
		DroppedFrameCount: p.dropped,
		SkippedFrameCount: p.skipped,
		SentFrameCount:    p.sent,
	}
}

// tickLoop pulls, encodes and enqueues one frame per tick.
func (p *Pipeline) tickLoop(ctx context.Context) {
	defer close(p.done)
	defer close(p.outbound)

	cfg := p.Config()
	ticker := time.NewTicker(cfg.TickPeriod())
	defer ticker.Stop()

	var (
		seq          uint64
		frameIdx     int
		consecutive  int
		forceKeyNext bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Config changes apply here, at the tick boundary, never
		// mid-frame.
		if next := p.takePending(); next != nil {
			if err := p.encoder.Configure(*next); err != nil {
				p.logger.Errorw("encoder reconfigure failed, keeping previous config", "error", err)
			} else {
				cfg = *next
				ticker.Reset(cfg.TickPeriod())
				forceKeyNext = true
				frameIdx = 0
				p.metrics.SetBitrate(cfg.TargetBitrate)
				p.logger.Infow("encoder config applied",
					"width", cfg.Width,
					"height", cfg.Height,
					"fps", cfg.TargetFPS,
					"bitrate", cfg.TargetBitrate,
				)
			}
		}

		raw, err := p.capture.NextFrame(ctx, p.cfg.CaptureTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutive++
			p.noteSkip()
			p.logger.Warnw("frame capture failed, skipping",
				"consecutive", consecutive,
				"error", err,
			)
			if consecutive >= p.cfg.FailureThreshold {
				p.fail(seq, err)
				return
			}
			continue
		}

		// Keyframe roughly once per second, plus immediately after a
		// config change.
		forceKey := forceKeyNext || frameIdx%maxInt(cfg.TargetFPS, 1) == 0

		start := time.Now()
		frame, err := p.encoder.Encode(raw, forceKey)
		encodeTime := time.Since(start)
		if err != nil {
			consecutive++
			p.noteSkip()
			p.logger.Warnw("frame encode failed, skipping",
				"consecutive", consecutive,
				"error", err,
			)
			if consecutive >= p.cfg.FailureThreshold {
				p.fail(seq, err)
				return
			}
			continue
		}

		consecutive = 0
		forceKeyNext = false
		frameIdx++
		seq++
		frame.SequenceNumber = seq
		frame.CaptureTimestamp = raw.CapturedAt

		p.metrics.ObserveEncodeTime(encodeTime)
		p.enqueue(frame)
		p.noteFrame(encodeTime)
	}
}

// enqueue applies the depth-1 backpressure policy: when the sender has not
// taken the previous frame by now, drop it in favor of the new one.
func (p *Pipeline) enqueue(frame *domain.EncodedFrame) {
	for {
		select {
		case p.outbound <- frame:
			return
		default:
			select {
			case stale := <-p.outbound:
				p.statsMu.Lock()
				p.dropped++
				p.statsMu.Unlock()
				p.metrics.FrameDropped()
				p.logger.Debugw("dropped stale frame", "sequence", stale.SequenceNumber)
			default:
			}
		}
	}
}

func (p *Pipeline) sendLoop(ctx context.Context) {
	for frame := range p.outbound {
		if err := p.sender.SendFrame(frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Frame loss on the screen channel is tolerated; the
			// transport escalates repeated failures itself.
			p.logger.Warnw("frame send failed", "sequence", frame.SequenceNumber, "error", err)
			continue
		}
		p.statsMu.Lock()
		p.sent++
		p.statsMu.Unlock()
		p.metrics.FrameSent(frame.IsKeyframe)
	}
}

// fail surfaces the sole fatal pipeline condition: the consecutive-failure
// threshold was crossed.
func (p *Pipeline) fail(seq uint64, cause error) {
	last := domain.StateConnected
	if p.cfg.LastState != nil {
		last = p.cfg.LastState()
	}
	err := &domain.FatalError{
		Reason:    "pipeline stopped: consecutive capture/encode failures exceeded threshold",
		LastState: last,
		Err:       &domain.EncodeError{Sequence: seq, Err: cause},
	}
	p.logger.Errorw("pipeline fatal", "error", err)
	select {
	case p.fatal <- err:
	default:
	}
}

func (p *Pipeline) takePending() *domain.EncoderConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.pending
	p.pending = nil
	if next != nil {
		p.current = *next
	}
	return next
}

func (p *Pipeline) noteSkip() {
	p.statsMu.Lock()
	p.skipped++
	p.statsMu.Unlock()
	p.metrics.FrameSkipped()
}

func (p *Pipeline) noteFrame(encodeTime time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	// EWMA keeps the snapshot stable under jitter.
	ms := float64(encodeTime.Microseconds()) / 1000.0
	if p.encodeTimeMs == 0 {
		p.encodeTimeMs = ms
	} else {
		p.encodeTimeMs = 0.9*p.encodeTimeMs + 0.1*ms
	}

	p.windowFrames++
	if elapsed := time.Since(p.windowStart); elapsed >= time.Second {
		p.fps = float64(p.windowFrames) / elapsed.Seconds()
		p.metrics.SetFPS(p.fps)
		p.windowFrames = 0
		p.windowStart = time.Now()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
