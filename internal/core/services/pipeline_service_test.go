package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deskbridge/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCapture struct {
	mu       sync.Mutex
	err      error
	failures int // fail this many calls, then recover
	frames   int
	closed   int
}

func (f *fakeCapture) NextFrame(ctx context.Context, timeout time.Duration) (*domain.RawFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, domain.ErrCaptureTimeout
	}
	if f.err != nil {
		return nil, f.err
	}
	f.frames++
	return &domain.RawFrame{
		Data:       make([]byte, 16),
		Width:      1280,
		Height:     720,
		CapturedAt: time.Now(),
	}, nil
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeCapture) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeEncoder struct {
	mu        sync.Mutex
	err       error
	configs   []domain.EncoderConfig
	keyFlags  []bool
	closed    int
	configErr error
}

func (f *fakeEncoder) Configure(cfg domain.EncoderConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return f.configErr
	}
	f.configs = append(f.configs, cfg)
	return nil
}

func (f *fakeEncoder) Encode(frame *domain.RawFrame, forceKeyframe bool) (*domain.EncodedFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.keyFlags = append(f.keyFlags, forceKeyframe)
	return &domain.EncodedFrame{Payload: []byte{0x01}, IsKeyframe: forceKeyframe}, nil
}

func (f *fakeEncoder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeEncoder) flags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.keyFlags))
	copy(out, f.keyFlags)
	return out
}

func (f *fakeEncoder) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSender struct {
	mu     sync.Mutex
	err    error
	frames []*domain.EncodedFrame
}

func (f *fakeSender) SendFrame(frame *domain.EncodedFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testPipelineConfig() (domain.EncoderConfig, PipelineConfig) {
	initial := domain.EncoderConfig{
		Width:         1280,
		Height:        720,
		TargetFPS:     100,
		TargetBitrate: 1_000_000,
		Codec:         domain.CodecVP8,
	}
	cfg := PipelineConfig{
		CaptureTimeout:   20 * time.Millisecond,
		FailureThreshold: 3,
		StopTimeout:      time.Second,
		Ladder:           domain.DefaultLadder(),
	}
	return initial, cfg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipelineSendsFrames(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	waitFor(t, func() bool { return sender.count() >= 5 }, "no frames reached the sender")

	// The first encoded frame of a stream is always a keyframe.
	flags := encoder.flags()
	require.NotEmpty(t, flags)
	assert.True(t, flags[0])

	snap := p.Snapshot()
	assert.GreaterOrEqual(t, snap.SentFrameCount, uint64(5))
}

func TestPipelineSkipsSingleCaptureFailure(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	waitFor(t, func() bool { return sender.count() >= 2 }, "pipeline never produced frames")

	capture.mu.Lock()
	capture.failures = 1
	capture.mu.Unlock()
	waitFor(t, func() bool { return p.Snapshot().SkippedFrameCount >= 1 }, "failure was not recorded as a skip")

	before := sender.count()
	waitFor(t, func() bool { return sender.count() > before }, "pipeline did not recover after a skip")

	select {
	case err := <-p.Fatal():
		t.Fatalf("single failure must not be fatal: %v", err)
	default:
	}
}

func TestPipelineFatalAfterConsecutiveFailures(t *testing.T) {
	capture := &fakeCapture{err: errors.New("display gone")}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	select {
	case err := <-p.Fatal():
		var fatal *domain.FatalError
		require.ErrorAs(t, err, &fatal)
		var encErr *domain.EncodeError
		assert.ErrorAs(t, err, &encErr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error after the failure threshold")
	}

	snap := p.Snapshot()
	assert.GreaterOrEqual(t, snap.SkippedFrameCount, uint64(cfg.FailureThreshold))
}

func TestPipelineDropsOldestWhenSenderStalls(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	// Fill the depth-1 queue directly, without a running send loop.
	p.enqueue(&domain.EncodedFrame{SequenceNumber: 1})
	p.enqueue(&domain.EncodedFrame{SequenceNumber: 2})

	got := <-p.outbound
	assert.Equal(t, uint64(2), got.SequenceNumber)
	assert.Equal(t, uint64(1), p.Snapshot().DroppedFrameCount)
}

func TestPipelineUpdateConfigValidation(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	var cfgErr *domain.ConfigError

	err := p.UpdateConfig(domain.EncoderConfig{Width: 0, Height: 720, TargetFPS: 30, TargetBitrate: 1_000_000})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "resolution", cfgErr.Field)

	err = p.UpdateConfig(domain.EncoderConfig{Width: 1280, Height: 720, TargetFPS: 0, TargetBitrate: 1_000_000})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "target_fps", cfgErr.Field)

	err = p.UpdateConfig(domain.EncoderConfig{Width: 1280, Height: 720, TargetFPS: 30, TargetBitrate: 50_000})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "target_bitrate", cfgErr.Field)

	// A rejected update leaves the active configuration untouched.
	assert.Equal(t, initial, p.Config())
	assert.Nil(t, p.takePending())
}

func TestPipelineConfigAppliedAtTickBoundary(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	waitFor(t, func() bool { return sender.count() >= 2 }, "pipeline never produced frames")

	next := domain.EncoderConfig{
		Width:         854,
		Height:        480,
		TargetFPS:     100,
		TargetBitrate: 600_000,
		Codec:         domain.CodecVP8,
	}
	marker := len(encoder.flags())
	require.NoError(t, p.UpdateConfig(next))

	// Configure is seen once at Start and once at the tick boundary.
	configCount := func() int {
		encoder.mu.Lock()
		defer encoder.mu.Unlock()
		return len(encoder.configs)
	}
	waitFor(t, func() bool { return configCount() == 2 }, "config never took effect")
	assert.Equal(t, next, p.Config())

	encoder.mu.Lock()
	assert.Equal(t, initial, encoder.configs[0])
	assert.Equal(t, next, encoder.configs[1])
	encoder.mu.Unlock()

	// A forced keyframe follows the reconfigure.
	waitFor(t, func() bool {
		for _, key := range encoder.flags()[marker:] {
			if key {
				return true
			}
		}
		return false
	}, "no keyframe after reconfigure")
}

func TestPipelineStartStopIdempotent(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))

	waitFor(t, func() bool { return sender.count() >= 1 }, "pipeline never produced frames")

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	assert.Equal(t, 1, capture.closeCount())
	assert.Equal(t, 1, encoder.closeCount())
}

func TestPipelineIsSingleUse(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())

	// Stop released the capture and encoder handles, so a restart would
	// run against closed resources.
	err := p.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrPipelineStopped)
}

func TestPipelineFatalCarriesSessionState(t *testing.T) {
	capture := &fakeCapture{err: errors.New("display gone")}
	encoder := &fakeEncoder{}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	cfg.LastState = func() domain.ConnectionState { return domain.StateReconnecting }
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	select {
	case err := <-p.Fatal():
		var fatal *domain.FatalError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, domain.StateReconnecting, fatal.LastState)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error after the failure threshold")
	}
}

func TestPipelineStartFailsOnEncoderConfig(t *testing.T) {
	capture := &fakeCapture{}
	encoder := &fakeEncoder{configErr: errors.New("unsupported codec")}
	sender := &fakeSender{}
	initial, cfg := testPipelineConfig()
	p := NewPipeline(capture, encoder, sender, initial, cfg, zap.NewNop().Sugar(), nil)

	err := p.Start(context.Background())
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
