package media

import (
	"fmt"
	"sync"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"github.com/klauspost/compress/zstd"
)

// DeltaEncoder is the loopback video encoder: keyframes are the zstd-packed
// full frame, delta frames pack the xor against the previous frame. A
// resolution change discards the reference, so the next frame is forced to a
// keyframe.
type DeltaEncoder struct {
	mu     sync.Mutex
	cfg    domain.EncoderConfig
	prev   []byte
	seq    uint64
	enc    *zstd.Encoder
	closed bool
}

var _ ports.VideoEncoder = (*DeltaEncoder)(nil)

func NewDeltaEncoder(cfg domain.EncoderConfig) (*DeltaEncoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &DeltaEncoder{cfg: cfg, enc: enc}, nil
}

func (e *DeltaEncoder) Configure(cfg domain.EncoderConfig) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return &domain.ConfigError{Field: "resolution", Reason: "must be positive"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Width != e.cfg.Width || cfg.Height != e.cfg.Height {
		e.prev = nil
	}
	e.cfg = cfg
	return nil
}

func (e *DeltaEncoder) Encode(frame *domain.RawFrame, forceKeyframe bool) (*domain.EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, domain.ErrChannelClosed
	}
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty raw frame")
	}

	e.seq++
	keyframe := forceKeyframe || e.prev == nil || len(e.prev) != len(frame.Data)

	var payload []byte
	if keyframe {
		payload = e.enc.EncodeAll(frame.Data, nil)
	} else {
		delta := make([]byte, len(frame.Data))
		for i := range frame.Data {
			delta[i] = frame.Data[i] ^ e.prev[i]
		}
		payload = e.enc.EncodeAll(delta, nil)
	}

	e.prev = append(e.prev[:0], frame.Data...)

	return &domain.EncodedFrame{
		Payload:          payload,
		IsKeyframe:       keyframe,
		CaptureTimestamp: frame.CapturedAt,
		SequenceNumber:   e.seq,
	}, nil
}

func (e *DeltaEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.enc.Close()
	return nil
}
