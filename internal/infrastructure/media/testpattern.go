// Package media provides loopback implementations of the capture, encode and
// injection ports. They carry real traffic end to end and stand in until a
// platform capture/injection backend is linked.
package media

import (
	"context"
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
)

// TestPatternSource generates a moving gradient at the configured resolution.
type TestPatternSource struct {
	width  int
	height int

	mu     sync.Mutex
	frame  uint64
	closed bool
}

var _ ports.CaptureSource = (*TestPatternSource)(nil)

func NewTestPatternSource(width, height int) *TestPatternSource {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	return &TestPatternSource{width: width, height: height}
}

func (s *TestPatternSource) NextFrame(ctx context.Context, timeout time.Duration) (*domain.RawFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	n := s.frame
	s.frame++
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	stride := s.width * 4
	data := make([]byte, stride*s.height)
	shift := byte(n % 256)
	for y := 0; y < s.height; y++ {
		row := data[y*stride : (y+1)*stride]
		for x := 0; x < s.width; x++ {
			px := row[x*4 : x*4+4]
			px[0] = byte(x) + shift
			px[1] = byte(y)
			px[2] = shift
			px[3] = 0xff
		}
	}

	return &domain.RawFrame{
		Data:       data,
		Width:      s.width,
		Height:     s.height,
		Stride:     stride,
		CapturedAt: time.Now(),
	}, nil
}

func (s *TestPatternSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
