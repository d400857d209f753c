package webrtc

import (
	"fmt"
	"sync"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"github.com/klauspost/compress/zstd"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Clipboard frames carry a one-byte compression flag ahead of the content.
const (
	clipboardRaw  byte = 0x00
	clipboardZstd byte = 0x01

	// Payloads above this size are zstd-compressed before sending, unless
	// the channel is built with its own threshold.
	clipboardCompressThreshold = 1024
)

// clipboardChannel wraps the clipboard data channel with transparent zstd
// compression for large payloads.
type clipboardChannel struct {
	logger    *zap.SugaredLogger
	threshold int

	mu sync.Mutex
	dc *webrtc.DataChannel

	recv       chan []byte
	recvClosed bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ ports.ClipboardChannel = (*clipboardChannel)(nil)

func newClipboardChannel(threshold int, logger *zap.SugaredLogger) *clipboardChannel {
	if threshold <= 0 {
		threshold = clipboardCompressThreshold
	}
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &clipboardChannel{
		logger:    logger,
		threshold: threshold,
		recv:      make(chan []byte, 8),
		enc:       enc,
		dec:       dec,
	}
}

func (c *clipboardChannel) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data, err := c.decode(msg.Data)
		if err != nil {
			c.logger.Warnw("malformed clipboard payload", "error", err)
			return
		}
		c.mu.Lock()
		closed := c.recvClosed
		c.mu.Unlock()
		if closed {
			return
		}
		select {
		case c.recv <- data:
		default:
			c.logger.Warnw("clipboard backlog, dropping payload")
		}
	})
}

func (c *clipboardChannel) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return &domain.TransportError{Op: "clipboard send", Err: domain.ErrChannelClosed}
	}

	frame := c.encode(data)
	if err := dc.Send(frame); err != nil {
		return &domain.TransportError{Op: "clipboard send", Err: err}
	}
	return nil
}

func (c *clipboardChannel) Receive() <-chan []byte { return c.recv }

func (c *clipboardChannel) closeRecv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvClosed {
		return
	}
	c.recvClosed = true
	close(c.recv)
}

func (c *clipboardChannel) encode(data []byte) []byte {
	if len(data) <= c.threshold {
		return append([]byte{clipboardRaw}, data...)
	}
	compressed := c.enc.EncodeAll(data, []byte{clipboardZstd})
	// Incompressible content ships raw.
	if len(compressed) >= len(data)+1 {
		return append([]byte{clipboardRaw}, data...)
	}
	return compressed
}

func (c *clipboardChannel) decode(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("empty clipboard frame")
	}
	switch frame[0] {
	case clipboardRaw:
		return frame[1:], nil
	case clipboardZstd:
		return c.dec.DecodeAll(frame[1:], nil)
	default:
		return nil, fmt.Errorf("unknown clipboard flag 0x%02x", frame[0])
	}
}
