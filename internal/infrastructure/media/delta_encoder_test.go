package media

import (
	"testing"
	"time"

	"deskbridge/internal/core/domain"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEncoderConfig() domain.EncoderConfig {
	return domain.EncoderConfig{
		Width:         64,
		Height:        48,
		TargetFPS:     30,
		TargetBitrate: 1_000_000,
		Codec:         domain.CodecVP8,
	}
}

func rawFrame(fill byte, size int) *domain.RawFrame {
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return &domain.RawFrame{Data: data, Width: 64, Height: 48, CapturedAt: time.Now()}
}

func decompress(t *testing.T, payload []byte) []byte {
	t.Helper()
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	require.NoError(t, err)
	return out
}

func TestDeltaEncoderFirstFrameIsKeyframe(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)
	defer enc.Close()

	frame, err := enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)
	assert.True(t, frame.IsKeyframe)
	assert.Equal(t, uint64(1), frame.SequenceNumber)

	// A keyframe packs the full frame.
	assert.Equal(t, rawFrame(0xaa, 1024).Data, decompress(t, frame.Payload))
}

func TestDeltaEncoderDeltaIsXorAgainstPrevious(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)

	frame, err := enc.Encode(rawFrame(0xab, 1024), false)
	require.NoError(t, err)
	assert.False(t, frame.IsKeyframe)
	assert.Equal(t, uint64(2), frame.SequenceNumber)

	delta := decompress(t, frame.Payload)
	require.Len(t, delta, 1024)
	for _, b := range delta {
		assert.Equal(t, byte(0xaa^0xab), b)
	}
}

func TestDeltaEncoderForcedKeyframe(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)

	frame, err := enc.Encode(rawFrame(0xab, 1024), true)
	require.NoError(t, err)
	assert.True(t, frame.IsKeyframe)
	assert.Equal(t, rawFrame(0xab, 1024).Data, decompress(t, frame.Payload))
}

func TestDeltaEncoderFrameSizeChangeForcesKeyframe(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)

	frame, err := enc.Encode(rawFrame(0xaa, 2048), false)
	require.NoError(t, err)
	assert.True(t, frame.IsKeyframe)
}

func TestDeltaEncoderResolutionChangeResetsReference(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)

	cfg := testEncoderConfig()
	cfg.Width = 128
	cfg.Height = 96
	require.NoError(t, enc.Configure(cfg))

	frame, err := enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)
	assert.True(t, frame.IsKeyframe)
}

func TestDeltaEncoderSameResolutionReconfigureKeepsReference(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)

	cfg := testEncoderConfig()
	cfg.TargetBitrate = 2_000_000
	require.NoError(t, enc.Configure(cfg))

	frame, err := enc.Encode(rawFrame(0xaa, 1024), false)
	require.NoError(t, err)
	assert.False(t, frame.IsKeyframe)
}

func TestDeltaEncoderRejectsBadInput(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)
	defer enc.Close()

	_, err = enc.Encode(nil, false)
	assert.Error(t, err)

	_, err = enc.Encode(&domain.RawFrame{}, false)
	assert.Error(t, err)

	var cfgErr *domain.ConfigError
	err = enc.Configure(domain.EncoderConfig{Width: 0, Height: 48})
	require.ErrorAs(t, err, &cfgErr)
}

func TestDeltaEncoderClosedEncoderErrors(t *testing.T) {
	enc, err := NewDeltaEncoder(testEncoderConfig())
	require.NoError(t, err)

	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close())

	_, err = enc.Encode(rawFrame(0xaa, 1024), false)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}
