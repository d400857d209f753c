package webrtc

import (
	"testing"

	"deskbridge/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(TransportConfig{Codec: domain.CodecVP8}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return tr
}

func TestTransportControlDelivery(t *testing.T) {
	tr := newTestTransport(t)
	defer tr.Close()

	tr.deliverControl([]byte{0x01, 0x02})

	select {
	case data := <-tr.Receive():
		assert.Equal(t, []byte{0x01, 0x02}, data)
	default:
		t.Fatal("expected a buffered control payload")
	}
}

func TestTransportControlDeliveryAfterClose(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Close())

	// A late data-channel callback is dropped, not a send on a closed
	// channel.
	tr.deliverControl([]byte("late"))

	_, ok := <-tr.Receive()
	assert.False(t, ok)

	require.NoError(t, tr.Close())
}

func TestTransportCloseConcurrentWithDelivery(t *testing.T) {
	tr := newTestTransport(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			tr.deliverControl([]byte("x"))
		}
	}()

	require.NoError(t, tr.Close())
	<-done
}

func TestTransportSendFrameAfterClose(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.Close())

	err := tr.SendFrame(&domain.EncodedFrame{Payload: []byte{0x00}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}
