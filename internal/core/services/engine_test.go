package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSignalingClient struct {
	msgs chan domain.SignalingMessage

	mu           sync.Mutex
	candidateErr error
	candidates   int
}

func (f *fakeSignalingClient) Connect(ctx context.Context) (<-chan domain.SignalingMessage, error) {
	return f.msgs, nil
}

func (f *fakeSignalingClient) Send(ctx context.Context, msg domain.SignalingMessage) error {
	return nil
}

func (f *fakeSignalingClient) ListPeers(ctx context.Context) error { return nil }

func (f *fakeSignalingClient) RequestConnection(ctx context.Context, peer domain.PeerID) error {
	return nil
}

func (f *fakeSignalingClient) SendOffer(ctx context.Context, peer domain.PeerID, sdp string) error {
	return nil
}

func (f *fakeSignalingClient) SendAnswer(ctx context.Context, peer domain.PeerID, sdp string) error {
	return nil
}

func (f *fakeSignalingClient) SendICECandidate(ctx context.Context, peer domain.PeerID, c domain.ICECandidatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates++
	return f.candidateErr
}

func (f *fakeSignalingClient) Close() error { return nil }

type fakeClipboardChannel struct {
	ch chan []byte
}

func (f *fakeClipboardChannel) Send(data []byte) error { return nil }
func (f *fakeClipboardChannel) Receive() <-chan []byte { return f.ch }

type fakeTransport struct {
	mu          sync.Mutex
	onCandidate func(domain.ICECandidatePayload)
	onState     func(ports.TransportState)
	closed      bool

	clip    *fakeClipboardChannel
	stats   *domain.StatsWindow
	control chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		clip:    &fakeClipboardChannel{ch: make(chan []byte)},
		stats:   domain.NewStatsWindow(5),
		control: make(chan []byte),
	}
}

func (f *fakeTransport) SendFrame(*domain.EncodedFrame) error { return nil }
func (f *fakeTransport) Receive() <-chan []byte               { return f.control }
func (f *fakeTransport) Clipboard() ports.ClipboardChannel    { return f.clip }
func (f *fakeTransport) Stats() *domain.StatsWindow           { return f.stats }

func (f *fakeTransport) CreateOffer(context.Context) (string, error) { return "offer", nil }

func (f *fakeTransport) AcceptOffer(context.Context, string) (string, error) {
	return "answer", nil
}

func (f *fakeTransport) AcceptAnswer(context.Context, string) error { return nil }

func (f *fakeTransport) AddRemoteCandidate(domain.ICECandidatePayload) error { return nil }

func (f *fakeTransport) OnLocalCandidate(fn func(domain.ICECandidatePayload)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnConnectionChange(fn func(ports.TransportState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) emitCandidate() {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(domain.ICECandidatePayload{Candidate: "candidate:0 1 udp 1 127.0.0.1 9 typ host"})
}

func TestEngineFailsSessionsWhenSignalingBudgetSpent(t *testing.T) {
	fs := &fakeSignalingClient{msgs: make(chan domain.SignalingMessage)}
	sessions := NewSessionService(zap.NewNop().Sugar(), nil)

	var mu sync.Mutex
	var seen []domain.StateChange
	sessions.OnStateChange(func(change domain.StateChange) error {
		mu.Lock()
		seen = append(seen, change)
		mu.Unlock()
		return nil
	})

	engine := NewEngine(EngineConfig{LocalPeer: "host"}, fs, sessions,
		nil, nil, nil, nil, nil, zap.NewNop().Sugar(), nil)
	require.NoError(t, engine.Connect(context.Background(), "viewer"))

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(context.Background()) }()
	close(fs.msgs)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrRetryBudgetSpent)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after the signaling stream closed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, domain.StateConnecting, seen[0].To)
	assert.Equal(t, domain.StateFailed, seen[1].To)
	assert.Equal(t, "signaling reconnect budget spent", seen[1].Reason)
	assert.Equal(t, domain.StateClosed, seen[2].To)
}

func TestEngineEscalatesRepeatedCandidateSendFailures(t *testing.T) {
	fs := &fakeSignalingClient{
		msgs:         make(chan domain.SignalingMessage),
		candidateErr: errors.New("socket closed"),
	}
	sessions := NewSessionService(zap.NewNop().Sugar(), nil)
	transport := newFakeTransport()
	factory := func(ctx context.Context) (ports.SessionTransport, error) {
		return transport, nil
	}

	engine := NewEngine(EngineConfig{LocalPeer: "host"}, fs, sessions,
		factory, nil, nil, nil, nil, zap.NewNop().Sugar(), nil)
	require.NoError(t, engine.Connect(context.Background(), "viewer"))

	_, err := engine.buildLink(context.Background(), "viewer", false)
	require.NoError(t, err)

	for i := 0; i < candidateFailureLimit; i++ {
		transport.emitCandidate()
	}

	state, err := sessions.State("viewer")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, state)
	assert.True(t, transport.isClosed())
}
