package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
	"deskbridge/pkg/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockMetrics struct {
	mock.Mock
	ports.NopMetrics
}

func (m *mockMetrics) PermissionDenied(c domain.Capability) {
	m.Called(c)
}

type fakeInjector struct {
	mu       sync.Mutex
	events   []domain.InputEvent
	commands []domain.DeviceCommand
	err      error
}

func (f *fakeInjector) Inject(event domain.InputEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeInjector) Execute(cmd domain.DeviceCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeInjector) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeReceiver struct {
	ch chan []byte
}

func (f *fakeReceiver) Receive() <-chan []byte { return f.ch }

func encodeInput(t *testing.T, seq uint64, kind domain.InputEventKind) []byte {
	t.Helper()
	raw, err := codec.Marshal(domain.ControlMessage{
		Input: &domain.InputEvent{Kind: kind, Sequence: seq, X: 10, Y: 20},
	})
	require.NoError(t, err)
	return raw
}

func encodeCommand(t *testing.T, seq uint64, kind domain.DeviceCommandKind) []byte {
	t.Helper()
	raw, err := codec.Marshal(domain.ControlMessage{
		Command: &domain.DeviceCommand{Kind: kind, Sequence: seq},
	})
	require.NoError(t, err)
	return raw
}

func newTestControlService(injector *fakeInjector, profile domain.PermissionProfile) *ControlService {
	return NewControlService(injector, profile, "viewer", zap.NewNop().Sugar(), nil)
}

func TestControlServicePermittedInputInjected(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.FullAccessProfile())

	svc.handle(encodeInput(t, 1, domain.InputMouseMove))
	svc.handle(encodeInput(t, 2, domain.InputKeyDown))

	require.Len(t, injector.events, 2)
	assert.Equal(t, domain.InputMouseMove, injector.events[0].Kind)
	assert.Equal(t, domain.InputKeyDown, injector.events[1].Kind)
}

func TestControlServiceDuplicateDiscardedSilently(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.FullAccessProfile())

	svc.handle(encodeInput(t, 1, domain.InputMouseMove))
	svc.handle(encodeInput(t, 1, domain.InputMouseMove))
	svc.handle(encodeInput(t, 1, domain.InputMouseMove))

	assert.Equal(t, 1, injector.eventCount())
}

func TestControlServiceStaleSequenceDiscarded(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.FullAccessProfile())

	svc.handle(encodeInput(t, 5, domain.InputMouseMove))
	svc.handle(encodeInput(t, 3, domain.InputMouseMove))

	assert.Equal(t, 1, injector.eventCount())
}

func TestControlServiceSequenceGapAccepted(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.FullAccessProfile())

	svc.handle(encodeInput(t, 1, domain.InputMouseMove))
	svc.handle(encodeInput(t, 7, domain.InputMouseMove))

	require.Equal(t, 2, injector.eventCount())
	assert.Equal(t, uint64(7), injector.events[1].Sequence)
}

func TestControlServiceDenialAudited(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.ViewOnlyProfile())

	var denials []domain.PermissionDenial
	svc.OnDenial(func(d domain.PermissionDenial) {
		denials = append(denials, d)
	})

	svc.handle(encodeInput(t, 1, domain.InputMouseMove))

	assert.Zero(t, injector.eventCount())
	require.Len(t, denials, 1)
	assert.Equal(t, domain.CapControlMouse, denials[0].Capability)
	assert.Equal(t, uint64(1), denials[0].Sequence)
	assert.Equal(t, domain.PeerID("viewer"), denials[0].Peer)
}

func TestControlServiceDenialCounted(t *testing.T) {
	metrics := &mockMetrics{}
	metrics.On("PermissionDenied", domain.CapControlMouse).Once()

	injector := &fakeInjector{}
	svc := NewControlService(injector, domain.ViewOnlyProfile(), "viewer", zap.NewNop().Sugar(), metrics)

	svc.handle(encodeInput(t, 1, domain.InputMouseMove))

	assert.Zero(t, injector.eventCount())
	metrics.AssertExpectations(t)
}

func TestControlServiceCommandGating(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.ScreenShareOnlyProfile())

	svc.handle(encodeCommand(t, 1, domain.DeviceLock))
	assert.Empty(t, injector.commands)

	svc.SetProfile(domain.FullAccessProfile())
	svc.handle(encodeCommand(t, 2, domain.DeviceLock))
	require.Len(t, injector.commands, 1)
	assert.Equal(t, domain.DeviceLock, injector.commands[0].Kind)
}

func TestControlServiceDisabledDropsButTracksSequence(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.FullAccessProfile())

	svc.SetEnabled(false)
	svc.handle(encodeInput(t, 1, domain.InputMouseMove))
	svc.handle(encodeInput(t, 2, domain.InputMouseMove))
	assert.Zero(t, injector.eventCount())

	// Re-enabling resumes mid-stream; the sequence counter advanced while
	// disabled, so a replay of an already-seen number stays dropped.
	svc.SetEnabled(true)
	svc.handle(encodeInput(t, 2, domain.InputMouseMove))
	assert.Zero(t, injector.eventCount())

	svc.handle(encodeInput(t, 3, domain.InputMouseMove))
	assert.Equal(t, 1, injector.eventCount())
}

func TestControlServiceMalformedDropped(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.FullAccessProfile())

	svc.handle([]byte{0xff, 0x00, 0x13, 0x37})
	svc.handle(nil)

	emptyMsg, err := codec.Marshal(domain.ControlMessage{})
	require.NoError(t, err)
	svc.handle(emptyMsg)

	assert.Zero(t, injector.eventCount())

	// The stream stays usable after garbage.
	svc.handle(encodeInput(t, 1, domain.InputMouseMove))
	assert.Equal(t, 1, injector.eventCount())
}

func TestControlServiceInjectorErrorNotFatal(t *testing.T) {
	injector := &fakeInjector{err: errors.New("no display")}
	svc := newTestControlService(injector, domain.FullAccessProfile())

	svc.handle(encodeInput(t, 1, domain.InputMouseMove))

	injector.mu.Lock()
	injector.err = nil
	injector.mu.Unlock()

	svc.handle(encodeInput(t, 2, domain.InputMouseMove))
	assert.Equal(t, 1, injector.eventCount())
}

func TestControlServiceRunConsumesUntilClose(t *testing.T) {
	injector := &fakeInjector{}
	svc := newTestControlService(injector, domain.FullAccessProfile())
	recv := &fakeReceiver{ch: make(chan []byte, 4)}

	recv.ch <- encodeInput(t, 1, domain.InputMouseMove)
	recv.ch <- encodeInput(t, 2, domain.InputMouseMove)
	close(recv.ch)

	done := make(chan struct{})
	go func() {
		svc.Run(context.Background(), recv)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
	assert.Equal(t, 2, injector.eventCount())
}
