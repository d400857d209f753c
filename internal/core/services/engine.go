package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"go.uber.org/zap"
)

// TransportFactory builds one session transport per peer connection.
type TransportFactory func(ctx context.Context) (ports.SessionTransport, error)

// CaptureFactory and EncoderFactory build the per-session media pipeline
// stages. The pipeline owns and closes what they return.
type CaptureFactory func() (ports.CaptureSource, error)
type EncoderFactory func() (ports.VideoEncoder, error)

// Acceptor decides inbound connection requests: the returned profile binds
// the session's permissions. Returning false rejects the request.
type Acceptor func(peer domain.PeerID) (domain.PermissionProfile, bool)

// EngineConfig carries the per-agent wiring parameters.
type EngineConfig struct {
	LocalPeer     domain.PeerID
	InitialConfig domain.EncoderConfig
	Pipeline      PipelineConfig
	Controller    ControllerConfig
	Ladder        []domain.QualityTier
	StartTier     string
}

// Engine is the session coordinator. It owns the signaling dispatch loop,
// drives the per-session state machine and starts or tears down the media
// pipeline, bitrate controller and control service as transports come and go.
type Engine struct {
	cfg       EngineConfig
	signaling ports.SignalingClient
	sessions  *SessionService
	transport TransportFactory
	capture   CaptureFactory
	encoder   EncoderFactory
	injector  ports.InputInjector
	accept    Acceptor
	logger    *zap.SugaredLogger
	metrics   ports.MetricsSink

	mu          sync.Mutex
	links       map[domain.PeerID]*peerLink
	onClipboard func(peer domain.PeerID, data []byte)
}

// candidateFailureLimit is how many consecutive signaling send failures a
// link tolerates before the session fails.
const candidateFailureLimit = 3

// peerLink bundles everything alive for one connected peer.
type peerLink struct {
	transport    ports.SessionTransport
	pipeline     *Pipeline
	controller   *BitrateController
	control      *ControlService
	cancel       context.CancelFunc
	streaming    bool
	closeOnce    sync.Once
	sendFailures atomic.Int32
}

func NewEngine(
	cfg EngineConfig,
	signaling ports.SignalingClient,
	sessions *SessionService,
	transport TransportFactory,
	capture CaptureFactory,
	encoder EncoderFactory,
	injector ports.InputInjector,
	accept Acceptor,
	logger *zap.SugaredLogger,
	metrics ports.MetricsSink,
) *Engine {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if accept == nil {
		accept = func(domain.PeerID) (domain.PermissionProfile, bool) {
			return domain.ViewOnlyProfile(), true
		}
	}
	return &Engine{
		cfg:       cfg,
		signaling: signaling,
		sessions:  sessions,
		transport: transport,
		capture:   capture,
		encoder:   encoder,
		injector:  injector,
		accept:    accept,
		logger:    logger,
		metrics:   metrics,
		links:     make(map[domain.PeerID]*peerLink),
	}
}

// OnClipboard registers the sink for clipboard data arriving from any peer.
func (e *Engine) OnClipboard(fn func(peer domain.PeerID, data []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClipboard = fn
}

// Run connects to the rendezvous service and dispatches inbound signaling
// until the context ends or the stream closes (reconnect budget spent).
func (e *Engine) Run(ctx context.Context) error {
	msgs, err := e.signaling.Connect(ctx)
	if err != nil {
		return fmt.Errorf("signaling connect: %w", err)
	}
	defer e.teardownAll()

	e.logger.Infow("registered with rendezvous", "peer_id", e.cfg.LocalPeer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				e.sessions.FailAll("signaling reconnect budget spent")
				return domain.ErrRetryBudgetSpent
			}
			e.dispatch(ctx, msg)
		}
	}
}

// Connect initiates an outbound session to the remote peer. The local side of
// an outbound session is the viewer; media flows from the remote.
func (e *Engine) Connect(ctx context.Context, remote domain.PeerID) error {
	if _, err := e.sessions.Create(e.cfg.LocalPeer, remote, domain.FullAccessProfile()); err != nil {
		return err
	}
	if err := e.sessions.Transition(remote, domain.StateConnecting, "connection requested"); err != nil {
		return err
	}
	if err := e.signaling.RequestConnection(ctx, remote); err != nil {
		e.failPeer(remote, fmt.Sprintf("connection request: %v", err))
		return err
	}
	return nil
}

// Disconnect deliberately ends the session with the peer.
func (e *Engine) Disconnect(peer domain.PeerID) error {
	e.teardownPeer(peer)
	return e.sessions.Close(peer)
}

// SetControlEnabled toggles remote control on an active session.
func (e *Engine) SetControlEnabled(peer domain.PeerID, enabled bool) error {
	link, err := e.link(peer)
	if err != nil {
		return err
	}
	if link.control == nil {
		return domain.ErrChannelClosed
	}
	link.control.SetEnabled(enabled)
	return nil
}

// Snapshot returns the streaming performance counters for an active session.
func (e *Engine) Snapshot(peer domain.PeerID) (domain.PerformanceSnapshot, error) {
	link, err := e.link(peer)
	if err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	if link.pipeline == nil {
		return domain.PerformanceSnapshot{}, domain.ErrPipelineStopped
	}
	return link.pipeline.Snapshot(), nil
}

// SendClipboard ships local clipboard content to the peer.
func (e *Engine) SendClipboard(peer domain.PeerID, data []byte) error {
	link, err := e.link(peer)
	if err != nil {
		return err
	}
	if !e.clipboardAllowed(peer) {
		e.metrics.PermissionDenied(domain.CapClipboard)
		return domain.ErrCapabilityDenied
	}
	return link.transport.Clipboard().Send(data)
}

func (e *Engine) link(peer domain.PeerID) (*peerLink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	link, ok := e.links[peer]
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	return link, nil
}

func (e *Engine) dispatch(ctx context.Context, msg domain.SignalingMessage) {
	payload, err := domain.DecodePayload(msg)
	if err != nil {
		// Malformed or unknown traffic is logged and dropped, it never
		// kills the dispatch loop.
		e.logger.Warnw("dropping signaling message", "type", msg.Type, "from", msg.From, "error", err)
		return
	}

	switch msg.Type {
	case domain.SignalConnectionRequest:
		e.handleConnectionRequest(ctx, msg.From)
	case domain.SignalConnectionAccepted:
		e.logger.Infow("connection accepted", "peer", msg.From)
	case domain.SignalConnectionRejected:
		reason := "rejected by peer"
		if p, ok := payload.(*domain.RejectionPayload); ok && p.Reason != "" {
			reason = p.Reason
		}
		e.failPeer(msg.From, reason)
	case domain.SignalOffer:
		if p, ok := payload.(*domain.OfferPayload); ok {
			e.handleOffer(ctx, msg.From, p.SDP)
		}
	case domain.SignalAnswer:
		if p, ok := payload.(*domain.AnswerPayload); ok {
			e.handleAnswer(ctx, msg.From, p.SDP)
		}
	case domain.SignalICECandidate:
		if p, ok := payload.(*domain.ICECandidatePayload); ok {
			e.handleCandidate(msg.From, *p)
		}
	case domain.SignalPeerJoined:
		if p, ok := payload.(*domain.PeerInfo); ok {
			e.logger.Infow("peer joined", "peer", p.ID)
		}
	case domain.SignalPeerLeft:
		if p, ok := payload.(*domain.PeerInfo); ok {
			e.logger.Infow("peer left", "peer", p.ID)
			e.teardownPeer(p.ID)
		}
	case domain.SignalPing:
		_ = e.signaling.Send(ctx, domain.SignalingMessage{Type: domain.SignalPong, To: msg.From})
	case domain.SignalError:
		if p, ok := payload.(*domain.ErrorPayload); ok {
			e.logger.Warnw("rendezvous error", "message", p.Message)
		}
	default:
		// PeerList, Pong and the rest need no engine action.
	}
}

// handleConnectionRequest runs the host side: accept, build the transport and
// send the offer. The host streams media, so the host is the offerer.
func (e *Engine) handleConnectionRequest(ctx context.Context, peer domain.PeerID) {
	profile, ok := e.accept(peer)
	if !ok {
		e.logger.Infow("connection request rejected", "peer", peer)
		_ = e.signaling.Send(ctx, domain.NewRejection(e.cfg.LocalPeer, peer, "rejected by host"))
		return
	}

	if _, err := e.sessions.Create(e.cfg.LocalPeer, peer, profile); err != nil {
		e.logger.Warnw("cannot create session", "peer", peer, "error", err)
		_ = e.signaling.Send(ctx, domain.NewRejection(e.cfg.LocalPeer, peer, "busy"))
		return
	}
	if err := e.sessions.Transition(peer, domain.StateConnecting, "connection accepted"); err != nil {
		e.logger.Errorw("transition failed", "peer", peer, "error", err)
		return
	}
	_ = e.signaling.Send(ctx, domain.SignalingMessage{
		Type: domain.SignalConnectionAccepted,
		From: e.cfg.LocalPeer,
		To:   peer,
	})

	link, err := e.buildLink(ctx, peer, true)
	if err != nil {
		e.failPeer(peer, fmt.Sprintf("transport setup: %v", err))
		return
	}

	sdp, err := link.transport.CreateOffer(ctx)
	if err != nil {
		e.failPeer(peer, fmt.Sprintf("create offer: %v", err))
		return
	}
	if err := e.sessions.Transition(peer, domain.StateSignalingConnected, "offer sent"); err != nil {
		e.logger.Warnw("transition failed", "peer", peer, "error", err)
	}
	if err := e.signaling.SendOffer(ctx, peer, sdp); err != nil {
		e.failPeer(peer, fmt.Sprintf("send offer: %v", err))
	}
}

// handleOffer runs the viewer side: answer the host's offer.
func (e *Engine) handleOffer(ctx context.Context, peer domain.PeerID, sdp string) {
	if _, err := e.sessions.Get(peer); err != nil {
		e.logger.Warnw("offer from unknown peer, dropping", "peer", peer)
		return
	}

	link, err := e.buildLink(ctx, peer, false)
	if err != nil {
		e.failPeer(peer, fmt.Sprintf("transport setup: %v", err))
		return
	}

	answer, err := link.transport.AcceptOffer(ctx, sdp)
	if err != nil {
		e.failPeer(peer, fmt.Sprintf("accept offer: %v", err))
		return
	}
	if err := e.sessions.Transition(peer, domain.StateSignalingConnected, "offer received"); err != nil {
		e.logger.Warnw("transition failed", "peer", peer, "error", err)
	}
	if err := e.sessions.Transition(peer, domain.StateGatheringCandidates, "answer sent"); err != nil {
		e.logger.Warnw("transition failed", "peer", peer, "error", err)
	}
	if err := e.signaling.SendAnswer(ctx, peer, answer); err != nil {
		e.failPeer(peer, fmt.Sprintf("send answer: %v", err))
	}
}

func (e *Engine) handleAnswer(ctx context.Context, peer domain.PeerID, sdp string) {
	link, err := e.link(peer)
	if err != nil {
		e.logger.Warnw("answer without transport, dropping", "peer", peer)
		return
	}
	if err := link.transport.AcceptAnswer(ctx, sdp); err != nil {
		e.failPeer(peer, fmt.Sprintf("accept answer: %v", err))
		return
	}
	if err := e.sessions.Transition(peer, domain.StateGatheringCandidates, "answer received"); err != nil {
		e.logger.Warnw("transition failed", "peer", peer, "error", err)
	}
}

func (e *Engine) handleCandidate(peer domain.PeerID, c domain.ICECandidatePayload) {
	link, err := e.link(peer)
	if err != nil {
		e.logger.Debugw("candidate without transport, dropping", "peer", peer)
		return
	}
	if err := link.transport.AddRemoteCandidate(c); err != nil {
		e.logger.Warnw("add remote candidate", "peer", peer, "error", err)
	}
}

// buildLink constructs the transport for a peer and wires its callbacks. When
// streaming is true this side hosts media and will start the pipeline once
// the transport connects.
func (e *Engine) buildLink(ctx context.Context, peer domain.PeerID, streaming bool) (*peerLink, error) {
	transport, err := e.transport(ctx)
	if err != nil {
		return nil, err
	}

	linkCtx, cancel := context.WithCancel(ctx)
	link := &peerLink{transport: transport, cancel: cancel, streaming: streaming}

	transport.OnLocalCandidate(func(c domain.ICECandidatePayload) {
		if err := e.signaling.SendICECandidate(linkCtx, peer, c); err != nil {
			e.logger.Warnw("send candidate", "peer", peer, "error", err)
			if link.sendFailures.Add(1) >= candidateFailureLimit {
				e.failPeer(peer, "repeated signaling send failures")
			}
			return
		}
		link.sendFailures.Store(0)
	})
	transport.OnConnectionChange(func(state ports.TransportState) {
		e.onTransportState(linkCtx, peer, link, state)
	})

	e.mu.Lock()
	if old, ok := e.links[peer]; ok {
		e.mu.Unlock()
		e.closeLink(peer, old)
		e.mu.Lock()
	}
	e.links[peer] = link
	e.mu.Unlock()

	go e.clipboardLoop(linkCtx, peer, transport.Clipboard())
	return link, nil
}

func (e *Engine) onTransportState(ctx context.Context, peer domain.PeerID, link *peerLink, state ports.TransportState) {
	switch state {
	case ports.TransportConnected:
		cur, err := e.sessions.State(peer)
		if err != nil {
			return
		}
		reason := "transport connected"
		if cur == domain.StateReconnecting {
			reason = "transport recovered"
		}
		if err := e.sessions.Transition(peer, domain.StateConnected, reason); err != nil {
			e.logger.Warnw("transition failed", "peer", peer, "error", err)
			return
		}
		if link.streaming {
			e.startStreaming(ctx, peer, link)
		}
	case ports.TransportDisconnected:
		if err := e.sessions.Transition(peer, domain.StateReconnecting, "transport interrupted"); err != nil {
			e.logger.Debugw("transition skipped", "peer", peer, "error", err)
		}
	case ports.TransportFailed:
		e.failPeer(peer, "transport failed")
	case ports.TransportClosed:
		e.teardownPeer(peer)
		if err := e.sessions.Close(peer); err != nil {
			e.logger.Debugw("close skipped", "peer", peer, "error", err)
		}
	}
}

// startStreaming brings up the media pipeline, bitrate controller and control
// service for a freshly connected host-side link. Reconnection reuses the
// already running set.
func (e *Engine) startStreaming(ctx context.Context, peer domain.PeerID, link *peerLink) {
	e.mu.Lock()
	if link.pipeline != nil {
		e.mu.Unlock()
		return
	}

	session, err := e.sessions.Get(peer)
	if err != nil {
		e.mu.Unlock()
		return
	}

	capture, err := e.capture()
	if err != nil {
		e.mu.Unlock()
		e.failPeer(peer, fmt.Sprintf("capture init: %v", err))
		return
	}
	encoder, err := e.encoder()
	if err != nil {
		_ = capture.Close()
		e.mu.Unlock()
		e.failPeer(peer, fmt.Sprintf("encoder init: %v", err))
		return
	}

	pcfg := e.cfg.Pipeline
	pcfg.Ladder = e.cfg.Ladder
	pcfg.LastState = func() domain.ConnectionState {
		state, err := e.sessions.State(peer)
		if err != nil {
			return domain.StateConnected
		}
		return state
	}
	link.pipeline = NewPipeline(capture, encoder, link.transport, e.cfg.InitialConfig, pcfg, e.logger, e.metrics)
	link.controller = NewBitrateController(
		e.cfg.Controller, e.cfg.Ladder, e.cfg.StartTier,
		e.cfg.InitialConfig.TargetBitrate, e.cfg.InitialConfig.Codec,
		link.transport.Stats(), e.logger, e.metrics,
	)
	link.control = NewControlService(e.injector, session.Profile, peer, e.logger, e.metrics)
	pipeline := link.pipeline
	controller := link.controller
	control := link.control
	transport := link.transport
	e.mu.Unlock()

	if err := pipeline.Start(ctx); err != nil {
		e.failPeer(peer, fmt.Sprintf("pipeline start: %v", err))
		return
	}

	go controller.Run(ctx)
	go e.applyRecommendations(ctx, peer, pipeline, controller)
	go control.Run(ctx, transport)
	go e.watchFatal(ctx, peer, pipeline)

	e.logger.Infow("streaming started", "peer", peer, "session_id", session.ID)
}

func (e *Engine) applyRecommendations(ctx context.Context, peer domain.PeerID, pipeline *Pipeline, controller *BitrateController) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-controller.Recommended():
			if !ok {
				return
			}
			if err := pipeline.UpdateConfig(cfg); err != nil {
				e.logger.Warnw("rejected controller recommendation", "peer", peer, "error", err)
			}
		}
	}
}

func (e *Engine) watchFatal(ctx context.Context, peer domain.PeerID, pipeline *Pipeline) {
	select {
	case <-ctx.Done():
	case err := <-pipeline.Fatal():
		if err != nil {
			e.failPeer(peer, err.Error())
		}
	}
}

func (e *Engine) clipboardLoop(ctx context.Context, peer domain.PeerID, ch ports.ClipboardChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch.Receive():
			if !ok {
				return
			}
			if !e.clipboardAllowed(peer) {
				e.metrics.PermissionDenied(domain.CapClipboard)
				e.logger.Warnw("clipboard data dropped", "peer", peer, "reason", "capability not granted")
				continue
			}
			e.mu.Lock()
			fn := e.onClipboard
			e.mu.Unlock()
			if fn != nil {
				fn(peer, data)
			}
		}
	}
}

// clipboardAllowed reports whether the session profile grants the remote
// peer clipboard exchange. A missing session denies.
func (e *Engine) clipboardAllowed(peer domain.PeerID) bool {
	session, err := e.sessions.Get(peer)
	if err != nil {
		return false
	}
	return session.Profile.Allows(domain.CapClipboard)
}

func (e *Engine) failPeer(peer domain.PeerID, reason string) {
	if err := e.sessions.Fail(peer, reason); err != nil {
		e.logger.Debugw("fail skipped", "peer", peer, "error", err)
	}
	e.teardownPeer(peer)
}

func (e *Engine) teardownPeer(peer domain.PeerID) {
	e.mu.Lock()
	link, ok := e.links[peer]
	if ok {
		delete(e.links, peer)
	}
	e.mu.Unlock()
	if ok {
		e.closeLink(peer, link)
	}
}

func (e *Engine) closeLink(peer domain.PeerID, link *peerLink) {
	link.closeOnce.Do(func() {
		link.cancel()
		if link.pipeline != nil {
			if err := link.pipeline.Stop(); err != nil {
				e.logger.Warnw("pipeline stop", "peer", peer, "error", err)
			}
		}
		if err := link.transport.Close(); err != nil {
			e.logger.Warnw("transport close", "peer", peer, "error", err)
		}
	})
}

func (e *Engine) teardownAll() {
	e.mu.Lock()
	links := e.links
	e.links = make(map[domain.PeerID]*peerLink)
	e.mu.Unlock()
	for peer, link := range links {
		e.closeLink(peer, link)
	}
	e.sessions.CloseAll()
}
