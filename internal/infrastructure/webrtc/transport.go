package webrtc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	rtpMTU          = 1200
	videoClockRate  = 90000
	statsWindowSize = 5
)

// TransportConfig holds the per-connection WebRTC parameters.
type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	Codec domain.Codec
	// ClipboardCompressThreshold overrides the clipboard compression
	// cutoff in bytes; zero keeps the built-in default.
	ClipboardCompressThreshold int
}

// Transport is one encrypted peer connection carrying the screen track and
// the input and clipboard data channels. DTLS/SRTP encryption is negotiated
// inside pion; callers never see key material.
type Transport struct {
	cfg    TransportConfig
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	videoTrack *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer

	mu        sync.Mutex
	inputDC   *webrtc.DataChannel
	clipboard *clipboardChannel
	controlCh chan []byte

	onCandidate func(domain.ICECandidatePayload)
	onState     func(ports.TransportState)

	stats     *domain.StatsWindow
	bytesSent uint64
	closed    atomic.Bool
}

var _ ports.SessionTransport = (*Transport)(nil)

func New(cfg TransportConfig, logger *zap.SugaredLogger) (*Transport, error) {
	config := webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		cfg:       cfg,
		pc:        pc,
		logger:    logger,
		controlCh: make(chan []byte, 64),
		clipboard: newClipboardChannel(cfg.ClipboardCompressThreshold, logger),
		stats:     domain.NewStatsWindow(statsWindowSize),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			init := c.ToJSON()
			fn(domain.ICECandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Infow("peer connection state changed", "state", state)
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(ports.TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(ports.TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(ports.TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(ports.TransportClosed)
		}
	})

	// The answering side receives its channels from the offerer.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.bindDataChannel(dc)
	})

	return t, nil
}

func (t *Transport) OnLocalCandidate(fn func(domain.ICECandidatePayload)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *Transport) OnConnectionChange(fn func(ports.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) Stats() *domain.StatsWindow { return t.stats }

func (t *Transport) Receive() <-chan []byte { return t.controlCh }

func (t *Transport) Clipboard() ports.ClipboardChannel { return t.clipboard }

// CreateOffer prepares the host side: the screen track plus the input and
// clipboard channels, then the SDP offer.
func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	if err := t.setupVideoTrack(); err != nil {
		return "", err
	}

	ordered := true
	inputDC, err := t.pc.CreateDataChannel(string(domain.ChannelInput), &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return "", &domain.TransportError{Op: "create input channel", Err: err}
	}
	t.bindDataChannel(inputDC)

	unordered := false
	clipDC, err := t.pc.CreateDataChannel(string(domain.ChannelClipboard), &webrtc.DataChannelInit{
		Ordered: &unordered,
	})
	if err != nil {
		return "", &domain.TransportError{Op: "create clipboard channel", Err: err}
	}
	t.bindDataChannel(clipDC)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", &domain.TransportError{Op: "create offer", Err: err}
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", &domain.TransportError{Op: "set local description", Err: err}
	}
	return offer.SDP, nil
}

// AcceptOffer runs the viewer side of the handshake and returns the answer.
func (t *Transport) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return "", &domain.TransportError{Op: "set remote offer", Err: err}
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", &domain.TransportError{Op: "create answer", Err: err}
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", &domain.TransportError{Op: "set local description", Err: err}
	}
	return answer.SDP, nil
}

func (t *Transport) AcceptAnswer(ctx context.Context, sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return &domain.TransportError{Op: "set remote answer", Err: err}
	}
	return nil
}

func (t *Transport) AddRemoteCandidate(c domain.ICECandidatePayload) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return &domain.TransportError{Op: "add remote candidate", Err: err}
	}
	return nil
}

// SendFrame packetizes one encoded frame and writes it to the screen track.
func (t *Transport) SendFrame(frame *domain.EncodedFrame) error {
	if t.closed.Load() {
		return &domain.TransportError{Op: "send frame", Err: domain.ErrChannelClosed}
	}
	if t.videoTrack == nil || t.packetizer == nil {
		return &domain.TransportError{Op: "send frame", Err: fmt.Errorf("video track not negotiated")}
	}

	// One frame per tick, so samples advance by one frame duration.
	packets := t.packetizer.Packetize(frame.Payload, videoClockRate/30)
	for _, pkt := range packets {
		if err := t.videoTrack.WriteRTP(pkt); err != nil {
			return &domain.TransportError{Op: "write rtp", Err: err}
		}
	}
	atomic.AddUint64(&t.bytesSent, uint64(len(frame.Payload)))
	return nil
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.pc.Close()
	t.mu.Lock()
	close(t.controlCh)
	t.mu.Unlock()
	t.clipboard.closeRecv()
	return err
}

// deliverControl enqueues one inbound control payload. The mutex pairs the
// closed check with the send so a concurrent Close cannot close controlCh in
// between.
func (t *Transport) deliverControl(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.controlCh <- data:
	default:
		t.logger.Warnw("control channel backlog, dropping message")
	}
}

func (t *Transport) setupVideoTrack() error {
	mimeType, payloader := codecCapability(t.cfg.Codec)
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		string(domain.ChannelScreen),
		"deskbridge-screen",
	)
	if err != nil {
		return &domain.TransportError{Op: "create video track", Err: err}
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return &domain.TransportError{Op: "add video track", Err: err}
	}

	t.videoTrack = track
	t.packetizer = rtp.NewPacketizer(
		rtpMTU,
		0, // payload type is set by the track on write
		rand.Uint32(),
		payloader,
		rtp.NewRandomSequencer(),
		videoClockRate,
	)

	go t.rtcpLoop(sender)
	return nil
}

func codecCapability(c domain.Codec) (string, rtp.Payloader) {
	switch c {
	case domain.CodecVP9:
		return webrtc.MimeTypeVP9, &codecs.VP9Payloader{}
	case domain.CodecH264:
		return webrtc.MimeTypeH264, &codecs.H264Payloader{}
	default:
		return webrtc.MimeTypeVP8, &codecs.VP8Payloader{}
	}
}

// rtcpLoop turns receiver reports from the viewer into network samples for
// the bitrate controller.
func (t *Transport) rtcpLoop(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	lastBytes := uint64(0)
	lastSample := time.Now()

	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			if !t.closed.Load() {
				t.logger.Debugw("rtcp read ended", "error", err)
			}
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			t.logger.Debugw("rtcp unmarshal failed", "error", err)
			continue
		}

		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					sample := domain.NetworkSample{
						PacketLossRatio: float64(report.FractionLost) / 255.0,
						Timestamp:       time.Now(),
					}
					if report.LastSenderReport != 0 && report.Delay != 0 {
						sample.RTT = time.Duration(report.Delay) * time.Second / 65536
					}

					now := time.Now()
					sent := atomic.LoadUint64(&t.bytesSent)
					if elapsed := now.Sub(lastSample); elapsed > 0 && sent > lastBytes {
						sample.EstimatedBandwidth = int(float64((sent-lastBytes)*8) / elapsed.Seconds())
					}
					lastBytes = sent
					lastSample = now

					t.stats.Push(sample)
				}

			case *rtcp.PictureLossIndication:
				t.logger.Debugw("received PLI")

			case *rtcp.TransportLayerNack:
				t.logger.Debugw("received NACK", "nacks", len(p.Nacks))
			}
		}
	}
}

// bindDataChannel attaches the shared handlers to a negotiated channel,
// whichever side created it.
func (t *Transport) bindDataChannel(dc *webrtc.DataChannel) {
	switch domain.ChannelLabel(dc.Label()) {
	case domain.ChannelInput:
		t.mu.Lock()
		t.inputDC = dc
		t.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			t.deliverControl(msg.Data)
		})
	case domain.ChannelClipboard:
		t.clipboard.bind(dc)
	default:
		t.logger.Warnw("unexpected data channel", "label", dc.Label())
	}
}
